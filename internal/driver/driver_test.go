package driver

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

func testEnv(t *testing.T, nl discovery.Netlinker) *Env {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &Env{
		NL:           nl,
		Exec:         new(MockCommandExecutor),
		Sysfs:        NewMockSysfs(),
		NAT:          new(MockNAT),
		Store:        st,
		Hub:          events.NewHub(),
		Log:          logging.New(logging.Config{Level: logging.ParseLevel("error"), Output: io.Discard}),
		RunDir:       t.TempDir(),
		HostapdBin:   "hostapd",
		ApplyTimeout: 5 * time.Second,
	}
}

func TestRunEmitsStepsInOrder(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	ch := env.Hub.Subscribe(16, events.EventSegmentStep)

	err := env.run(context.Background(), model.KindVlan, "eth0.10", operation{
		stage:    func(undo *undoStack) error { return nil },
		activate: func(ctx context.Context, undo *undoStack) error { return nil },
	})
	require.NoError(t, err)

	var steps []string
	for len(ch) > 0 {
		e := <-ch
		steps = append(steps, e.Data.(events.SegmentData).Step)
	}
	assert.Equal(t, []string{"writing-config", "activating"}, steps)
}

func TestRunRollsBackInReverseOrder(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))

	var undone []string
	err := env.run(context.Background(), model.KindVlan, "eth0.10", operation{
		stage: func(undo *undoStack) error {
			undo.push(func() error { undone = append(undone, "stage"); return nil })
			return nil
		},
		activate: func(ctx context.Context, undo *undoStack) error {
			undo.push(func() error { undone = append(undone, "first"); return nil })
			undo.push(func() error { undone = append(undone, "second"); return nil })
			return errors.New("activation blew up")
		},
	})

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, string(StepActivating), de.Step)
	assert.Equal(t, []string{"second", "first", "stage"}, undone)
}

func TestRunReportsRollbackFailure(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))

	err := env.run(context.Background(), model.KindBridge, "br0", operation{
		stage: func(undo *undoStack) error { return nil },
		activate: func(ctx context.Context, undo *undoStack) error {
			undo.push(func() error { return errors.New("undo failed too") })
			return errors.New("activation failed")
		},
	})

	var re *model.RollbackError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Error(), "ROLLBACK FAILED")
}

func TestRunStageFailureSkipsActivation(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))

	activated := false
	err := env.run(context.Background(), model.KindWireless, "wlan0", operation{
		stage: func(undo *undoStack) error { return errors.New("disk full") },
		activate: func(ctx context.Context, undo *undoStack) error {
			activated = true
			return nil
		},
	})

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, string(StepWritingConfig), de.Step)
	assert.False(t, activated)
}

func TestRunAppliesActivationTimeout(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	env.ApplyTimeout = 10 * time.Millisecond

	err := env.run(context.Background(), model.KindHotspot, "eth1", operation{
		stage: func(undo *undoStack) error { return nil },
		activate: func(ctx context.Context, undo *undoStack) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, de.Cause, context.DeadlineExceeded)
}
