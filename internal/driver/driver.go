// Package driver translates desired segment objects into ordered external
// operations: staged configuration writes, kernel link commands and daemon
// lifecycle. All four segment drivers share one apply state machine:
//
//	Pending -> Validating -> Writing-Config -> Activating -> Applied
//
// Writing-Config persists configuration to a staging location and has no
// observable external effect. Activating is the only effectful step; if it
// fails, every completed sub-step is undone in reverse order before the
// failure is reported, so partial application is never left in place.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/metrics"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

// Step names the phases of the apply state machine.
type Step string

const (
	StepValidating    Step = "validating"
	StepWritingConfig Step = "writing-config"
	StepActivating    Step = "activating"
	StepRollingBack   Step = "rolling-back"
	StepTeardown      Step = "teardown"
)

// Driver is the two-operation contract every segment driver implements.
type Driver interface {
	Kind() model.Kind
	// Apply makes the external system match obj. On failure the previous
	// external state has been restored (or a RollbackError is returned).
	Apply(ctx context.Context, obj model.Object) error
	// Teardown removes the external state for the object stored under key,
	// undoing creation steps in reverse order. Missing external state is
	// not an error; teardown is idempotent.
	Teardown(ctx context.Context, key string) error
}

// Restorer is implemented by drivers that hold in-process state (listening
// sockets) which must be re-established after a daemon restart without
// re-running destructive operations.
type Restorer interface {
	Restore(ctx context.Context, obj model.Object) error
}

// Env carries the shared dependencies of all segment drivers.
type Env struct {
	NL    discovery.Netlinker
	Exec  CommandExecutor
	Sysfs Sysfs
	NAT   NATManager
	Store *store.Store
	Hub   *events.Hub
	Log   *logging.Logger

	// RunDir holds staged configs, scope records and pid files.
	RunDir     string
	HostapdBin string

	// ApplyTimeout bounds the Activating step. A timeout converts to a
	// driver failure plus rollback, never to indefinite blocking.
	ApplyTimeout time.Duration
}

type ctxKey struct{}

// WithOperationID tags a context with an operation identifier so all
// progress events of one apply/teardown correlate.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// OperationID returns the operation identifier from ctx, if any.
func OperationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// undoStack collects reversal actions as an operation progresses. On
// rollback they run newest-first; every action is attempted even if an
// earlier one fails, and all failures are reported.
type undoStack struct {
	actions []func() error
}

func (u *undoStack) push(f func() error) {
	u.actions = append(u.actions, f)
}

func (u *undoStack) run() error {
	var errs []error
	for i := len(u.actions) - 1; i >= 0; i-- {
		if err := u.actions[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// operation is one driver apply broken into the state machine's phases.
type operation struct {
	// stage persists configuration to the staging area. No external effect.
	stage func(undo *undoStack) error
	// activate performs the effectful steps, pushing an undo for each
	// completed sub-step.
	activate func(ctx context.Context, undo *undoStack) error
}

// run executes one apply through the shared state machine.
func (e *Env) run(ctx context.Context, kind model.Kind, key string, op operation) error {
	opID := OperationID(ctx)
	if opID == "" {
		opID = uuid.NewString()
	}

	undo := &undoStack{}

	e.emit(events.EventSegmentStep, opID, kind, key, StepWritingConfig, nil)
	if err := op.stage(undo); err != nil {
		// Staging is side-effect free externally; still clean up any
		// staged artifacts before reporting.
		if rbErr := undo.run(); rbErr != nil {
			e.Log.Warn("failed to clean staging area", "kind", kind, "key", key, "error", rbErr)
		}
		return &model.DriverError{Kind: kind, Key: key, Step: string(StepWritingConfig), Cause: err}
	}

	e.emit(events.EventSegmentStep, opID, kind, key, StepActivating, nil)
	actx := ctx
	if e.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.ApplyTimeout)
		defer cancel()
	}

	if err := op.activate(actx, undo); err != nil {
		e.emit(events.EventSegmentStep, opID, kind, key, StepRollingBack, err)
		rbErr := undo.run()
		metrics.RecordRollback(string(kind), rbErr != nil)
		if rbErr != nil {
			e.Log.Error("rollback failed, state has drifted",
				"kind", kind, "key", key, "activate_error", err, "rollback_error", rbErr)
			return &model.RollbackError{Kind: kind, Key: key, Failure: err, Cause: rbErr}
		}
		e.emit(events.EventSegmentRolledBack, opID, kind, key, "", err)
		return &model.DriverError{Kind: kind, Key: key, Step: string(StepActivating), Cause: err}
	}

	return nil
}

func (e *Env) emit(t events.EventType, opID string, kind model.Kind, key string, step Step, err error) {
	if e.Hub == nil {
		return
	}
	e.Hub.EmitSegment(t, opID, string(kind), key, string(step), err)
}

// teardownError wraps a teardown failure into the error taxonomy.
func teardownError(kind model.Kind, key string, err error) error {
	return &model.DriverError{Kind: kind, Key: key, Step: string(StepTeardown), Cause: err}
}
