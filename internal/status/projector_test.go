package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

type staticLister struct {
	ifaces []model.Interface
}

func (l *staticLister) List(ctx context.Context) ([]model.Interface, error) {
	return l.ifaces, nil
}

func (l *staticLister) Get(ctx context.Context, name string) (model.Interface, error) {
	for _, it := range l.ifaces {
		if it.Name == name {
			return it, nil
		}
	}
	return model.Interface{}, &model.InterfaceNotFoundError{Name: name}
}

func TestProjectMergesStoreAndLiveState(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Put(model.KindWireless, "wlan0", model.WirelessConfig{
		Interface: "wlan0", SSID: "PisoWifi", Channel: 6, HWMode: "g",
	}))
	require.NoError(t, st.Put(model.KindVlan, "eth0.10", model.VlanConfig{
		ID: 10, Parent: "eth0", Name: "eth0.10",
	}))

	lister := &staticLister{ifaces: []model.Interface{
		{Name: "eth0", Type: model.TypeEthernet, Status: model.StatusUp},
		{Name: "eth0.10", Type: model.TypeVlan, Status: model.StatusUp},
		{Name: "wlan0", Type: model.TypeWifi, Status: model.StatusUp},
	}}

	proj, err := NewProjector(st, lister).Project(context.Background())
	require.NoError(t, err)

	assert.Len(t, proj.Interfaces, 3)
	require.Len(t, proj.Segments, 2)
	for _, seg := range proj.Segments {
		assert.Equal(t, StateApplied, seg.State, "segment %s/%s", seg.Kind, seg.Key)
	}
	assert.Equal(t, st.CurrentVersion(), proj.StoreVersion)
}

func TestProjectFlagsDegradedSegments(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	// The vlan's parent exists but its tagged link is gone.
	require.NoError(t, st.Put(model.KindVlan, "eth0.10", model.VlanConfig{
		ID: 10, Parent: "eth0", Name: "eth0.10",
	}))
	// This hotspot's interface vanished entirely.
	require.NoError(t, st.Put(model.KindHotspot, "eth5", model.HotspotInstance{
		Interface: "eth5", IPAddress: "10.5.5.1/24", DHCPRange: "10.5.5.10,10.5.5.20",
	}))

	lister := &staticLister{ifaces: []model.Interface{
		{Name: "eth0", Type: model.TypeEthernet, Status: model.StatusUp},
	}}

	proj, err := NewProjector(st, lister).Project(context.Background())
	require.NoError(t, err)
	require.Len(t, proj.Segments, 2)

	byKey := make(map[string]Segment)
	for _, seg := range proj.Segments {
		byKey[seg.Key] = seg
	}

	assert.Equal(t, StateDegraded, byKey["eth0.10"].State)
	assert.Equal(t, []string{"eth0.10"}, byKey["eth0.10"].Missing)
	assert.Equal(t, StateDegraded, byKey["eth5"].State)
	assert.Equal(t, []string{"eth5"}, byKey["eth5"].Missing)
}

func TestProjectEmptyStore(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	proj, err := NewProjector(st, &staticLister{}).Project(context.Background())
	require.NoError(t, err)
	assert.Empty(t, proj.Segments)
	assert.Empty(t, proj.Interfaces)
}
