package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piso.network/provisiond/internal/model"
)

func snapWith(ifaces ...model.Interface) *Snapshot {
	snap := &Snapshot{
		Interfaces: make(map[string]model.Interface),
		Wireless:   make(map[string]model.WirelessConfig),
		Hotspots:   make(map[string]model.HotspotInstance),
		Vlans:      make(map[string]model.VlanConfig),
		Bridges:    make(map[string]model.BridgeConfig),
	}
	for _, it := range ifaces {
		snap.Interfaces[it.Name] = it
	}
	return snap
}

func TestValidateWirelessChannels(t *testing.T) {
	snap := snapWith(wifi("wlan0"))

	base := model.WirelessConfig{Interface: "wlan0", SSID: "x", Password: "longenough"}

	cases := []struct {
		hwMode  string
		channel int
		ok      bool
	}{
		{"g", 1, true},
		{"g", 14, true},
		{"g", 15, false},
		{"g", 0, false},
		{"b", 6, true},
		{"a", 36, true},
		{"a", 165, true},
		{"a", 6, false},
		{"a", 37, false},
		{"n", 6, false},
	}
	for _, tc := range cases {
		w := base
		w.HWMode = tc.hwMode
		w.Channel = tc.channel
		err := Validate(w, snap)
		if tc.ok {
			assert.NoError(t, err, "hw_mode=%s channel=%d", tc.hwMode, tc.channel)
		} else {
			assert.Error(t, err, "hw_mode=%s channel=%d", tc.hwMode, tc.channel)
		}
	}
}

func TestValidateWirelessPassphraseLength(t *testing.T) {
	snap := snapWith(wifi("wlan0"))
	w := model.WirelessConfig{Interface: "wlan0", SSID: "x", Channel: 6, HWMode: "g"}

	w.Password = "short"
	assert.Error(t, Validate(w, snap))

	w.Password = "" // open network is fine
	assert.NoError(t, Validate(w, snap))

	w.Password = "exactly8c"
	assert.NoError(t, Validate(w, snap))
}

func TestValidateHotspotRangeInsideSubnet(t *testing.T) {
	snap := snapWith(eth("eth1"))

	h := model.HotspotInstance{
		Interface: "eth1",
		IPAddress: "10.0.0.1/24",
		DHCPRange: "10.0.1.100,10.0.1.200", // different /24
	}
	err := Validate(h, snap)
	var ce *model.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "outside subnet")
}

func TestValidateHotspotInvertedRange(t *testing.T) {
	snap := snapWith(eth("eth1"))

	h := model.HotspotInstance{
		Interface: "eth1",
		IPAddress: "10.0.0.1/24",
		DHCPRange: "10.0.0.200,10.0.0.100",
	}
	var ce *model.ConflictError
	require.ErrorAs(t, Validate(h, snap), &ce)
	assert.Contains(t, ce.Reason, "above end")
}

func TestValidateHotspotBareIPImpliesSlash24(t *testing.T) {
	snap := snapWith(eth("eth1"))

	h := model.HotspotInstance{
		Interface: "eth1",
		IPAddress: "10.0.0.1",
		DHCPRange: "10.0.0.100,10.0.0.200",
	}
	assert.NoError(t, Validate(h, snap))
}

func TestValidateVlanIDRange(t *testing.T) {
	snap := snapWith(eth("eth0"))

	// 0 and 1 are reserved by 802.1Q.
	for _, id := range []int{0, 1, 4095, -1} {
		v := model.VlanConfig{ID: id, Parent: "eth0"}
		v.Name = v.DeriveName()
		assert.Error(t, Validate(v, snap), "id=%d", id)
	}

	for _, id := range []int{2, 4094} {
		v := model.VlanConfig{ID: id, Parent: "eth0"}
		v.Name = v.DeriveName()
		assert.NoError(t, Validate(v, snap), "id=%d", id)
	}
}

func TestValidateVlanNoNesting(t *testing.T) {
	snap := snapWith(eth("eth0"), model.Interface{Name: "eth0.10", Type: model.TypeVlan})

	v := model.VlanConfig{ID: 20, Parent: "eth0.10"}
	v.Name = v.DeriveName()
	var ce *model.ConflictError
	require.ErrorAs(t, Validate(v, snap), &ce)
	assert.Contains(t, ce.Reason, "nested")
}

func TestValidateBridgeMemberRules(t *testing.T) {
	snap := snapWith(eth("eth1"), eth("eth2"))
	snap.Bridges["br1"] = model.BridgeConfig{Name: "br1", Members: []string{"eth2"}}
	snap.Hotspots["eth1"] = model.HotspotInstance{Interface: "eth1"}

	// Member already enslaved elsewhere.
	b := model.BridgeConfig{Name: "br0", Members: []string{"eth2"}}
	var ce *model.ConflictError
	require.ErrorAs(t, Validate(b, snap), &ce)
	assert.Contains(t, ce.Reason, "already belongs")

	// Member hosting a hotspot would lose its addressing.
	b = model.BridgeConfig{Name: "br0", Members: []string{"eth1"}}
	require.ErrorAs(t, Validate(b, snap), &ce)
	assert.Contains(t, ce.Reason, "hosts a hotspot")

	// Missing member is an interface error, not a conflict.
	b = model.BridgeConfig{Name: "br0", Members: []string{"eth7"}}
	var nfe *model.InterfaceNotFoundError
	require.ErrorAs(t, Validate(b, snap), &nfe)
}

func TestValidateBridgeRequiresMembers(t *testing.T) {
	snap := snapWith(eth("eth1"))

	b := model.BridgeConfig{Name: "br0"}
	var ce *model.ConflictError
	require.ErrorAs(t, Validate(b, snap), &ce)
	assert.Contains(t, ce.Reason, "at least one member")
}

func TestValidateEnslavedInterfaceRejected(t *testing.T) {
	snap := snapWith(wifi("wlan0"), eth("eth1"))
	snap.Bridges["br0"] = model.BridgeConfig{Name: "br0", Members: []string{"wlan0", "eth1"}}

	w := model.WirelessConfig{Interface: "wlan0", SSID: "x", Channel: 6, HWMode: "g"}
	var ce *model.ConflictError
	require.ErrorAs(t, Validate(w, snap), &ce)
	assert.Contains(t, ce.Reason, "enslaved")

	h := model.HotspotInstance{
		Interface: "eth1",
		IPAddress: "10.0.0.1/24",
		DHCPRange: "10.0.0.100,10.0.0.200",
	}
	require.ErrorAs(t, Validate(h, snap), &ce)
	assert.Contains(t, ce.Reason, "enslaved")
}
