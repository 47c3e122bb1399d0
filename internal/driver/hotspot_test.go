package driver

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/model"
)

func testHotspot() model.HotspotInstance {
	return model.HotspotInstance{
		Interface: "eth1",
		IPAddress: "192.168.77.1/24",
		DHCPRange: "192.168.77.100,192.168.77.200",
	}
}

// hotspotDriverForTest swaps the DHCP server start hook so no socket is
// bound.
func hotspotDriverForTest(env *Env) *HotspotDriver {
	d := NewHotspotDriver(env)
	d.startServer = func(h model.HotspotInstance) (*DHCPServer, error) {
		return NewDHCPServer(env, h)
	}
	return d
}

func TestHotspotApplyWiresAddressDHCPAndNAT(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)
	nat := env.NAT.(*MockNAT)

	eth1 := ethDevice("eth1", 3)
	addr, err := netlink.ParseAddr("192.168.77.1/24")
	require.NoError(t, err)

	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("ParseAddr", "192.168.77.1/24").Return(addr, nil)
	nl.On("AddrAdd", eth1, addr).Return(nil)
	nl.On("LinkSetUp", eth1).Return(nil)
	nat.On("EnsureMasquerade", "eth1", mock.Anything).Return(nil)

	d := hotspotDriverForTest(env)
	require.NoError(t, d.Apply(context.Background(), testHotspot()))

	nl.AssertExpectations(t)
	nat.AssertExpectations(t)

	// The scope record was promoted and the instance registered.
	_, err = os.Stat(d.scopePath("eth1"))
	require.NoError(t, err)
	assert.NotNil(t, d.instance("eth1"))
}

func TestHotspotApplyWithBandwidthCap(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)
	nat := env.NAT.(*MockNAT)

	eth1 := ethDevice("eth1", 3)
	addr, err := netlink.ParseAddr("192.168.77.1/24")
	require.NoError(t, err)

	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("ParseAddr", "192.168.77.1/24").Return(addr, nil)
	nl.On("AddrAdd", eth1, addr).Return(nil)
	nl.On("LinkSetUp", eth1).Return(nil)
	nat.On("EnsureMasquerade", "eth1", mock.Anything).Return(nil)
	nl.On("QdiscList", eth1).Return([]netlink.Qdisc{}, nil)
	nl.On("QdiscAdd", mock.Anything).Return(nil)
	nl.On("ClassAdd", mock.MatchedBy(func(c netlink.Class) bool {
		htb, ok := c.(*netlink.HtbClass)
		// 10 Mbps -> 1_250_000 bytes/sec
		return ok && htb.Rate == 1250000 && htb.Ceil == 1250000
	})).Return(nil)

	h := testHotspot()
	h.BandwidthMbps = 10

	d := hotspotDriverForTest(env)
	require.NoError(t, d.Apply(context.Background(), h))
	nl.AssertExpectations(t)
}

func TestHotspotApplyRollsBackOnNATFailure(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)
	nat := env.NAT.(*MockNAT)

	eth1 := ethDevice("eth1", 3)
	addr, err := netlink.ParseAddr("192.168.77.1/24")
	require.NoError(t, err)

	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("ParseAddr", "192.168.77.1/24").Return(addr, nil)
	nl.On("AddrAdd", eth1, addr).Return(nil)
	nl.On("LinkSetUp", eth1).Return(nil)
	nat.On("EnsureMasquerade", "eth1", mock.Anything).Return(errors.New("nft: permission denied"))
	nl.On("AddrDel", eth1, addr).Return(nil)

	d := hotspotDriverForTest(env)
	err = d.Apply(context.Background(), testHotspot())

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	// Gateway address came back off and no scope record survived.
	nl.AssertCalled(t, "AddrDel", eth1, addr)
	_, statErr := os.Stat(d.scopePath("eth1"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Nil(t, d.instance("eth1"))
}

func TestHotspotTeardownReversesApply(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)
	nat := env.NAT.(*MockNAT)

	eth1 := ethDevice("eth1", 3)
	addr, err := netlink.ParseAddr("192.168.77.1/24")
	require.NoError(t, err)

	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("ParseAddr", "192.168.77.1/24").Return(addr, nil)
	nl.On("AddrAdd", eth1, addr).Return(nil)
	nl.On("LinkSetUp", eth1).Return(nil)
	nat.On("EnsureMasquerade", "eth1", mock.Anything).Return(nil)

	d := hotspotDriverForTest(env)
	require.NoError(t, d.Apply(context.Background(), testHotspot()))

	nat.On("RemoveMasquerade", "eth1").Return(nil)
	nl.On("AddrDel", eth1, mock.Anything).Return(nil)

	require.NoError(t, d.Teardown(context.Background(), "eth1"))
	nat.AssertCalled(t, "RemoveMasquerade", "eth1")
	assert.Nil(t, d.instance("eth1"))

	_, statErr := os.Stat(d.scopePath("eth1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHotspotRestoreRebindsScope(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))

	d := hotspotDriverForTest(env)
	require.NoError(t, d.Restore(context.Background(), testHotspot()))
	assert.NotNil(t, d.instance("eth1"))

	// Restoring twice is a no-op.
	require.NoError(t, d.Restore(context.Background(), testHotspot()))
}
