package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/model"
)

func TestBridgeApplyEnslavesMembers(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	eth1 := ethDevice("eth1", 3)
	eth2 := ethDevice("eth2", 4)
	addr, err := netlink.ParseAddr("10.0.0.2/24")
	require.NoError(t, err)

	nl.On("LinkAdd", mock.MatchedBy(func(l netlink.Link) bool {
		_, ok := l.(*netlink.Bridge)
		return ok && l.Attrs().Name == "br0"
	})).Return(nil)
	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("LinkByName", "eth2").Return(eth2, nil)
	nl.On("AddrList", eth1, netlink.FAMILY_V4).Return([]netlink.Addr{*addr}, nil)
	nl.On("AddrList", eth2, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
	nl.On("AddrDel", eth1, mock.Anything).Return(nil)
	nl.On("LinkSetMaster", eth1, mock.Anything).Return(nil)
	nl.On("LinkSetMaster", eth2, mock.Anything).Return(nil)
	nl.On("LinkSetUp", mock.Anything).Return(nil)

	b := model.BridgeConfig{Name: "br0", Members: []string{"eth1", "eth2"}, STP: true}
	require.NoError(t, NewBridgeDriver(env).Apply(context.Background(), b))

	nl.AssertExpectations(t)
	// Member addressing is flushed before enslavement.
	nl.AssertCalled(t, "AddrDel", eth1, mock.Anything)
	// STP was enabled through sysfs.
	assert.Equal(t, "1", env.Sysfs.(*MockSysfs).Files[stpPath("br0")])
}

func TestBridgeApplyRollbackRestoresAddresses(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	eth1 := ethDevice("eth1", 3)
	addr, err := netlink.ParseAddr("10.0.0.2/24")
	require.NoError(t, err)

	nl.On("LinkAdd", mock.Anything).Return(nil)
	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("AddrList", eth1, netlink.FAMILY_V4).Return([]netlink.Addr{*addr}, nil)
	nl.On("AddrDel", eth1, mock.Anything).Return(nil)
	nl.On("LinkSetMaster", eth1, mock.Anything).Return(errors.New("device not ready"))
	nl.On("AddrAdd", eth1, mock.Anything).Return(nil)
	nl.On("LinkDel", mock.Anything).Return(nil)

	b := model.BridgeConfig{Name: "br0", Members: []string{"eth1"}}
	err = NewBridgeDriver(env).Apply(context.Background(), b)

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	// The flushed address went back and the half-made bridge is gone.
	nl.AssertCalled(t, "AddrAdd", eth1, mock.Anything)
	nl.AssertCalled(t, "LinkDel", mock.Anything)
}

func TestBridgeApplyMissingMember(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	nl.On("LinkAdd", mock.Anything).Return(nil)
	nl.On("LinkByName", "eth7").Return(nil, errors.New("link not found"))
	nl.On("LinkDel", mock.Anything).Return(nil)

	b := model.BridgeConfig{Name: "br0", Members: []string{"eth7"}}
	err := NewBridgeDriver(env).Apply(context.Background(), b)

	var nfe *model.InterfaceNotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "eth7", nfe.Name)
}

func TestBridgeTeardownDetachesMembersFirst(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	eth1 := ethDevice("eth1", 3)
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br0"}}

	nl.On("LinkAdd", mock.Anything).Return(nil)
	nl.On("LinkByName", "eth1").Return(eth1, nil)
	nl.On("AddrList", eth1, netlink.FAMILY_V4).Return([]netlink.Addr{}, nil)
	nl.On("LinkSetMaster", eth1, mock.Anything).Return(nil)
	nl.On("LinkSetUp", mock.Anything).Return(nil)

	d := NewBridgeDriver(env)
	b := model.BridgeConfig{Name: "br0", Members: []string{"eth1"}}
	require.NoError(t, d.Apply(context.Background(), b))

	nl.On("LinkSetNoMaster", eth1).Return(nil)
	nl.On("LinkByName", "br0").Return(br, nil)
	nl.On("LinkDel", br).Return(nil)

	require.NoError(t, d.Teardown(context.Background(), "br0"))
	nl.AssertCalled(t, "LinkSetNoMaster", eth1)
	nl.AssertCalled(t, "LinkDel", br)
}
