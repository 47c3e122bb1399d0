package driver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/model"
)

func ethDevice(name string, index int) *netlink.Device {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{
		Name:  name,
		Index: index,
		Flags: net.FlagUp,
	}}
}

func TestVlanApplyCreatesTaggedLink(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	nl.On("LinkByName", "eth0").Return(ethDevice("eth0", 2), nil)
	nl.On("LinkAdd", mock.MatchedBy(func(l netlink.Link) bool {
		v, ok := l.(*netlink.Vlan)
		return ok && v.Name == "eth0.10" && v.VlanId == 10 && v.ParentIndex == 2
	})).Return(nil)
	nl.On("LinkSetUp", mock.Anything).Return(nil)

	v := model.VlanConfig{ID: 10, Parent: "eth0", Name: "eth0.10"}
	require.NoError(t, NewVlanDriver(env).Apply(context.Background(), v))
	nl.AssertExpectations(t)
}

func TestVlanApplyRollsBackOnLinkUpFailure(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	nl.On("LinkByName", "eth0").Return(ethDevice("eth0", 2), nil)
	nl.On("LinkAdd", mock.Anything).Return(nil)
	nl.On("LinkSetUp", mock.Anything).Return(errors.New("device busy"))
	nl.On("LinkDel", mock.Anything).Return(nil)

	v := model.VlanConfig{ID: 10, Parent: "eth0", Name: "eth0.10"}
	err := NewVlanDriver(env).Apply(context.Background(), v)

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, string(StepActivating), de.Step)
	nl.AssertCalled(t, "LinkDel", mock.Anything)
}

func TestVlanApplyMissingParent(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	nl.On("LinkByName", "eth9").Return(nil, errors.New("link not found"))

	v := model.VlanConfig{ID: 10, Parent: "eth9", Name: "eth9.10"}
	err := NewVlanDriver(env).Apply(context.Background(), v)

	var nfe *model.InterfaceNotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "eth9", nfe.Name)
}

func TestVlanTeardownDeletesLink(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	link := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Name: "eth0.10"}, VlanId: 10}
	nl.On("LinkByName", "eth0.10").Return(link, nil)
	nl.On("LinkDel", link).Return(nil)

	require.NoError(t, NewVlanDriver(env).Teardown(context.Background(), "eth0.10"))
	nl.AssertExpectations(t)
}

func TestVlanTeardownVanishedLink(t *testing.T) {
	nl := new(discovery.MockNetlinker)
	env := testEnv(t, nl)

	nl.On("LinkByName", "eth0.10").Return(nil, errors.New("link not found"))

	// Already gone means nothing to do.
	require.NoError(t, NewVlanDriver(env).Teardown(context.Background(), "eth0.10"))
}
