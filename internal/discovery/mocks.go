package discovery

import (
	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}

func (m *MockNetlinker) LinkList() ([]netlink.Link, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Link), args.Error(1)
}

func (m *MockNetlinker) LinkSetUp(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetDown(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetMaster(slave, master netlink.Link) error {
	args := m.Called(slave, master)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetNoMaster(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkAdd(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkDel(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Addr), args.Error(1)
}

func (m *MockNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}

func (m *MockNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}

func (m *MockNetlinker) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) {
	args := m.Called(link)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Qdisc), args.Error(1)
}

func (m *MockNetlinker) QdiscAdd(qdisc netlink.Qdisc) error {
	args := m.Called(qdisc)
	return args.Error(0)
}

func (m *MockNetlinker) QdiscDel(qdisc netlink.Qdisc) error {
	args := m.Called(qdisc)
	return args.Error(0)
}

func (m *MockNetlinker) ClassAdd(class netlink.Class) error {
	args := m.Called(class)
	return args.Error(0)
}

func (m *MockNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	args := m.Called(s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*netlink.Addr), args.Error(1)
}

// MockEthtool is a mock implementation of the Ethtooler interface.
type MockEthtool struct {
	mock.Mock
}

func (m *MockEthtool) Speed(name string) (uint32, error) {
	args := m.Called(name)
	return args.Get(0).(uint32), args.Error(1)
}
