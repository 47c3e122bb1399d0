// Package discovery enumerates kernel network links and classifies them
// for the provisioning engine. It is strictly read-only: no locks are
// shared with apply operations and every call hits the kernel fresh.
package discovery

import (
	"context"
	"net"
	"os"
	"fmt"

	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/model"
)

// Netlinker abstracts netlink interactions so drivers and discovery can be
// unit tested without kernel access.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	LinkSetMaster(slave, master netlink.Link) error
	LinkSetNoMaster(link netlink.Link) error
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error

	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error

	QdiscList(link netlink.Link) ([]netlink.Qdisc, error)
	QdiscAdd(qdisc netlink.Qdisc) error
	QdiscDel(qdisc netlink.Qdisc) error
	ClassAdd(class netlink.Class) error

	ParseAddr(s string) (*netlink.Addr, error)
}

// Ethtooler reads link hardware details. Speed returns 0 when unknown.
type Ethtooler interface {
	Speed(name string) (uint32, error)
}

// IsWireless reports whether a link is wifi-capable. Overridable in tests.
// The phy80211 sysfs node exists for every mac80211 device.
var IsWireless = func(name string) bool {
	_, err := os.Stat("/sys/class/net/" + name + "/phy80211")
	return err == nil
}

const speedUnknown = 0xFFFFFFFF // SPEED_UNKNOWN from ethtool

// Lister produces the Interface read model.
type Lister struct {
	nl Netlinker
	et Ethtooler
}

// NewLister creates a Lister. et may be nil when hardware details are not
// wanted (tests, non-linux).
func NewLister(nl Netlinker, et Ethtooler) *Lister {
	return &Lister{nl: nl, et: et}
}

// List returns all links except loopback devices.
func (l *Lister) List(ctx context.Context) ([]model.Interface, error) {
	links, err := l.nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var out []model.Interface
	for _, link := range links {
		iface := l.describe(link)
		if iface.Type == model.TypeLoopback {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

// Get returns one link by name. A missing link yields
// model.InterfaceNotFoundError, never an opaque netlink error.
func (l *Lister) Get(ctx context.Context, name string) (model.Interface, error) {
	link, err := l.nl.LinkByName(name)
	if err != nil {
		return model.Interface{}, &model.InterfaceNotFoundError{Name: name}
	}
	return l.describe(link), nil
}

func (l *Lister) describe(link netlink.Link) model.Interface {
	attrs := link.Attrs()

	iface := model.Interface{
		Name:   attrs.Name,
		Type:   classify(link),
		Status: model.StatusDown,
		MTU:    attrs.MTU,
	}
	if attrs.Flags&net.FlagUp != 0 {
		iface.Status = model.StatusUp
	}
	if attrs.HardwareAddr != nil {
		iface.MAC = attrs.HardwareAddr.String()
	}

	if addrs, err := l.nl.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
		iface.IP = addrs[0].IPNet.String()
	}

	if l.et != nil {
		if speed, err := l.et.Speed(attrs.Name); err == nil && speed != 0 && speed != speedUnknown {
			iface.SpeedMbps = int(speed)
		}
	}
	return iface
}

func classify(link netlink.Link) model.InterfaceType {
	attrs := link.Attrs()
	if attrs.Flags&net.FlagLoopback != 0 {
		return model.TypeLoopback
	}
	switch link.(type) {
	case *netlink.Bridge:
		return model.TypeBridge
	case *netlink.Vlan:
		return model.TypeVlan
	}
	if IsWireless(attrs.Name) {
		return model.TypeWifi
	}
	switch link.Type() {
	case "device", "veth", "dummy", "bond":
		return model.TypeEthernet
	}
	// Physical NICs report their encapsulation rather than a driver type.
	if attrs.EncapType == "ether" {
		return model.TypeEthernet
	}
	return model.TypeUnknown
}
