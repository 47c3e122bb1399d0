//go:build !linux
// +build !linux

package discovery

import (
	"errors"

	"github.com/vishvananda/netlink"
)

var errUnsupported = errors.New("netlink is only supported on linux")

// DefaultNetlinker is a stub on non-linux platforms so the daemon still
// compiles for development hosts.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a non-functional stand-in on non-linux platforms.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) { return nil, errUnsupported }
func (r *RealNetlinker) LinkList() ([]netlink.Link, error)            { return nil, errUnsupported }
func (r *RealNetlinker) LinkSetUp(link netlink.Link) error            { return errUnsupported }
func (r *RealNetlinker) LinkSetDown(link netlink.Link) error          { return errUnsupported }
func (r *RealNetlinker) LinkSetMaster(s, m netlink.Link) error        { return errUnsupported }
func (r *RealNetlinker) LinkSetNoMaster(link netlink.Link) error      { return errUnsupported }
func (r *RealNetlinker) LinkAdd(link netlink.Link) error              { return errUnsupported }
func (r *RealNetlinker) LinkDel(link netlink.Link) error              { return errUnsupported }

func (r *RealNetlinker) AddrList(l netlink.Link, f int) ([]netlink.Addr, error) {
	return nil, errUnsupported
}
func (r *RealNetlinker) AddrAdd(l netlink.Link, a *netlink.Addr) error { return errUnsupported }
func (r *RealNetlinker) AddrDel(l netlink.Link, a *netlink.Addr) error { return errUnsupported }

func (r *RealNetlinker) QdiscList(l netlink.Link) ([]netlink.Qdisc, error) {
	return nil, errUnsupported
}
func (r *RealNetlinker) QdiscAdd(q netlink.Qdisc) error { return errUnsupported }
func (r *RealNetlinker) QdiscDel(q netlink.Qdisc) error { return errUnsupported }
func (r *RealNetlinker) ClassAdd(c netlink.Class) error { return errUnsupported }

func (r *RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// RealEthtool is a stub on non-linux platforms.
type RealEthtool struct{}

func (e *RealEthtool) Speed(name string) (uint32, error) { return 0, errUnsupported }
