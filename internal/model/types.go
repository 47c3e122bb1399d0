// Package model defines the network segment entities managed by the
// provisioning engine and the error taxonomy shared by all components.
//
// Desired state (WirelessConfig, HotspotInstance, VlanConfig, BridgeConfig)
// lives in the config store; live state (Interface) is always read fresh
// from the kernel and never persisted.
package model

import (
	"fmt"
	"net"
	"strings"
)

// Kind identifies a segment object type in the config store.
type Kind string

const (
	KindWireless Kind = "wireless"
	KindHotspot  Kind = "hotspot"
	KindVlan     Kind = "vlan"
	KindBridge   Kind = "bridge"

	// KindLease holds DHCP leases issued by hotspot scopes. Leases are
	// operational data, not desired state; they are keyed
	// "<interface>/<mac>" and survive daemon restarts.
	KindLease Kind = "lease"
)

// InterfaceType classifies a live network link.
type InterfaceType string

const (
	TypeEthernet InterfaceType = "ethernet"
	TypeWifi     InterfaceType = "wifi"
	TypeBridge   InterfaceType = "bridge"
	TypeVlan     InterfaceType = "vlan"
	TypeLoopback InterfaceType = "loopback"
	TypeUnknown  InterfaceType = "unknown"
)

// LinkStatus is the operational state of a live link.
type LinkStatus string

const (
	StatusUp   LinkStatus = "up"
	StatusDown LinkStatus = "down"
)

// Interface is the live read model of a kernel link. It is sourced from
// netlink on every read and is never written to the store.
type Interface struct {
	Name      string        `json:"name"`
	Type      InterfaceType `json:"type"`
	Status    LinkStatus    `json:"status"`
	IP        string        `json:"ip,omitempty"`
	MAC       string        `json:"mac,omitempty"`
	MTU       int           `json:"mtu,omitempty"`
	SpeedMbps int           `json:"speed_mbps,omitempty"`
}

// Object is implemented by every desired-state entity.
type Object interface {
	Kind() Kind
	// Key is the primary key within the kind: the interface name for
	// wireless and hotspot objects, the derived name for VLANs, the
	// bridge name for bridges.
	Key() string
	// LockNames returns every interface name the object touches. The
	// reconciler serializes operations that share any of these names.
	LockNames() []string
}

// WirelessConfig describes an access point on a wifi-capable interface.
// An empty Password means an open network; otherwise it is a WPA2
// passphrase (8-63 characters).
type WirelessConfig struct {
	Interface string `json:"interface"`
	SSID      string `json:"ssid"`
	Password  string `json:"password,omitempty"`
	Channel   int    `json:"channel"`
	HWMode    string `json:"hw_mode"`
}

func (w WirelessConfig) Kind() Kind           { return KindWireless }
func (w WirelessConfig) Key() string          { return w.Interface }
func (w WirelessConfig) LockNames() []string  { return []string{w.Interface} }
func (w WirelessConfig) Open() bool           { return w.Password == "" }

// HotspotInstance describes a captive-portal segment: a gateway address,
// a DHCP pool and an optional bandwidth cap on one interface.
//
// IPAddress accepts CIDR notation ("10.0.10.1/24"); a bare address
// implies /24. DHCPRange is "low,high".
type HotspotInstance struct {
	Interface     string `json:"interface"`
	IPAddress     string `json:"ip_address"`
	DHCPRange     string `json:"dhcp_range"`
	BandwidthMbps int    `json:"bandwidth_limit,omitempty"`
}

func (h HotspotInstance) Kind() Kind          { return KindHotspot }
func (h HotspotInstance) Key() string         { return h.Interface }
func (h HotspotInstance) LockNames() []string { return []string{h.Interface} }

// Gateway returns the gateway IP and the segment subnet.
func (h HotspotInstance) Gateway() (net.IP, *net.IPNet, error) {
	s := h.IPAddress
	if !strings.Contains(s, "/") {
		s += "/24"
	}
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid gateway address %q: %w", h.IPAddress, err)
	}
	if ip.To4() == nil {
		return nil, nil, fmt.Errorf("gateway address %q is not IPv4", h.IPAddress)
	}
	return ip.To4(), ipnet, nil
}

// Range returns the DHCP pool bounds.
func (h HotspotInstance) Range() (low, high net.IP, err error) {
	parts := strings.Split(h.DHCPRange, ",")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid dhcp_range %q: want \"low,high\"", h.DHCPRange)
	}
	low = net.ParseIP(strings.TrimSpace(parts[0]))
	high = net.ParseIP(strings.TrimSpace(parts[1]))
	if low == nil || high == nil || low.To4() == nil || high.To4() == nil {
		return nil, nil, fmt.Errorf("invalid dhcp_range %q: not IPv4 addresses", h.DHCPRange)
	}
	return low.To4(), high.To4(), nil
}

// VlanConfig describes an 802.1Q tagged sub-interface. Name is always
// derived server-side as "<parent>.<id>" and is the primary key.
type VlanConfig struct {
	ID     int    `json:"id"`
	Parent string `json:"parentInterface"`
	Name   string `json:"name"`
}

// DeriveName computes the canonical sub-interface name.
func (v VlanConfig) DeriveName() string { return fmt.Sprintf("%s.%d", v.Parent, v.ID) }

func (v VlanConfig) Kind() Kind          { return KindVlan }
func (v VlanConfig) Key() string         { return v.Name }
func (v VlanConfig) LockNames() []string { return []string{v.Parent, v.Name} }

// BridgeConfig aggregates member links under a software bridge. Once a
// member is enslaved its addressing belongs to the bridge.
type BridgeConfig struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
	STP     bool     `json:"stp"`
}

func (b BridgeConfig) Kind() Kind  { return KindBridge }
func (b BridgeConfig) Key() string { return b.Name }

func (b BridgeConfig) LockNames() []string {
	names := make([]string, 0, len(b.Members)+1)
	names = append(names, b.Name)
	names = append(names, b.Members...)
	return names
}

// HasMember reports whether name is in the member set.
func (b BridgeConfig) HasMember(name string) bool {
	for _, m := range b.Members {
		if m == name {
			return true
		}
	}
	return false
}
