package driver

import "net"

// NATManager manages source NAT for hotspot segments. Each hotspot scope
// gets one masquerade rule matching its subnet; rules are tagged with the
// owning interface so teardown removes exactly what apply installed.
type NATManager interface {
	EnsureMasquerade(iface string, subnet *net.IPNet) error
	RemoveMasquerade(iface string) error
}
