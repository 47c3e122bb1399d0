//go:build !linux
// +build !linux

package driver

import (
	"errors"
	"net"
)

var errNATUnsupported = errors.New("nftables is only supported on linux")

// NFTNatManager is a non-functional stand-in on non-linux platforms.
type NFTNatManager struct{}

func NewNFTNatManager() (*NFTNatManager, error) { return &NFTNatManager{}, nil }

func (m *NFTNatManager) EnsureMasquerade(iface string, subnet *net.IPNet) error {
	return errNATUnsupported
}

func (m *NFTNatManager) RemoveMasquerade(iface string) error {
	return errNATUnsupported
}
