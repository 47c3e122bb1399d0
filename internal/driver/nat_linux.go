//go:build linux
// +build linux

package driver

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

const (
	natTableName = "provisiond"
	natChainName = "postrouting"
)

// NFTNatManager implements NATManager using the google/nftables library.
// It owns a dedicated ip/nat table so it never touches rules installed by
// other software on the appliance. Rules carry the owning interface name
// in UserData, which is how RemoveMasquerade finds them again.
type NFTNatManager struct {
	conn *nftables.Conn
}

// NewNFTNatManager opens an nftables connection.
func NewNFTNatManager() (*NFTNatManager, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return &NFTNatManager{conn: conn}, nil
}

// ensureChain finds or creates the provisiond nat table and its
// postrouting chain.
func (m *NFTNatManager) ensureChain() (*nftables.Table, *nftables.Chain, error) {
	tables, err := m.conn.ListTables()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var table *nftables.Table
	for _, t := range tables {
		if t.Name == natTableName && t.Family == nftables.TableFamilyIPv4 {
			table = t
			break
		}
	}
	if table == nil {
		table = m.conn.AddTable(&nftables.Table{
			Name:   natTableName,
			Family: nftables.TableFamilyIPv4,
		})
	}

	chains, err := m.conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table.Name == natTableName && c.Name == natChainName {
			return table, c, nil
		}
	}

	chain := m.conn.AddChain(&nftables.Chain{
		Name:     natChainName,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	return table, chain, nil
}

func natComment(iface string) string {
	return "hotspot:" + iface
}

// EnsureMasquerade installs a masquerade rule for traffic sourced from
// subnet. Installing twice for the same interface replaces the old rule.
func (m *NFTNatManager) EnsureMasquerade(iface string, subnet *net.IPNet) error {
	if err := m.removeRules(iface); err != nil {
		return err
	}

	table, chain, err := m.ensureChain()
	if err != nil {
		return err
	}

	m.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			// Load saddr
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12, // IPv4 src offset
				Len:          4,
			},
			// Bitwise AND with subnet mask
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           subnet.Mask,
				Xor:            []byte{0, 0, 0, 0},
			},
			// Compare with network address
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     subnet.IP.To4(),
			},
			&expr.Masq{},
		},
		UserData: []byte(natComment(iface)),
	})

	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("failed to install masquerade for %s: %w", iface, err)
	}
	return nil
}

// RemoveMasquerade removes the masquerade rule owned by iface. Removing a
// rule that does not exist is not an error.
func (m *NFTNatManager) RemoveMasquerade(iface string) error {
	if err := m.removeRules(iface); err != nil {
		return err
	}
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove masquerade for %s: %w", iface, err)
	}
	return nil
}

// removeRules queues deletion of all rules tagged with iface. The caller
// flushes.
func (m *NFTNatManager) removeRules(iface string) error {
	tables, err := m.conn.ListTables()
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == natTableName && t.Family == nftables.TableFamilyIPv4 {
			table = t
			break
		}
	}
	if table == nil {
		return nil
	}

	chains, err := m.conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return fmt.Errorf("failed to list chains: %w", err)
	}
	var chain *nftables.Chain
	for _, c := range chains {
		if c.Table.Name == natTableName && c.Name == natChainName {
			chain = c
			break
		}
	}
	if chain == nil {
		return nil
	}

	rules, err := m.conn.GetRules(table, chain)
	if err != nil {
		return fmt.Errorf("failed to get rules: %w", err)
	}
	for _, rule := range rules {
		if strings.HasPrefix(string(rule.UserData), natComment(iface)) {
			if err := m.conn.DelRule(rule); err != nil {
				return fmt.Errorf("failed to delete rule: %w", err)
			}
		}
	}
	return nil
}
