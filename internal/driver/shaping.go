package driver

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/discovery"
)

// Bandwidth caps use an HTB root with a single default class and an
// fq_codel leaf: every packet on the interface lands in class 1:1 and is
// limited to the configured rate, with fq_codel keeping per-client latency
// reasonable when the class is saturated.

// applyShaping installs the cap on link. Any existing root qdisc is
// replaced.
func applyShaping(nl discovery.Netlinker, link netlink.Link, mbps int) error {
	if err := clearShaping(nl, link); err != nil {
		return err
	}

	rootQdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.HANDLE_ROOT,
		Handle:    netlink.MakeHandle(1, 0),
	})
	// Unclassified traffic falls through to 1:1 so the cap is total.
	rootQdisc.Defcls = 1
	if err := nl.QdiscAdd(rootQdisc); err != nil {
		return fmt.Errorf("failed to add HTB root on %s: %w", link.Attrs().Name, err)
	}

	rate := uint64(mbps) * 1000 * 1000 / 8 // bytes/sec
	rootClass := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(1, 0),
		Handle:    netlink.MakeHandle(1, 1),
	}, netlink.HtbClassAttrs{
		Rate:    rate,
		Ceil:    rate,
		Buffer:  1514,
		Cbuffer: 1514,
	})
	if err := nl.ClassAdd(rootClass); err != nil {
		return fmt.Errorf("failed to add HTB class on %s: %w", link.Attrs().Name, err)
	}

	fq := netlink.NewFqCodel(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(1, 1),
		Handle:    netlink.MakeHandle(100, 0),
	})
	if err := nl.QdiscAdd(fq); err != nil {
		return fmt.Errorf("failed to add fq_codel leaf on %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// clearShaping removes any root qdisc from link. Absence is not an error.
func clearShaping(nl discovery.Netlinker, link netlink.Link) error {
	qdiscs, err := nl.QdiscList(link)
	if err != nil {
		return fmt.Errorf("failed to list qdiscs on %s: %w", link.Attrs().Name, err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent != netlink.HANDLE_ROOT {
			continue
		}
		// The kernel reports a default qdisc on untouched interfaces;
		// deleting it is still safe, it just reverts to pfifo_fast.
		if q.Type() == "noqueue" || q.Type() == "pfifo_fast" {
			continue
		}
		if err := nl.QdiscDel(q); err != nil {
			return fmt.Errorf("failed to delete qdisc on %s: %w", link.Attrs().Name, err)
		}
	}
	return nil
}
