package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"piso.network/provisiond/internal/model"
)

// HotspotDriver manages captive-portal scopes: gateway address, embedded
// DHCP server, NAT masquerade and an optional bandwidth cap, all on one
// interface.
type HotspotDriver struct {
	env *Env

	// startServer is swappable so tests run without binding port 67.
	startServer func(h model.HotspotInstance) (*DHCPServer, error)

	mu        sync.Mutex
	instances map[string]*DHCPServer // interface -> running scope
}

func NewHotspotDriver(env *Env) *HotspotDriver {
	d := &HotspotDriver{env: env, instances: make(map[string]*DHCPServer)}
	d.startServer = func(h model.HotspotInstance) (*DHCPServer, error) {
		srv, err := NewDHCPServer(env, h)
		if err != nil {
			return nil, err
		}
		if err := srv.Start(); err != nil {
			return nil, err
		}
		return srv, nil
	}
	return d
}

func (d *HotspotDriver) Kind() model.Kind { return model.KindHotspot }

func (d *HotspotDriver) scopePath(iface string) string {
	return filepath.Join(d.env.RunDir, "hotspot-"+iface+".json")
}

func (d *HotspotDriver) Apply(ctx context.Context, obj model.Object) error {
	h, ok := obj.(model.HotspotInstance)
	if !ok {
		return fmt.Errorf("hotspot driver got %T", obj)
	}
	iface := h.Interface

	gw, subnet, err := h.Gateway()
	if err != nil {
		return &model.DriverError{Kind: model.KindHotspot, Key: iface, Step: string(StepWritingConfig), Cause: err}
	}
	ones, _ := subnet.Mask.Size()
	gwCIDR := fmt.Sprintf("%s/%d", gw.String(), ones)

	staged := d.scopePath(iface) + ".staged"

	op := operation{
		stage: func(undo *undoStack) error {
			data, err := json.Marshal(h)
			if err != nil {
				return err
			}
			if err := os.WriteFile(staged, data, 0644); err != nil {
				return fmt.Errorf("failed to stage hotspot scope: %w", err)
			}
			undo.push(func() error {
				err := os.Remove(staged)
				if os.IsNotExist(err) {
					return nil
				}
				return err
			})
			return nil
		},
		activate: func(ctx context.Context, undo *undoStack) error {
			link, err := d.env.NL.LinkByName(iface)
			if err != nil {
				return &model.InterfaceNotFoundError{Name: iface}
			}

			addr, err := d.env.NL.ParseAddr(gwCIDR)
			if err != nil {
				return fmt.Errorf("bad gateway address %s: %w", gwCIDR, err)
			}
			if err := d.env.NL.AddrAdd(link, addr); err != nil {
				return fmt.Errorf("failed to assign %s to %s: %w", gwCIDR, iface, err)
			}
			undo.push(func() error { return d.env.NL.AddrDel(link, addr) })

			if err := d.env.NL.LinkSetUp(link); err != nil {
				return fmt.Errorf("failed to bring up %s: %w", iface, err)
			}

			srv, err := d.startServer(h)
			if err != nil {
				return err
			}
			undo.push(func() error { return srv.Stop() })

			if err := d.env.NAT.EnsureMasquerade(iface, subnet); err != nil {
				return fmt.Errorf("failed to install NAT for %s: %w", iface, err)
			}
			undo.push(func() error { return d.env.NAT.RemoveMasquerade(iface) })

			if h.BandwidthMbps > 0 {
				if err := applyShaping(d.env.NL, link, h.BandwidthMbps); err != nil {
					return err
				}
				undo.push(func() error { return clearShaping(d.env.NL, link) })
			}

			if err := os.Rename(staged, d.scopePath(iface)); err != nil {
				return fmt.Errorf("failed to promote hotspot scope: %w", err)
			}

			d.setInstance(iface, srv)
			return nil
		},
	}

	if err := d.env.run(ctx, model.KindHotspot, h.Key(), op); err != nil {
		// run already stopped the server via undo; forget it.
		d.setInstance(iface, nil)
		return err
	}
	return nil
}

func (d *HotspotDriver) Teardown(ctx context.Context, key string) error {
	// Reverse creation order: shaping, NAT, DHCP, address, scope record.
	var h model.HotspotInstance
	haveScope := false
	if data, err := os.ReadFile(d.scopePath(key)); err == nil {
		if err := json.Unmarshal(data, &h); err == nil {
			haveScope = true
		}
	}

	link, linkErr := d.env.NL.LinkByName(key)

	if linkErr == nil && haveScope && h.BandwidthMbps > 0 {
		if err := clearShaping(d.env.NL, link); err != nil {
			return teardownError(model.KindHotspot, key, err)
		}
	}

	if err := d.env.NAT.RemoveMasquerade(key); err != nil {
		return teardownError(model.KindHotspot, key, err)
	}

	if srv := d.instance(key); srv != nil {
		srv.PurgeLeases()
		if err := srv.Stop(); err != nil {
			return teardownError(model.KindHotspot, key, err)
		}
		d.setInstance(key, nil)
	}

	if linkErr == nil && haveScope {
		if gw, subnet, err := h.Gateway(); err == nil {
			ones, _ := subnet.Mask.Size()
			if addr, err := d.env.NL.ParseAddr(fmt.Sprintf("%s/%d", gw, ones)); err == nil {
				if err := d.env.NL.AddrDel(link, addr); err != nil {
					d.env.Log.Warn("failed to remove gateway address", "interface", key, "error", err)
				}
			}
		}
	}

	for _, p := range []string{d.scopePath(key), d.scopePath(key) + ".staged"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return teardownError(model.KindHotspot, key, err)
		}
	}
	return nil
}

// Restore restarts the in-process DHCP server for an already-applied
// scope after a daemon restart. Kernel state (address, NAT, shaping) is
// assumed intact; only the listening socket needs re-establishing.
func (d *HotspotDriver) Restore(ctx context.Context, obj model.Object) error {
	h, ok := obj.(model.HotspotInstance)
	if !ok {
		return fmt.Errorf("hotspot driver got %T", obj)
	}
	if d.instance(h.Interface) != nil {
		return nil
	}

	srv, err := d.startServer(h)
	if err != nil {
		return err
	}
	d.setInstance(h.Interface, srv)
	return nil
}

// Leases returns the active leases for one scope, or all scopes when
// iface is empty.
func (d *HotspotDriver) Leases(iface string) []Lease {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Lease
	for name, srv := range d.instances {
		if iface != "" && name != iface {
			continue
		}
		out = append(out, srv.Leases()...)
	}
	return out
}

func (d *HotspotDriver) instance(iface string) *DHCPServer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instances[iface]
}

func (d *HotspotDriver) setInstance(iface string, srv *DHCPServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if srv == nil {
		delete(d.instances, iface)
	} else {
		d.instances[iface] = srv
	}
}

// Stop shuts down all DHCP servers without touching kernel state. Called
// on daemon shutdown.
func (d *HotspotDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, srv := range d.instances {
		srv.Stop()
	}
	d.instances = make(map[string]*DHCPServer)
}
