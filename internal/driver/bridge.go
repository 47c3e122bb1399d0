package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/model"
)

// BridgeDriver manages software bridges. Enslaving a member flushes its
// addresses (they belong to the bridge afterwards); rollback restores
// them.
type BridgeDriver struct {
	env *Env
}

func NewBridgeDriver(env *Env) *BridgeDriver { return &BridgeDriver{env: env} }

func (d *BridgeDriver) Kind() model.Kind { return model.KindBridge }

func (d *BridgeDriver) specPath(name string) string {
	return filepath.Join(d.env.RunDir, "bridge-"+name+".json")
}

func stpPath(bridge string) string {
	return filepath.Join("/sys/class/net", bridge, "bridge/stp_state")
}

func (d *BridgeDriver) Apply(ctx context.Context, obj model.Object) error {
	b, ok := obj.(model.BridgeConfig)
	if !ok {
		return fmt.Errorf("bridge driver got %T", obj)
	}

	op := operation{
		stage: func(undo *undoStack) error {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			path := d.specPath(b.Name)
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to stage bridge spec: %w", err)
			}
			undo.push(func() error {
				err := os.Remove(path)
				if os.IsNotExist(err) {
					return nil
				}
				return err
			})
			return nil
		},
		activate: func(ctx context.Context, undo *undoStack) error {
			br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: b.Name}}
			if err := d.env.NL.LinkAdd(br); err != nil {
				return fmt.Errorf("failed to create bridge %s: %w", b.Name, err)
			}
			undo.push(func() error { return d.env.NL.LinkDel(br) })

			stp := "0"
			if b.STP {
				stp = "1"
			}
			if err := d.env.Sysfs.Write(stpPath(b.Name), stp); err != nil {
				return fmt.Errorf("failed to set stp on %s: %w", b.Name, err)
			}

			for _, name := range b.Members {
				if err := d.enslave(br, name, undo); err != nil {
					return err
				}
			}

			if err := d.env.NL.LinkSetUp(br); err != nil {
				return fmt.Errorf("failed to bring up %s: %w", b.Name, err)
			}
			return nil
		},
	}
	return d.env.run(ctx, model.KindBridge, b.Key(), op)
}

// enslave moves one member under the bridge, flushing its addresses
// first. The pushed undos detach the member and put its addresses back.
func (d *BridgeDriver) enslave(br netlink.Link, name string, undo *undoStack) error {
	member, err := d.env.NL.LinkByName(name)
	if err != nil {
		return &model.InterfaceNotFoundError{Name: name}
	}

	addrs, err := d.env.NL.AddrList(member, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}
	for i := range addrs {
		addr := addrs[i]
		if err := d.env.NL.AddrDel(member, &addr); err != nil {
			return fmt.Errorf("failed to flush %s from %s: %w", addr.String(), name, err)
		}
		undo.push(func() error { return d.env.NL.AddrAdd(member, &addr) })
	}

	if err := d.env.NL.LinkSetMaster(member, br); err != nil {
		return fmt.Errorf("failed to enslave %s: %w", name, err)
	}
	undo.push(func() error { return d.env.NL.LinkSetNoMaster(member) })
	return nil
}

func (d *BridgeDriver) Teardown(ctx context.Context, key string) error {
	// The staged spec tells us which members to detach. Detaching before
	// deleting the bridge leaves the members usable immediately.
	var b model.BridgeConfig
	if data, err := os.ReadFile(d.specPath(key)); err == nil {
		if err := json.Unmarshal(data, &b); err != nil {
			d.env.Log.Warn("undecodable bridge spec, detaching nothing", "bridge", key, "error", err)
		}
	}

	for _, name := range b.Members {
		member, err := d.env.NL.LinkByName(name)
		if err != nil {
			continue // member vanished, nothing to detach
		}
		if err := d.env.NL.LinkSetNoMaster(member); err != nil {
			return teardownError(model.KindBridge, key, err)
		}
	}

	link, err := d.env.NL.LinkByName(key)
	if err == nil {
		if err := d.env.NL.LinkDel(link); err != nil {
			return teardownError(model.KindBridge, key, err)
		}
	} else if !isLinkNotFound(err) {
		return teardownError(model.KindBridge, key, err)
	}

	if err := os.Remove(d.specPath(key)); err != nil && !os.IsNotExist(err) {
		return teardownError(model.KindBridge, key, err)
	}
	return nil
}
