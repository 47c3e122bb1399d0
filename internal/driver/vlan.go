package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"

	"piso.network/provisiond/internal/model"
)

// VlanDriver manages 802.1Q tagged sub-interfaces.
type VlanDriver struct {
	env *Env
}

func NewVlanDriver(env *Env) *VlanDriver { return &VlanDriver{env: env} }

func (d *VlanDriver) Kind() model.Kind { return model.KindVlan }

func (d *VlanDriver) specPath(name string) string {
	return filepath.Join(d.env.RunDir, "vlan-"+name+".json")
}

func (d *VlanDriver) Apply(ctx context.Context, obj model.Object) error {
	v, ok := obj.(model.VlanConfig)
	if !ok {
		return fmt.Errorf("vlan driver got %T", obj)
	}

	op := operation{
		stage: func(undo *undoStack) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			path := d.specPath(v.Name)
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to stage vlan spec: %w", err)
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
			parent, err := d.env.NL.LinkByName(v.Parent)
			if err != nil {
				return &model.InterfaceNotFoundError{Name: v.Parent}
			}

			vlan := &netlink.Vlan{
				LinkAttrs: netlink.LinkAttrs{
					Name:        v.Name,
					ParentIndex: parent.Attrs().Index,
				},
				VlanId: v.ID,
			}
			if err := d.env.NL.LinkAdd(vlan); err != nil {
				return fmt.Errorf("failed to create vlan %s: %w", v.Name, err)
			}
			undo.push(func() error { return d.env.NL.LinkDel(vlan) })

			if err := d.env.NL.LinkSetUp(vlan); err != nil {
				return fmt.Errorf("failed to bring up %s: %w", v.Name, err)
			}
			return nil
		},
	}
	return d.env.run(ctx, model.KindVlan, v.Key(), op)
}

func (d *VlanDriver) Teardown(ctx context.Context, key string) error {
	link, err := d.env.NL.LinkByName(key)
	if err == nil {
		if err := d.env.NL.LinkDel(link); err != nil {
			return teardownError(model.KindVlan, key, err)
		}
	} else if !isLinkNotFound(err) {
		return teardownError(model.KindVlan, key, err)
	}

	if err := os.Remove(d.specPath(key)); err != nil && !os.IsNotExist(err) {
		return teardownError(model.KindVlan, key, err)
	}
	return nil
}

// isLinkNotFound matches netlink's "not found" error without depending on
// the concrete type, which differs between library versions.
func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(netlink.LinkNotFoundError); ok {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
