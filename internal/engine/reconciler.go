// Package engine coordinates segment provisioning: it validates desired
// objects against a consistent snapshot, serializes work per interface,
// drives the segment drivers, and owns all writes to the config store.
package engine

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"piso.network/provisiond/internal/driver"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/metrics"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

// InterfaceLister is the live-interface source, normally discovery.Lister.
type InterfaceLister interface {
	List(ctx context.Context) ([]model.Interface, error)
	Get(ctx context.Context, name string) (model.Interface, error)
}

// Reconciler is the single entry point for mutating desired state.
type Reconciler struct {
	store   *store.Store
	lister  InterfaceLister
	drivers map[model.Kind]driver.Driver
	hub     *events.Hub
	log     *logging.Logger
	locks   *lockTable
}

func New(st *store.Store, lister InterfaceLister, drivers map[model.Kind]driver.Driver,
	hub *events.Hub, log *logging.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		lister:  lister,
		drivers: drivers,
		hub:     hub,
		log:     log.WithComponent("engine"),
		locks:   newLockTable(),
	}
}

// Apply provisions obj: validate, drive, persist. Applying an object that
// is byte-for-byte identical to the stored one is a no-op. Returns the
// operation id used in progress events.
func (r *Reconciler) Apply(ctx context.Context, obj model.Object) (string, error) {
	obj = normalize(obj)
	kind, key := obj.Kind(), obj.Key()

	opID := uuid.NewString()
	ctx = driver.WithOperationID(ctx, opID)
	start := time.Now()

	release := r.locks.Acquire(obj.LockNames()...)
	defer release()

	r.hub.EmitSegment(events.EventSegmentApplying, opID, string(kind), key, "", nil)

	snap, err := r.snapshot(ctx)
	if err != nil {
		return opID, r.failApply(opID, kind, key, start, "error", err)
	}

	if existing, ok := lookup(snap, kind, key); ok && reflect.DeepEqual(existing, obj) {
		// Already applied; success without touching anything.
		r.log.Debug("apply is a no-op", "kind", kind, "key", key)
		r.hub.EmitSegment(events.EventSegmentApplied, opID, string(kind), key, "", nil)
		metrics.RecordApply(string(kind), "noop", time.Since(start).Seconds())
		return opID, nil
	}

	r.hub.EmitSegment(events.EventSegmentStep, opID, string(kind), key, string(driver.StepValidating), nil)
	if err := Validate(obj, snap); err != nil {
		return opID, r.failApply(opID, kind, key, start, "conflict", err)
	}

	d, ok := r.drivers[kind]
	if !ok {
		return opID, r.failApply(opID, kind, key, start, "error", fmt.Errorf("no driver for kind %s", kind))
	}
	if err := d.Apply(ctx, obj); err != nil {
		return opID, r.failApply(opID, kind, key, start, "error", err)
	}

	// External state is live; an object is only Applied once it is also
	// durable. A store failure here is loud: the segment runs but will
	// not survive a restart.
	if err := r.store.Put(kind, key, obj); err != nil {
		r.log.Error("segment active but not persisted", "kind", kind, "key", key, "error", err)
		return opID, r.failApply(opID, kind, key, start, "store_error", err)
	}

	r.hub.EmitSegment(events.EventSegmentApplied, opID, string(kind), key, "", nil)
	metrics.RecordApply(string(kind), "applied", time.Since(start).Seconds())
	r.updateObjectGauge(kind)
	r.log.Info("segment applied", "kind", kind, "key", key, "op", opID)
	return opID, nil
}

// Destroy removes the object at (kind, key) after checking nothing still
// depends on it. Deletion never cascades.
func (r *Reconciler) Destroy(ctx context.Context, kind model.Kind, key string) (string, error) {
	obj, err := r.getObject(kind, key)
	if err != nil {
		return "", err
	}

	opID := uuid.NewString()
	ctx = driver.WithOperationID(ctx, opID)

	release := r.locks.Acquire(obj.LockNames()...)
	defer release()

	// Re-read under the lock; a concurrent destroy may have won.
	if _, err := r.getObject(kind, key); err != nil {
		return opID, err
	}

	snap, err := r.snapshot(ctx)
	if err != nil {
		return opID, err
	}
	if deps := dependents(snap, kind, key); len(deps) > 0 {
		metrics.RecordTeardown(string(kind), "blocked")
		return opID, &model.DependencyError{Kind: kind, Key: key, Dependents: deps}
	}

	d, ok := r.drivers[kind]
	if !ok {
		return opID, fmt.Errorf("no driver for kind %s", kind)
	}
	if err := d.Teardown(ctx, key); err != nil {
		metrics.RecordTeardown(string(kind), "error")
		r.hub.EmitSegment(events.EventSegmentFailed, opID, string(kind), key, string(driver.StepTeardown), err)
		return opID, err
	}

	if err := r.store.Delete(kind, key); err != nil && err != model.ErrNotFound {
		return opID, err
	}

	r.hub.EmitSegment(events.EventSegmentRemoved, opID, string(kind), key, "", nil)
	metrics.RecordTeardown(string(kind), "removed")
	r.updateObjectGauge(kind)
	r.log.Info("segment removed", "kind", kind, "key", key, "op", opID)
	return opID, nil
}

// Resync runs at startup. It never re-executes destructive operations: it
// re-establishes in-process state (DHCP listeners) for intact segments
// and flags segments whose backing interface has vanished as degraded.
func (r *Reconciler) Resync(ctx context.Context) error {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return err
	}

	for kind := range r.drivers {
		r.updateObjectGauge(kind)
	}

	for _, obj := range allObjects(snap) {
		missing := missingBacking(obj, snap)
		if len(missing) > 0 {
			r.log.Warn("segment degraded, backing interface missing",
				"kind", obj.Kind(), "key", obj.Key(), "missing", missing)
			r.hub.EmitSegment(events.EventSegmentDegraded, uuid.NewString(),
				string(obj.Kind()), obj.Key(), "", fmt.Errorf("interface %s missing", missing[0]))
			continue
		}

		if res, ok := r.drivers[obj.Kind()].(driver.Restorer); ok {
			if err := res.Restore(ctx, obj); err != nil {
				r.log.Error("failed to restore segment", "kind", obj.Kind(),
					"key", obj.Key(), "error", err)
			}
		}
	}
	return nil
}

func (r *Reconciler) failApply(opID string, kind model.Kind, key string, start time.Time, result string, err error) error {
	r.hub.EmitSegment(events.EventSegmentFailed, opID, string(kind), key, "", err)
	metrics.RecordApply(string(kind), result, time.Since(start).Seconds())
	r.log.Warn("apply failed", "kind", kind, "key", key, "op", opID, "error", err)
	return err
}

// snapshot loads live interfaces and all stored objects in one pass.
func (r *Reconciler) snapshot(ctx context.Context) (*Snapshot, error) {
	ifaces, err := r.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	snap := &Snapshot{
		Interfaces: make(map[string]model.Interface, len(ifaces)),
		Wireless:   make(map[string]model.WirelessConfig),
		Hotspots:   make(map[string]model.HotspotInstance),
		Vlans:      make(map[string]model.VlanConfig),
		Bridges:    make(map[string]model.BridgeConfig),
	}
	for _, it := range ifaces {
		snap.Interfaces[it.Name] = it
	}

	wireless, err := store.ListAs[model.WirelessConfig](r.store, model.KindWireless)
	if err != nil {
		return nil, err
	}
	for _, w := range wireless {
		snap.Wireless[w.Interface] = w
	}

	hotspots, err := store.ListAs[model.HotspotInstance](r.store, model.KindHotspot)
	if err != nil {
		return nil, err
	}
	for _, h := range hotspots {
		snap.Hotspots[h.Interface] = h
	}

	vlans, err := store.ListAs[model.VlanConfig](r.store, model.KindVlan)
	if err != nil {
		return nil, err
	}
	for _, v := range vlans {
		snap.Vlans[v.Name] = v
	}

	bridges, err := store.ListAs[model.BridgeConfig](r.store, model.KindBridge)
	if err != nil {
		return nil, err
	}
	for _, b := range bridges {
		snap.Bridges[b.Name] = b
	}
	return snap, nil
}

func (r *Reconciler) getObject(kind model.Kind, key string) (model.Object, error) {
	switch kind {
	case model.KindWireless:
		var w model.WirelessConfig
		if err := r.store.Get(kind, key, &w); err != nil {
			return nil, err
		}
		return w, nil
	case model.KindHotspot:
		var h model.HotspotInstance
		if err := r.store.Get(kind, key, &h); err != nil {
			return nil, err
		}
		return h, nil
	case model.KindVlan:
		var v model.VlanConfig
		if err := r.store.Get(kind, key, &v); err != nil {
			return nil, err
		}
		return v, nil
	case model.KindBridge:
		var b model.BridgeConfig
		if err := r.store.Get(kind, key, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown kind %s", kind)
	}
}

func (r *Reconciler) updateObjectGauge(kind model.Kind) {
	raw, err := r.store.List(kind)
	if err != nil {
		return
	}
	metrics.SetObjects(string(kind), len(raw))
}

// normalize fills derived fields before anything keys off them.
func normalize(obj model.Object) model.Object {
	if v, ok := obj.(model.VlanConfig); ok {
		v.Name = v.DeriveName()
		return v
	}
	return obj
}

func lookup(snap *Snapshot, kind model.Kind, key string) (model.Object, bool) {
	switch kind {
	case model.KindWireless:
		o, ok := snap.Wireless[key]
		return o, ok
	case model.KindHotspot:
		o, ok := snap.Hotspots[key]
		return o, ok
	case model.KindVlan:
		o, ok := snap.Vlans[key]
		return o, ok
	case model.KindBridge:
		o, ok := snap.Bridges[key]
		return o, ok
	}
	return nil, false
}

func allObjects(snap *Snapshot) []model.Object {
	var out []model.Object
	for _, v := range snap.Vlans {
		out = append(out, v)
	}
	for _, b := range snap.Bridges {
		out = append(out, b)
	}
	for _, w := range snap.Wireless {
		out = append(out, w)
	}
	for _, h := range snap.Hotspots {
		out = append(out, h)
	}
	return out
}

func missingBacking(obj model.Object, snap *Snapshot) []string {
	return MissingInterfaces(obj, snap.Interfaces)
}

// MissingInterfaces returns the interface names an object needs that are
// not currently present in the kernel. A non-empty result means the
// segment is degraded.
func MissingInterfaces(obj model.Object, present map[string]model.Interface) []string {
	var required []string
	switch o := obj.(type) {
	case model.WirelessConfig:
		required = []string{o.Interface}
	case model.HotspotInstance:
		required = []string{o.Interface}
	case model.VlanConfig:
		required = []string{o.Parent, o.Name}
	case model.BridgeConfig:
		required = append([]string{o.Name}, o.Members...)
	}

	var missing []string
	for _, name := range required {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// dependents lists stored objects that reference (kind, key) and so block
// its removal.
func dependents(snap *Snapshot, kind model.Kind, key string) []string {
	var deps []string
	switch kind {
	case model.KindVlan, model.KindBridge:
		// Both produce a named interface other objects may sit on.
		if _, ok := snap.Hotspots[key]; ok {
			deps = append(deps, "hotspot:"+key)
		}
		if _, ok := snap.Wireless[key]; ok {
			deps = append(deps, "wireless:"+key)
		}
		for name, v := range snap.Vlans {
			if v.Parent == key {
				deps = append(deps, "vlan:"+name)
			}
		}
		for name, b := range snap.Bridges {
			if b.HasMember(key) {
				deps = append(deps, "bridge:"+name)
			}
		}
	}
	return deps
}
