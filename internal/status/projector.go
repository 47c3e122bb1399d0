// Package status builds the read model served by the API: every stored
// segment merged with the live interface table. Live state always wins;
// a stored segment whose backing interface has vanished is reported
// degraded rather than hidden.
package status

import (
	"context"
	"sort"

	"piso.network/provisiond/internal/engine"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

// SegmentState summarizes one segment's health.
type SegmentState string

const (
	StateApplied  SegmentState = "applied"
	StateDegraded SegmentState = "degraded"
)

// Segment is one stored object plus its live condition.
type Segment struct {
	Kind    model.Kind   `json:"kind"`
	Key     string       `json:"key"`
	State   SegmentState `json:"state"`
	Missing []string     `json:"missing_interfaces,omitempty"`
	Object  model.Object `json:"object"`
}

// Projection is a complete status snapshot.
type Projection struct {
	Interfaces   []model.Interface `json:"interfaces"`
	Segments     []Segment         `json:"segments"`
	StoreVersion uint64            `json:"store_version"`
}

// Projector assembles projections from the store and live discovery.
type Projector struct {
	store  *store.Store
	lister engine.InterfaceLister
}

func NewProjector(st *store.Store, lister engine.InterfaceLister) *Projector {
	return &Projector{store: st, lister: lister}
}

// Project returns the full status snapshot. It never mutates anything.
func (p *Projector) Project(ctx context.Context) (*Projection, error) {
	ifaces, err := p.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]model.Interface, len(ifaces))
	for _, it := range ifaces {
		present[it.Name] = it
	}

	var segments []Segment
	add := func(obj model.Object) {
		seg := Segment{Kind: obj.Kind(), Key: obj.Key(), State: StateApplied, Object: obj}
		if missing := engine.MissingInterfaces(obj, present); len(missing) > 0 {
			seg.State = StateDegraded
			seg.Missing = missing
		}
		segments = append(segments, seg)
	}

	wireless, err := store.ListAs[model.WirelessConfig](p.store, model.KindWireless)
	if err != nil {
		return nil, err
	}
	for _, w := range wireless {
		add(w)
	}

	hotspots, err := store.ListAs[model.HotspotInstance](p.store, model.KindHotspot)
	if err != nil {
		return nil, err
	}
	for _, h := range hotspots {
		add(h)
	}

	vlans, err := store.ListAs[model.VlanConfig](p.store, model.KindVlan)
	if err != nil {
		return nil, err
	}
	for _, v := range vlans {
		add(v)
	}

	bridges, err := store.ListAs[model.BridgeConfig](p.store, model.KindBridge)
	if err != nil {
		return nil, err
	}
	for _, b := range bridges {
		add(b)
	}

	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Kind != segments[j].Kind {
			return segments[i].Kind < segments[j].Kind
		}
		return segments[i].Key < segments[j].Key
	})

	return &Projection{
		Interfaces:   ifaces,
		Segments:     segments,
		StoreVersion: p.store.CurrentVersion(),
	}, nil
}
