package engine

import (
	"fmt"
	"net"

	"piso.network/provisiond/internal/model"
)

// Snapshot is a point-in-time view of live interfaces and stored objects.
// Validation runs against a snapshot only, so a rejected request has no
// observable effect and validation order is deterministic.
type Snapshot struct {
	Interfaces map[string]model.Interface
	Wireless   map[string]model.WirelessConfig
	Hotspots   map[string]model.HotspotInstance
	Vlans      map[string]model.VlanConfig
	Bridges    map[string]model.BridgeConfig
}

// allowed 5 GHz channels (hw_mode=a); the 2.4 GHz band allows 1-14.
var channels5GHz = map[int]bool{
	36: true, 40: true, 44: true, 48: true,
	149: true, 153: true, 157: true, 161: true, 165: true,
}

// Validate checks obj against the snapshot. Rules run in a fixed order
// and the first violation wins. A nil return means the object is safe to
// hand to its driver.
func Validate(obj model.Object, snap *Snapshot) error {
	switch o := obj.(type) {
	case model.WirelessConfig:
		return validateWireless(o, snap)
	case model.HotspotInstance:
		return validateHotspot(o, snap)
	case model.VlanConfig:
		return validateVlan(o, snap)
	case model.BridgeConfig:
		return validateBridge(o, snap)
	default:
		return fmt.Errorf("no validator for %T", obj)
	}
}

func validateWireless(w model.WirelessConfig, snap *Snapshot) error {
	iface, ok := snap.Interfaces[w.Interface]
	if !ok {
		return &model.InterfaceNotFoundError{Name: w.Interface}
	}
	if iface.Type != model.TypeWifi {
		return model.Conflict(model.KindWireless, w.Interface,
			"interface %s is %s, not wifi-capable", w.Interface, iface.Type)
	}
	if _, exists := snap.Wireless[w.Interface]; exists {
		return model.Conflict(model.KindWireless, w.Interface,
			"interface %s already has an access point; remove it first", w.Interface)
	}
	if err := enslavedBy(w.Interface, snap); err != nil {
		return err
	}

	if len(w.SSID) == 0 || len(w.SSID) > 32 {
		return model.Conflict(model.KindWireless, w.Interface,
			"ssid must be 1-32 bytes, got %d", len(w.SSID))
	}
	if !w.Open() && (len(w.Password) < 8 || len(w.Password) > 63) {
		return model.Conflict(model.KindWireless, w.Interface,
			"wpa passphrase must be 8-63 characters")
	}

	switch w.HWMode {
	case "a":
		if !channels5GHz[w.Channel] {
			return model.Conflict(model.KindWireless, w.Interface,
				"channel %d is not a valid 5 GHz channel", w.Channel)
		}
	case "b", "g":
		if w.Channel < 1 || w.Channel > 14 {
			return model.Conflict(model.KindWireless, w.Interface,
				"channel %d is not a valid 2.4 GHz channel", w.Channel)
		}
	default:
		return model.Conflict(model.KindWireless, w.Interface,
			"hw_mode must be a, b or g, got %q", w.HWMode)
	}
	return nil
}

func validateHotspot(h model.HotspotInstance, snap *Snapshot) error {
	if _, ok := snap.Interfaces[h.Interface]; !ok {
		return &model.InterfaceNotFoundError{Name: h.Interface}
	}
	if _, exists := snap.Hotspots[h.Interface]; exists {
		return model.Conflict(model.KindHotspot, h.Interface,
			"interface %s already has a hotspot; remove it first", h.Interface)
	}
	if err := enslavedBy(h.Interface, snap); err != nil {
		return err
	}

	gw, subnet, err := h.Gateway()
	if err != nil {
		return model.Conflict(model.KindHotspot, h.Interface, "%v", err)
	}
	low, high, err := h.Range()
	if err != nil {
		return model.Conflict(model.KindHotspot, h.Interface, "%v", err)
	}

	if !subnet.Contains(low) || !subnet.Contains(high) {
		return model.Conflict(model.KindHotspot, h.Interface,
			"dhcp range %s-%s is outside subnet %s", low, high, subnet)
	}
	if ip4ToUint(low) > ip4ToUint(high) {
		return model.Conflict(model.KindHotspot, h.Interface,
			"dhcp range start %s is above end %s", low, high)
	}
	if low.Equal(high) && low.Equal(gw) {
		return model.Conflict(model.KindHotspot, h.Interface,
			"dhcp range contains only the gateway address")
	}

	// Overlapping pools would hand out clashing routes.
	for other, oh := range snap.Hotspots {
		if other == h.Interface {
			continue
		}
		_, oSubnet, err := oh.Gateway()
		if err != nil {
			continue
		}
		if subnetsOverlap(subnet, oSubnet) {
			return model.Conflict(model.KindHotspot, h.Interface,
				"subnet %s overlaps hotspot on %s (%s)", subnet, other, oSubnet)
		}
	}

	if h.BandwidthMbps < 0 {
		return model.Conflict(model.KindHotspot, h.Interface,
			"bandwidth_limit must not be negative")
	}
	return nil
}

func validateVlan(v model.VlanConfig, snap *Snapshot) error {
	// 802.1Q reserves tags 0 and 1.
	if v.ID < 2 || v.ID > 4094 {
		return model.Conflict(model.KindVlan, v.Name, "vlan id %d out of range 2-4094", v.ID)
	}

	parent, ok := snap.Interfaces[v.Parent]
	if !ok {
		return &model.InterfaceNotFoundError{Name: v.Parent}
	}
	if parent.Type == model.TypeVlan {
		return model.Conflict(model.KindVlan, v.Name,
			"parent %s is itself a vlan; nested tagging is not supported", v.Parent)
	}
	if err := enslavedBy(v.Parent, snap); err != nil {
		return err
	}

	if _, exists := snap.Vlans[v.Name]; exists {
		return model.Conflict(model.KindVlan, v.Name,
			"vlan %s already exists; remove it first", v.Name)
	}
	if _, exists := snap.Interfaces[v.Name]; exists {
		return model.Conflict(model.KindVlan, v.Name,
			"an interface named %s already exists", v.Name)
	}
	return nil
}

func validateBridge(b model.BridgeConfig, snap *Snapshot) error {
	if b.Name == "" {
		return model.Conflict(model.KindBridge, b.Name, "bridge name must not be empty")
	}
	if _, exists := snap.Bridges[b.Name]; exists {
		return model.Conflict(model.KindBridge, b.Name,
			"bridge %s already exists; remove it first", b.Name)
	}
	if _, exists := snap.Interfaces[b.Name]; exists {
		return model.Conflict(model.KindBridge, b.Name,
			"an interface named %s already exists", b.Name)
	}
	if len(b.Members) == 0 {
		return model.Conflict(model.KindBridge, b.Name, "bridge needs at least one member")
	}

	seen := make(map[string]bool, len(b.Members))
	for _, name := range b.Members {
		if seen[name] {
			return model.Conflict(model.KindBridge, b.Name, "duplicate member %s", name)
		}
		seen[name] = true

		iface, ok := snap.Interfaces[name]
		if !ok {
			return &model.InterfaceNotFoundError{Name: name}
		}
		if iface.Type == model.TypeBridge {
			return model.Conflict(model.KindBridge, b.Name,
				"member %s is a bridge; bridges cannot nest", name)
		}

		// Enslavement flushes member addressing, which would break any
		// segment already running on it.
		if _, has := snap.Hotspots[name]; has {
			return model.Conflict(model.KindBridge, b.Name,
				"member %s hosts a hotspot; remove it first", name)
		}
		if _, has := snap.Wireless[name]; has {
			return model.Conflict(model.KindBridge, b.Name,
				"member %s hosts an access point; remove it first", name)
		}

		for otherName, other := range snap.Bridges {
			if other.HasMember(name) {
				return model.Conflict(model.KindBridge, b.Name,
					"member %s already belongs to bridge %s", name, otherName)
			}
		}
	}
	return nil
}

// enslavedBy rejects use of an interface that is already a member of a
// configured bridge.
func enslavedBy(name string, snap *Snapshot) error {
	for bridgeName, b := range snap.Bridges {
		if b.HasMember(name) {
			return model.Conflict(model.KindBridge, bridgeName,
				"interface %s is enslaved to bridge %s", name, bridgeName)
		}
	}
	return nil
}

func ip4ToUint(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func subnetsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}
