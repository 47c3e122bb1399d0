package driver

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"piso.network/provisiond/internal/clock"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/store"
)

const (
	defaultLeaseTTL = 24 * time.Hour
	reaperInterval  = time.Minute
)

// Lease is one issued DHCP lease. Leases persist across daemon restarts so
// paying clients keep their addresses.
type Lease struct {
	Interface string    `json:"interface"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname,omitempty"`
	Expires   time.Time `json:"expires"`
}

func leaseKey(iface, mac string) string { return iface + "/" + mac }

// DHCPServer serves one hotspot scope: a pool of addresses on a single
// interface with the gateway as router and DNS. One server instance runs
// per hotspot object.
type DHCPServer struct {
	iface      string
	gateway    net.IP
	subnet     *net.IPNet
	rangeStart net.IP
	rangeEnd   net.IP
	leaseTTL   time.Duration
	clk        clock.Clock

	store *store.Store
	hub   *events.Hub
	log   *logging.Logger

	mu     sync.Mutex
	leases map[string]*Lease // MAC -> lease
	taken  map[string]string // IP -> MAC

	conn    net.PacketConn
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewDHCPServer builds a server for the hotspot's pool and reloads any
// persisted leases for the interface.
func NewDHCPServer(env *Env, h model.HotspotInstance) (*DHCPServer, error) {
	gw, subnet, err := h.Gateway()
	if err != nil {
		return nil, err
	}
	low, high, err := h.Range()
	if err != nil {
		return nil, err
	}

	s := &DHCPServer{
		iface:      h.Interface,
		gateway:    gw,
		subnet:     subnet,
		rangeStart: low,
		rangeEnd:   high,
		leaseTTL:   defaultLeaseTTL,
		clk:        &clock.RealClock{},
		store:      env.Store,
		hub:        env.Hub,
		log:        env.Log,
		leases:     make(map[string]*Lease),
		taken:      make(map[string]string),
		stopCh:     make(chan struct{}),
	}
	if err := s.loadLeases(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DHCPServer) loadLeases() error {
	if s.store == nil {
		return nil
	}
	raw, err := s.store.List(model.KindLease)
	if err != nil {
		return err
	}
	prefix := s.iface + "/"
	for key, data := range raw {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var l Lease
		if err := json.Unmarshal(data, &l); err != nil {
			s.log.Warn("dropping undecodable lease", "key", key, "error", err)
			continue
		}
		s.leases[l.MAC] = &l
		s.taken[l.IP] = l.MAC
	}
	return nil
}

// Start binds port 67 on the scope interface and begins serving.
func (s *DHCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := server4.NewIPv4UDPConn(s.iface, &net.UDPAddr{IP: net.IPv4zero, Port: 67})
	if err != nil {
		return fmt.Errorf("failed to bind DHCP socket on %s: %w", s.iface, err)
	}
	s.conn = conn
	s.running = true

	s.wg.Add(2)
	go s.serve(conn)
	go s.runReaper()

	s.log.Info("dhcp scope started", "interface", s.iface,
		"range", s.rangeStart.String()+"-"+s.rangeEnd.String())
	return nil
}

// Stop closes the socket and stops the reaper. Leases stay persisted.
func (s *DHCPServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log.Info("dhcp scope stopped", "interface", s.iface)
	return nil
}

func (s *DHCPServer) serve(conn net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				s.log.Warn("dhcp read error", "interface", s.iface, "error", err)
			}
			return
		}

		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			// Malformed packet
			continue
		}
		s.handle(conn, peer, pkt)
	}
}

func (s *DHCPServer) handle(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	// A client without an address cannot receive unicast; reply to the
	// broadcast address instead.
	dest := peer
	if udpAddr, ok := peer.(*net.UDPAddr); ok {
		if udpAddr.IP.IsUnspecified() || udpAddr.IP.Equal(net.IPv4zero) {
			dest = &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
		}
	}

	var reply *dhcpv4.DHCPv4
	var err error
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		reply, err = s.handleDiscover(m)
	case dhcpv4.MessageTypeRequest:
		reply, err = s.handleRequest(m)
	case dhcpv4.MessageTypeRelease:
		s.release(m.ClientHWAddr.String())
		return
	default:
		return
	}
	if err != nil {
		s.log.Warn("dhcp handler error", "interface", s.iface,
			"type", m.MessageType().String(), "error", err)
		return
	}
	if _, err := conn.WriteTo(reply.ToBytes(), dest); err != nil {
		s.log.Warn("dhcp write error", "interface", s.iface, "error", err)
	}
}

func (s *DHCPServer) handleDiscover(m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	ip, err := s.allocate(m.ClientHWAddr.String(), m.HostName())
	if err != nil {
		return nil, err
	}
	return dhcpv4.NewReplyFromRequest(m, s.replyOpts(dhcpv4.MessageTypeOffer, ip)...)
}

func (s *DHCPServer) handleRequest(m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	mac := m.ClientHWAddr.String()
	ip, err := s.allocate(mac, m.HostName())
	if err != nil {
		return nil, err
	}

	// If the client asks for an address we did not offer (stale lease from
	// another network), NAK so it restarts discovery.
	requested := m.RequestedIPAddress()
	if requested == nil || requested.IsUnspecified() {
		requested = m.ClientIPAddr
	}
	if requested != nil && !requested.IsUnspecified() && !requested.Equal(ip) {
		return dhcpv4.NewReplyFromRequest(m,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
			dhcpv4.WithServerIP(s.gateway),
		)
	}

	if s.hub != nil {
		s.hub.EmitLease(events.EventLeaseIssued, s.iface, mac, ip.String(), m.HostName())
	}
	return dhcpv4.NewReplyFromRequest(m, s.replyOpts(dhcpv4.MessageTypeAck, ip)...)
}

func (s *DHCPServer) replyOpts(t dhcpv4.MessageType, ip net.IP) []dhcpv4.Modifier {
	return []dhcpv4.Modifier{
		dhcpv4.WithMessageType(t),
		dhcpv4.WithYourIP(ip),
		dhcpv4.WithServerIP(s.gateway),
		dhcpv4.WithRouter(s.gateway),
		dhcpv4.WithNetmask(s.subnet.Mask),
		// The gateway answers DNS so the captive portal can intercept.
		dhcpv4.WithDNS(s.gateway),
		dhcpv4.WithLeaseTime(uint32(s.leaseTTL.Seconds())),
	}
}

// allocate returns the lease for mac, creating one from the pool if needed.
// Re-allocation renews the expiry.
func (s *DHCPServer) allocate(mac, hostname string) (net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[mac]; ok {
		l.Expires = s.clk.Now().Add(s.leaseTTL)
		if hostname != "" {
			l.Hostname = hostname
		}
		if err := s.persist(l); err != nil {
			return nil, err
		}
		return net.ParseIP(l.IP).To4(), nil
	}

	for ip := s.rangeStart; ; ip = incIP(ip) {
		if !ip.Equal(s.gateway) && !s.isTaken(ip) {
			l := &Lease{
				Interface: s.iface,
				MAC:       mac,
				IP:        ip.String(),
				Hostname:  hostname,
				Expires:   s.clk.Now().Add(s.leaseTTL),
			}
			if err := s.persist(l); err != nil {
				return nil, err
			}
			s.leases[mac] = l
			s.taken[l.IP] = mac
			newIP := make(net.IP, len(ip))
			copy(newIP, ip)
			return newIP, nil
		}
		if ip.Equal(s.rangeEnd) {
			break
		}
	}
	return nil, fmt.Errorf("dhcp pool exhausted on %s", s.iface)
}

func (s *DHCPServer) isTaken(ip net.IP) bool {
	_, exists := s.taken[ip.String()]
	return exists
}

func (s *DHCPServer) persist(l *Lease) error {
	if s.store == nil {
		return nil
	}
	return s.store.Put(model.KindLease, leaseKey(s.iface, l.MAC), l)
}

func (s *DHCPServer) release(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLeaseLocked(mac, events.EventLeaseExpired)
}

func (s *DHCPServer) dropLeaseLocked(mac string, t events.EventType) {
	l, ok := s.leases[mac]
	if !ok {
		return
	}
	delete(s.leases, mac)
	delete(s.taken, l.IP)
	if s.store != nil {
		if err := s.store.Delete(model.KindLease, leaseKey(s.iface, mac)); err != nil && err != model.ErrNotFound {
			s.log.Warn("failed to remove persisted lease", "mac", mac, "error", err)
		}
	}
	if s.hub != nil {
		s.hub.EmitLease(t, s.iface, mac, l.IP, l.Hostname)
	}
}

func (s *DHCPServer) runReaper() {
	defer s.wg.Done()

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.expireLeases()
		}
	}
}

func (s *DHCPServer) expireLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var expired []string
	for mac, l := range s.leases {
		if l.Expires.Before(now) {
			expired = append(expired, mac)
		}
	}
	for _, mac := range expired {
		s.dropLeaseLocked(mac, events.EventLeaseExpired)
	}
	return len(expired)
}

// Leases returns a snapshot of active leases.
func (s *DHCPServer) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, *l)
	}
	return out
}

// PurgeLeases drops all persisted leases for the scope. Used when the
// hotspot object itself is removed, not on restarts.
func (s *DHCPServer) PurgeLeases() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mac := range s.leases {
		s.dropLeaseLocked(mac, events.EventLeaseExpired)
	}
}

func incIP(ip net.IP) net.IP {
	ret := make(net.IP, len(ip))
	copy(ret, ip)
	for i := len(ret) - 1; i >= 0; i-- {
		ret[i]++
		if ret[i] > 0 {
			break
		}
	}
	return ret
}
