package session

import (
	"sync"

	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/pathfind"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/transport"
	"github.com/gnunet-go/cadet/internal/tunnel"
)

// TunnelSnapshot is a point-in-time view of one tunnel, used by the
// monitoring queries (get_tunnels/get_tunnel).
type TunnelSnapshot struct {
	Peer      identity.PeerID
	ConnState tunnel.ConnState
	EncState  tunnel.EncState
	Channels  int
}

// Manager is what a Session dials: it owns the per-peer tunnel table and
// is the local stand-in for "the CADET service" cadet_api.c talks to over
// its local socket. TunnelManager is the concrete implementation, and
// the one the package's tests use as well.
type Manager interface {
	TunnelTo(peer identity.PeerID) (*tunnel.Tunnel, error)
	AddConnection(peer identity.PeerID, c *transport.Conn) error
	Peers() []identity.PeerID
	Tunnels() []TunnelSnapshot
	Tunnel(peer identity.PeerID) (TunnelSnapshot, bool)
	Close()
}

// TunnelManager is the default Manager: one Tunnel per remote peer,
// constructed lazily on first use and kept for the Session's lifetime.
// Grounded on the teacher's controller/server.go, which keeps exactly one
// long-lived resource (its rule's listener) per logical target and hands
// work off to it rather than re-dialing per request.
type TunnelManager struct {
	mu sync.Mutex

	localID    identity.PeerID
	idProvider *identity.Provider
	layer      transport.Layer
	sched      *scheduler.Scheduler
	cfg        tunnel.Config
	finder     pathfind.Discoverer
	lookupFor  func(identity.PeerID) channel.PortLookup

	tunnels map[identity.PeerID]*tunnel.Tunnel
}

// NewTunnelManager builds a TunnelManager. lookupFor is normally
// Session.PortLookupFor: each tunnel gets its own peer-bound PortLookup
// so an incoming CHANNEL_OPEN's NewChannelHandler learns which peer it
// came from.
func NewTunnelManager(localID identity.PeerID, idProvider *identity.Provider, layer transport.Layer, sched *scheduler.Scheduler, cfg tunnel.Config, finder pathfind.Discoverer, lookupFor func(identity.PeerID) channel.PortLookup) *TunnelManager {
	return &TunnelManager{
		localID:    localID,
		idProvider: idProvider,
		layer:      layer,
		sched:      sched,
		cfg:        cfg,
		finder:     finder,
		lookupFor:  lookupFor,
		tunnels:    make(map[identity.PeerID]*tunnel.Tunnel),
	}
}

// TunnelTo returns the tunnel to peer, creating it (and kicking off its
// key exchange) on first use.
func (m *TunnelManager) TunnelTo(peer identity.PeerID) (*tunnel.Tunnel, error) {
	m.mu.Lock()
	if t, ok := m.tunnels[peer]; ok {
		m.mu.Unlock()
		return t, nil
	}
	t, err := tunnel.New(m.localID, peer, m.idProvider, m.layer, m.sched, m.cfg, m.lookupFor(peer))
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.tunnels[peer] = t
	m.mu.Unlock()

	if m.finder != nil {
		m.finder.RequestPaths(peer, func(pathfind.Path) {
			// Path discovery informs routing of the external connection
			// layer (§6, out of scope here); AddConnection is driven by
			// whatever owns the transport.Adapter once a path resolves
			// to a live connection.
		})
	}
	_ = t.SendKX(true)
	return t, nil
}

// AddConnection registers a newly available path to peer, creating the
// tunnel if this is the first connection seen for it. This is the
// integration point the external connection layer (§6) drives once path
// discovery resolves to a live transport.Conn.
func (m *TunnelManager) AddConnection(peer identity.PeerID, c *transport.Conn) error {
	t, err := m.TunnelTo(peer)
	if err != nil {
		return err
	}
	t.AddConnection(c)
	return nil
}

// Peers lists every peer with a live tunnel.
func (m *TunnelManager) Peers() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(m.tunnels))
	for p := range m.tunnels {
		peers = append(peers, p)
	}
	return peers
}

// Tunnels snapshots every known tunnel for get_tunnels.
func (m *TunnelManager) Tunnels() []TunnelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TunnelSnapshot, 0, len(m.tunnels))
	for p, t := range m.tunnels {
		out = append(out, snapshot(p, t))
	}
	return out
}

// Tunnel snapshots a single peer's tunnel for get_tunnel.
func (m *TunnelManager) Tunnel(peer identity.PeerID) (TunnelSnapshot, bool) {
	m.mu.Lock()
	t, ok := m.tunnels[peer]
	m.mu.Unlock()
	if !ok {
		return TunnelSnapshot{}, false
	}
	return snapshot(peer, t), true
}

func snapshot(peer identity.PeerID, t *tunnel.Tunnel) TunnelSnapshot {
	return TunnelSnapshot{
		Peer:      peer,
		ConnState: t.ConnState(),
		EncState:  t.EncState(),
		Channels:  t.ChannelCount(),
	}
}

// Tick runs one maintenance round (unchoke_channels/send_connection_acks
// and, when the configured layer is a real *transport.Adapter, the
// connection pool's 2x trim policy) across every tunnel. Intended to be
// driven by the same cooperative-loop tick that calls Session.Pump, per
// spec.md §5's single-threaded event-loop model.
func (m *TunnelManager) Tick() {
	m.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	adapter, _ := m.layer.(*transport.Adapter)
	m.mu.Unlock()

	for _, t := range tunnels {
		t.Unchoke()
		if adapter != nil {
			t.Trim(adapter)
		}
	}
}

// Close tears every tunnel down, for session reconnect and shutdown.
func (m *TunnelManager) Close() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[identity.PeerID]*tunnel.Tunnel)
	m.mu.Unlock()
	for _, t := range tunnels {
		t.Destroy()
	}
}
