// Package session implements the Client Session of spec.md §4.5: the
// local API a client uses to open ports, create and destroy channels,
// submit and receive application data, run monitoring queries, and
// survive the loss and re-establishment of its link to the CADET
// process.
//
// Grounded on the teacher's controller/server.go for its rate-limiting
// go-cache pattern (here repurposed to de-duplicate in-flight monitoring
// queries) and on cadet_api.c's client-library shape: a ports map, a
// channels map, and a reconnect timer.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickmn/go-cache"

	"github.com/gnunet-go/cadet/internal/cadetlog"
	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/config"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/tunnel"
)

var (
	// ErrNotConnected is returned by operations that need the service
	// link (channel creation and the monitoring queries) while the
	// session is reconnecting to the local service.
	ErrNotConnected = errors.New("session: not connected")
	// ErrPortInUse is returned by OpenPort for an already-registered hash.
	ErrPortInUse = errors.New("session: port already open")
	// ErrUnknownChannel is returned by operations on a channel the
	// session does not recognize.
	ErrUnknownChannel = errors.New("session: unknown channel")
	// ErrWriteInFlight is returned by NotifyTransmitReady when a previous
	// call on the same channel has not yet been serviced.
	ErrWriteInFlight = errors.New("session: a transmit-ready request is already pending")
	// ErrQueryInFlight is returned when a monitoring query of the same
	// kind is already running.
	ErrQueryInFlight = errors.New("session: a query of this kind is already active")
	// ErrBadSize is returned when a notify_transmit_ready callback wrote
	// a buffer of the wrong length.
	ErrBadSize = errors.New("session: notify callback returned the wrong size")
)

// Handler delivers one inbound application message; the application must
// call Session.ReceiveDone(ch) before the next message on ch is upcalled.
type Handler func(ch *channel.Channel, payload []byte)

// DisconnectHandler is invoked once per channel when the session loses
// its link to the service (spec.md §4.5's reconnect). A CHANNEL_DESTROY
// from the peer does not invoke it.
type DisconnectHandler func(ch *channel.Channel)

// ChannelHandlers bundles the per-channel upcalls a client registers,
// mirroring cadet_api.c's connect/disconnect/handler triple.
type ChannelHandlers struct {
	OnData       Handler
	OnDisconnect DisconnectHandler
}

// NewChannelHandler is invoked the first time data arrives on a freshly
// accepted incoming channel, giving the application a chance to install
// its own ChannelHandlers before the first payload is delivered.
type NewChannelHandler func(ch *channel.Channel, peer identity.PeerID) ChannelHandlers

type portEntry struct {
	hash  uint64
	onNew NewChannelHandler
}

type pendingWrite struct {
	size   int
	notify func([]byte) int
}

type channelEntry struct {
	ch       *channel.Channel
	tun      *tunnel.Tunnel
	peer     identity.PeerID
	handlers ChannelHandlers

	mu           sync.Mutex
	awaitingDone bool
	queue        [][]byte
	write        *pendingWrite
}

// Dialer establishes (or re-establishes) the link to the local service.
// The default, production dialer just returns an already-built
// TunnelManager; a dialer that returns an error makes establish schedule
// another attempt through scheduleReconnect.
type Dialer func() (Manager, error)

// Session is the client-facing handle described by spec.md §4.5.
type Session struct {
	mu sync.Mutex

	dial  Dialer
	mgr   Manager
	sched *scheduler.Scheduler
	cfg   config.Session

	ports    map[uint64]*portEntry
	channels map[uint32]*channelEntry

	dedup *cache.Cache

	connected      bool
	reconnectDelay time.Duration
	reconnectTask  *scheduler.Task
}

// Connect implements connect(cfg): dials the local service and, on
// failure, immediately begins the reconnect loop rather than returning
// an error, matching cadet_api.c's "never fail to construct a session"
// contract.
func Connect(dial Dialer, sched *scheduler.Scheduler, cfg config.Session) *Session {
	s := &Session{
		dial:           dial,
		sched:          sched,
		cfg:            cfg,
		ports:          make(map[uint64]*portEntry),
		channels:       make(map[uint32]*channelEntry),
		dedup:          cache.New(5*time.Second, 30*time.Second),
		reconnectDelay: cfg.ReconnectInitial,
	}
	s.establish()
	return s
}

func (s *Session) establish() {
	mgr, err := s.dial()
	s.mu.Lock()
	if err != nil {
		s.mu.Unlock()
		s.scheduleReconnect()
		return
	}
	s.mgr = mgr
	s.connected = true
	s.reconnectDelay = s.cfg.ReconnectInitial
	s.mu.Unlock()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	delay := s.reconnectDelay
	s.reconnectDelay *= 2
	if s.reconnectDelay > s.cfg.ReconnectMax {
		s.reconnectDelay = s.cfg.ReconnectMax
	}
	s.reconnectTask = s.sched.AddDelayed(delay, s.establish)
	s.mu.Unlock()
	cadetlog.Logger.Info("session reconnect scheduled", zap.Duration("delay", delay))
}

// disconnect implements the LocalDisconnect row of spec.md §6's event
// table: every local channel mirror is torn down (invoking its
// disconnect handler) and a reconnect is scheduled.
func (s *Session) disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	mgr := s.mgr
	s.mgr = nil
	stale := s.channels
	s.channels = make(map[uint32]*channelEntry)
	s.mu.Unlock()

	for _, entry := range stale {
		if entry.handlers.OnDisconnect != nil {
			entry.handlers.OnDisconnect(entry.ch)
		}
	}
	if mgr != nil {
		mgr.Close()
	}
	s.scheduleReconnect()
}

// NotifyLinkError is called by whatever detects a transport-layer
// failure (the connection layer, a failed tunnel operation) to drive the
// session into its reconnect path.
func (s *Session) NotifyLinkError(err error) {
	cadetlog.Logger.Warn("session link error, disconnecting", zap.Error(err))
	s.disconnect()
}

func (s *Session) manager() (Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.mgr == nil {
		return nil, ErrNotConnected
	}
	return s.mgr, nil
}

// OpenPort implements open_port(port_hash, on_new_channel).
func (s *Session) OpenPort(portHash uint64, onNew NewChannelHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ports[portHash]; exists {
		return ErrPortInUse
	}
	s.ports[portHash] = &portEntry{hash: portHash, onNew: onNew}
	return nil
}

// ClosePort implements close_port(port).
func (s *Session) ClosePort(portHash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, portHash)
}

// PortLookupFor returns the channel.PortLookup a Manager should hand to
// the tunnel it builds for peer: it never returns the application
// handler directly, only a trampoline that threads each delivery through
// the session's receive_done gate (see deliverData) and, on a channel's
// first delivery, fires the port's NewChannelHandler.
func (s *Session) PortLookupFor(peer identity.PeerID) channel.PortLookup {
	return func(portHash uint64) (channel.Handler, bool) {
		s.mu.Lock()
		p, ok := s.ports[portHash]
		s.mu.Unlock()
		if !ok {
			return nil, false
		}
		return func(ch *channel.Channel, payload []byte) {
			s.onIncoming(peer, p, ch, payload)
		}, true
	}
}

func (s *Session) onIncoming(peer identity.PeerID, p *portEntry, ch *channel.Channel, payload []byte) {
	s.mu.Lock()
	entry, known := s.channels[ch.ID]
	s.mu.Unlock()
	if !known {
		// TunnelTo returns the already-constructed tunnel this delivery
		// came in on (Manager keeps at most one per peer), giving the
		// incoming channel a reply path for notify_transmit_ready.
		var tun *tunnel.Tunnel
		if mgr, err := s.manager(); err == nil {
			tun, _ = mgr.TunnelTo(peer)
		}
		entry = &channelEntry{ch: ch, tun: tun, peer: peer, handlers: p.onNew(ch, peer)}
		s.mu.Lock()
		s.channels[ch.ID] = entry
		s.mu.Unlock()
	}
	s.deliverData(entry, payload)
}

// ChannelCreate implements channel_create(peer_id, port_hash, options).
func (s *Session) ChannelCreate(peer identity.PeerID, portHash uint64, opts channel.Options, handlers ChannelHandlers) (*channel.Channel, error) {
	mgr, err := s.manager()
	if err != nil {
		return nil, err
	}
	tun, err := mgr.TunnelTo(peer)
	if err != nil {
		return nil, err
	}

	var entry *channelEntry
	onData := func(ch *channel.Channel, payload []byte) {
		s.deliverData(entry, payload)
	}
	ch, err := tun.OpenChannel(opts, onData, portHash)
	if err != nil {
		return nil, err
	}

	entry = &channelEntry{ch: ch, tun: tun, peer: peer, handlers: handlers}
	s.mu.Lock()
	s.channels[ch.ID] = entry
	s.mu.Unlock()
	return ch, nil
}

// ChannelDestroy implements channel_destroy(channel): emits destroy and
// clears the local mirror.
func (s *Session) ChannelDestroy(ch *channel.Channel) error {
	s.mu.Lock()
	entry, ok := s.channels[ch.ID]
	if ok {
		delete(s.channels, ch.ID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	return entry.tun.DestroyChannel(ch)
}

// NotifyTransmitReady implements notify_transmit_ready(channel, size,
// notify): at most one pending request per channel. If credit is
// available now, notify is invoked immediately with a size-byte buffer
// and the result submitted; otherwise the request is queued and
// serviced by the next Pump call that observes allow_send having
// flipped true (after an OPEN_ACK or an unchoke round).
// notify must fill and return exactly size bytes, per spec.md §4.5;
// client-side maxdelay is ignored for compatibility, also per spec.md.
func (s *Session) NotifyTransmitReady(ch *channel.Channel, size int, notify func([]byte) int) error {
	s.mu.Lock()
	entry, ok := s.channels[ch.ID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}

	entry.mu.Lock()
	if entry.write != nil {
		entry.mu.Unlock()
		return ErrWriteInFlight
	}
	if !ch.AllowSend() {
		entry.write = &pendingWrite{size: size, notify: notify}
		entry.mu.Unlock()
		return nil
	}
	entry.mu.Unlock()

	return s.fireWrite(entry, size, notify)
}

func (s *Session) fireWrite(entry *channelEntry, size int, notify func([]byte) int) error {
	buf := make([]byte, size)
	if n := notify(buf); n != size {
		return ErrBadSize
	}
	_, err := entry.tun.Submit(entry.ch, buf)
	return err
}

// Pump retries every channel's queued NotifyTransmitReady request whose
// channel has since become sendable; intended to be run from the same
// cooperative-loop tick that drives Tunnel.Unchoke (spec.md §5's
// single-threaded event loop).
func (s *Session) Pump() {
	s.mu.Lock()
	entries := make([]*channelEntry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		w := entry.write
		if w == nil || !entry.ch.AllowSend() {
			entry.mu.Unlock()
			continue
		}
		entry.write = nil
		entry.mu.Unlock()

		if err := s.fireWrite(entry, w.size, w.notify); err != nil {
			cadetlog.Logger.Debug("queued transmit-ready failed", zap.Error(err))
		}
	}
}

// deliverData enforces invariant (4): a receive_done must precede the
// next upcall of the data handler. A payload arriving while the previous
// one is still unacknowledged is queued rather than dropped.
func (s *Session) deliverData(entry *channelEntry, payload []byte) {
	entry.mu.Lock()
	if entry.awaitingDone {
		entry.queue = append(entry.queue, append([]byte(nil), payload...))
		entry.mu.Unlock()
		return
	}
	entry.awaitingDone = true
	entry.mu.Unlock()
	if entry.handlers.OnData != nil {
		entry.handlers.OnData(entry.ch, payload)
	}
}

// ReceiveDone implements receive_done(channel): releases the next queued
// message, if any.
func (s *Session) ReceiveDone(ch *channel.Channel) error {
	s.mu.Lock()
	entry, ok := s.channels[ch.ID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}

	entry.mu.Lock()
	entry.awaitingDone = false
	var next []byte
	if len(entry.queue) > 0 {
		next = entry.queue[0]
		entry.queue = entry.queue[1:]
		entry.awaitingDone = true
	}
	entry.mu.Unlock()

	if next != nil && entry.handlers.OnData != nil {
		entry.handlers.OnData(entry.ch, next)
	}
	return nil
}
