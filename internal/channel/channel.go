// Package channel implements the per-tunnel Channel Multiplexer of
// spec.md §4.4: channel-id allocation, open/ack/nack/destroy, per-channel
// flow control, and demultiplexing of inner frames by type.
//
// Grounded on the teacher's controller/server.go for the
// "validate-then-dispatch by declared type" shape of its request
// handling, adapted here from a single TCP dispatch switch to CADET's
// inner-frame type switch (wire.InnerType).
package channel

import (
	"errors"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/gnunet-go/cadet/internal/cadetlog"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/wire"
)

// channelIDMask is OR'd into a freshly allocated channel number whenever
// the remote peer's identity compares greater than the local one
// (spec.md §4.3's channel-id allocator); it keeps both ends of a tunnel
// picking disjoint id ranges without coordination.
const channelIDMask = 0x40000000

// maxChannelID bounds the allocator's counter to the spec's mod-2^31
// space.
const maxChannelID = 1 << 31

// State is the channel's lifecycle state (spec.md §3).
type State int

const (
	StateOpening State = iota
	StateOpen
	StateDestroyed
)

var (
	ErrUnknownChannel = errors.New("channel: unknown channel id")
	ErrBadFrameSize   = errors.New("channel: frame has wrong size for its type")
	ErrPortUnknown    = errors.New("channel: no handler registered for port")
	ErrAlreadyOpen    = errors.New("channel: channel id already exists")
)

// Options are the per-channel flags a client selects at open time.
type Options struct {
	Reliable   bool
	Unbuffered bool
	OutOfOrder bool
}

// Handler receives inbound application data for one channel.
type Handler func(ch *Channel, payload []byte)

// Channel is one client-addressable stream inside a tunnel.
type Channel struct {
	ID      uint32
	Options Options
	// Initiator is a flag for whether the local peer has the larger
	// identity, distinct from the allocator's id high-bit (which is keyed
	// on the opposite comparison). The Multiplexer never sets it, so it is
	// false on every channel the Multiplexer creates.
	Initiator bool

	state             State
	bufferedSendCount int
	allowSend         bool
	inFlight          bool

	onData Handler
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return c.state }

// AllowSend reports the peer-granted send permission (spec.md §4.4).
func (c *Channel) AllowSend() bool { return c.allowSend }

// SendHandle is the cancel-handle spec.md §5 requires every queued send
// to return; the tunnel layer supplies either a delayed-queue handle or
// a connection-layer handle, depending on whether the frame was queued
// or handed off immediately.
type SendHandle interface {
	Cancel()
}

// Sender hands an inner frame down to the owning tunnel for
// encryption and transmission; the Multiplexer never touches the
// Axolotl state or connection pool directly.
type Sender func(wire.Inner) (SendHandle, error)

// PortLookup resolves an incoming CHANNEL_OPEN's port hash to a
// handler, or reports the port is closed.
type PortLookup func(port uint64) (Handler, bool)

// Multiplexer owns every channel inside one tunnel.
type Multiplexer struct {
	mu       sync.Mutex
	channels map[uint32]*Channel
	nextCTN  uint32
	mask     uint32

	send   Sender
	lookup PortLookup

	maxBuffer int
}

// New builds a Multiplexer for a tunnel between localID and peerID.
// maxBuffer is the per-channel buffer bound (spec.md §3's [8, 64]),
// already clamped by config.verify.
func New(localID, peerID identity.PeerID, send Sender, lookup PortLookup, maxBuffer int) *Multiplexer {
	m := &Multiplexer{
		channels:  make(map[uint32]*Channel),
		send:      send,
		lookup:    lookup,
		maxBuffer: maxBuffer,
	}
	// peer-id > local-id per spec.md §4.3's channel-id allocator.
	if lessBytes(localID.Bytes(), peerID.Bytes()) {
		m.mask = channelIDMask
	}
	return m
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// allocateID implements the §4.3 channel-id allocator: next_ctn starts
// at 0, OR'd with the peer-ordering mask; after allocation the counter
// increments mod 2^31 and skips any id already in use.
func (m *Multiplexer) allocateID() uint32 {
	for {
		candidate := m.nextCTN | m.mask
		m.nextCTN = (m.nextCTN + 1) % maxChannelID
		if _, exists := m.channels[candidate]; !exists {
			return candidate
		}
	}
}

// Open implements open(options): allocates an id, emits CHANNEL_OPEN,
// and transitions the channel to opening.
func (m *Multiplexer) Open(opts Options, onData Handler, port uint64) (*Channel, error) {
	m.mu.Lock()
	id := m.allocateID()
	ch := &Channel{ID: id, Options: opts, state: StateOpening, onData: onData}
	m.channels[id] = ch
	m.mu.Unlock()

	_, err := m.send(wire.Inner{Type: wire.ChannelOpen, Channel: id, Options: uint32(port)})
	if err != nil {
		m.mu.Lock()
		delete(m.channels, id)
		m.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// OnOpenIncoming implements on_open_incoming(id, opts): a retransmitted
// CHANNEL_OPEN for an id already present is ignored; otherwise the port
// table decides ACK or NACK.
func (m *Multiplexer) OnOpenIncoming(id uint32, port uint64) error {
	m.mu.Lock()
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return nil // retransmission, ignore
	}

	handler, ok := m.lookup(port)
	if !ok {
		m.mu.Unlock()
		_, err := m.send(wire.Inner{Type: wire.ChannelOpenNack, Channel: id})
		return err
	}
	ch := &Channel{ID: id, state: StateOpen, allowSend: true, onData: handler}
	m.channels[id] = ch
	m.mu.Unlock()

	cadetlog.Logger.Debug("channel opened (incoming)", zap.Uint32("channel", id), zap.Uint64("port", port))
	_, err := m.send(wire.Inner{Type: wire.ChannelOpenAck, Channel: id})
	return err
}

// Submit implements submit(ch, payload): one message in flight per
// channel, cleared by the next CHANNEL_APP_DATA_ACK. Returns the
// cancel-handle for the send. While allow_send is false nothing is sent
// and Submit returns a nil handle and a nil error; the payload is not
// kept, and no later ack or unchoke sends it.
func (m *Multiplexer) Submit(ch *Channel, payload []byte) (SendHandle, error) {
	m.mu.Lock()
	if ch.inFlight {
		m.mu.Unlock()
		return nil, errors.New("channel: a submit is already in flight")
	}
	if ch.bufferedSendCount >= m.maxBuffer {
		m.mu.Unlock()
		return nil, errors.New("channel: buffer full")
	}
	if !ch.allowSend {
		m.mu.Unlock()
		return nil, nil // not sent; the payload is dropped
	}
	ch.inFlight = true
	ch.bufferedSendCount++
	m.mu.Unlock()

	return m.send(wire.Inner{Type: wire.ChannelAppData, Channel: ch.ID, Payload: payload})
}

// OnData implements on_data: dispatches a CHANNEL_APP_DATA frame to its
// channel's handler and acknowledges receipt.
func (m *Multiplexer) OnData(in wire.Inner) error {
	m.mu.Lock()
	ch, ok := m.channels[in.Channel]
	m.mu.Unlock()
	if !ok {
		return m.sendBestEffortDestroy(in.Channel)
	}
	ch.onData(ch, in.Payload)
	_, err := m.send(wire.Inner{Type: wire.ChannelAppDataAck, Channel: in.Channel})
	return err
}

// OnDataAck implements on_data_ack: releases one credit, clearing
// in-flight so the next Submit can proceed.
func (m *Multiplexer) OnDataAck(in wire.Inner) error {
	m.mu.Lock()
	ch, ok := m.channels[in.Channel]
	if ok {
		ch.inFlight = false
		if ch.bufferedSendCount > 0 {
			ch.bufferedSendCount--
		}
	}
	m.mu.Unlock()
	if !ok {
		return m.sendBestEffortDestroy(in.Channel)
	}
	return nil
}

// OnAck implements on_ack (CHANNEL_OPEN_ACK receipt): marks the channel
// open and grants initial send permission.
func (m *Multiplexer) OnAck(in wire.Inner) error {
	m.mu.Lock()
	ch, ok := m.channels[in.Channel]
	if ok {
		ch.state = StateOpen
		ch.allowSend = true
	}
	m.mu.Unlock()
	if !ok {
		return m.sendBestEffortDestroy(in.Channel)
	}
	return nil
}

// OnNack implements on_nack (CHANNEL_OPEN_NACK receipt): the peer
// refused the open; the channel is torn down locally.
func (m *Multiplexer) OnNack(in wire.Inner) error {
	m.mu.Lock()
	ch, ok := m.channels[in.Channel]
	if ok {
		ch.state = StateDestroyed
		delete(m.channels, in.Channel)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return nil
}

// OnDestroy implements on_destroy: the peer tore down its end; mirror
// it locally.
func (m *Multiplexer) OnDestroy(in wire.Inner) error {
	m.mu.Lock()
	ch, ok := m.channels[in.Channel]
	if ok {
		ch.state = StateDestroyed
		delete(m.channels, in.Channel)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return nil
}

// sendBestEffortDestroy implements the "unknown ids emit a best-effort
// CHANNEL_DESTROY" rule (§4.4), ignoring any send failure.
func (m *Multiplexer) sendBestEffortDestroy(id uint32) error {
	_, _ = m.send(wire.Inner{Type: wire.ChannelDestroy, Channel: id})
	return ErrUnknownChannel
}

// Destroy tears a single channel down locally and notifies the peer.
func (m *Multiplexer) Destroy(ch *Channel) error {
	m.mu.Lock()
	ch.state = StateDestroyed
	delete(m.channels, ch.ID)
	m.mu.Unlock()
	_, err := m.send(wire.Inner{Type: wire.ChannelDestroy, Channel: ch.ID})
	return err
}

// Count reports the number of live channels (used by destroy_empty).
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// DestroyAll tears down every channel, for tunnel destroy cascade
// (spec.md §4.3); no peer notification is sent since the tunnel itself
// is going away.
func (m *Multiplexer) DestroyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.channels {
		ch.state = StateDestroyed
		delete(m.channels, id)
	}
}

// UnchokeChannels implements unchoke_channels(): for each choked
// channel, if credits remain, grant a single credit to uniformly
// randomly chosen channels until credits are exhausted.
func (m *Multiplexer) UnchokeChannels(availableCredits uint32) (granted []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var choked []*Channel
	for _, ch := range m.channels {
		if !ch.allowSend {
			choked = append(choked, ch)
		}
	}
	rand.Shuffle(len(choked), func(i, j int) { choked[i], choked[j] = choked[j], choked[i] })

	for _, ch := range choked {
		if availableCredits == 0 {
			break
		}
		ch.allowSend = true
		granted = append(granted, ch.ID)
		availableCredits--
	}
	return granted
}
