// Package transport implements the external connection-layer contract of
// spec.md §6 (send/cancel/readiness/is_direct/get_state/get_id) and a
// concrete adapter onto quic-go, the transport the teacher repo already
// depends on (its accelerator mode was stripped down to a stub; this
// package is what that dependency was always meant to back).
//
// A CADET "connection" (spec.md §3) maps onto one quic.Connection; each
// outer TUNNEL_* frame is sent on its own unidirectional QUIC stream, so
// QUIC's per-stream flow control gives the connection pool real
// backpressure instead of an unbounded write queue.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// State mirrors get_state(conn) from spec.md §6.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

// ID is the opaque connection identifier returned by get_id(conn).
type ID uint64

// Direction distinguishes an inbound readiness notification (data
// arrived) from an outbound one (queued frame was accepted).
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// ReadinessEvent is delivered to the readiness callback given to
// NewAdapter: spec.md
// §6's "{conn, type, direction, size}". Payload carries the received
// bytes for an inbound event; it is nil for outbound events, which only
// report how much of a queued send was accepted.
type ReadinessEvent struct {
	Conn      *Conn
	Type      string
	Direction Direction
	Size      int
	Payload   []byte
}

// SendHandle is the queue-handle returned by Send; Cancel takes it back.
type SendHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel cancels the context used to open the frame's stream: a send
// still waiting for a stream is dropped. Once the stream is open the
// frame is written regardless of Cancel, and no continuation reports
// the outcome either way.
func (h *SendHandle) Cancel() {
	h.cancel()
}

var errCancelled = errors.New("transport: send cancelled")

var nextID uint64

// Conn wraps one quic.Connection as the unit spec.md calls a
// "connection": the path used to reach one adjacent peer, direct or via
// a relay.
type Conn struct {
	qc       quic.Connection
	id       ID
	direct   bool
	state    atomic.Int32
	mu       sync.Mutex
	onReady  func(ReadinessEvent)
	outstand atomic.Int64 // bytes queued but not yet accepted by a stream
}

func newConn(qc quic.Connection, direct bool, onReady func(ReadinessEvent)) *Conn {
	c := &Conn{
		qc:      qc,
		id:      ID(atomic.AddUint64(&nextID, 1)),
		direct:  direct,
		onReady: onReady,
	}
	c.state.Store(int32(StateReady))
	return c
}

// NewTestConn builds a Conn with no backing quic.Connection, for tests
// in other packages (e.g. the pool's trim/selection logic) that need to
// exercise connection bookkeeping without a live transport.
func NewTestConn(direct bool, state State) *Conn {
	c := &Conn{id: ID(atomic.AddUint64(&nextID, 1)), direct: direct}
	c.state.Store(int32(state))
	return c
}

// IsDirect implements is_direct(conn).
func (c *Conn) IsDirect() bool { return c.direct }

// State implements get_state(conn).
func (c *Conn) State() State { return State(c.state.Load()) }

// ID implements get_id(conn).
func (c *Conn) ID() ID { return c.id }

// OutstandingBytes reports bytes handed to Send but not yet accepted by
// the underlying stream. The connection pool does not read it; its
// pick_for_send ranks connections by its own queue counter.
func (c *Conn) OutstandingBytes() int64 { return c.outstand.Load() }

func (c *Conn) close() {
	c.state.Store(int32(StateClosed))
	_ = c.qc.CloseWithError(0, "tunnel closed")
}

// Layer is the connection-layer contract CADET consumes; Adapter is its
// quic-go-backed implementation.
type Layer interface {
	Send(frame []byte, conn *Conn) (*SendHandle, error)
	IsDirect(conn *Conn) bool
	GetState(conn *Conn) State
	GetID(conn *Conn) ID
}

// Adapter implements Layer on top of quic-go. One Adapter serves every
// tunnel's connection pool in the process.
type Adapter struct {
	tlsConf *tls.Config
	onReady func(ReadinessEvent)
}

// NewAdapter builds an Adapter. tlsConf only has to complete the QUIC
// handshake; CADET authenticates peers at the TUNNEL_KX layer, not
// here. onReady receives every readiness event across all connections.
func NewAdapter(tlsConf *tls.Config, onReady func(ReadinessEvent)) *Adapter {
	if onReady == nil {
		onReady = func(ReadinessEvent) {}
	}
	return &Adapter{tlsConf: tlsConf, onReady: onReady}
}

// Dial opens a direct QUIC connection to addr and wraps it as a Conn.
func (a *Adapter) Dial(ctx context.Context, addr string) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, a.tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return newConn(qc, true, a.onReady), nil
}

// Accept wraps an inbound QUIC connection accepted by a listener, as a
// direct connection. Relay paths (CADET connections that traverse
// intermediate peers rather than dialling the destination directly) are
// represented the same way but wrapped with direct=false by WrapRelayed.
func (a *Adapter) Accept(qc quic.Connection) *Conn {
	return newConn(qc, true, a.onReady)
}

// WrapRelayed marks a connection, already established by some other
// means (a path through intermediate peers), as non-direct — so the
// pool's trim policy (§4.2) can prefer destroying it over a direct link.
func (a *Adapter) WrapRelayed(qc quic.Connection) *Conn {
	return newConn(qc, false, a.onReady)
}

// Send implements send(frame, conn) → queue-handle. The frame is
// written on its own unidirectional stream so QUIC's flow control
// backpressures the sender instead of CADET buffering unboundedly.
func (a *Adapter) Send(frame []byte, conn *Conn) (*SendHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	handle := &SendHandle{cancel: cancel, done: done}

	conn.outstand.Add(int64(len(frame)))
	go func() {
		defer close(done)
		defer conn.outstand.Add(-int64(len(frame)))

		stream, err := conn.qc.OpenUniStreamSync(ctx)
		if err != nil {
			return
		}
		defer stream.Close()

		if _, err := stream.Write(frame); err != nil {
			return
		}
		conn.onReady(ReadinessEvent{
			Conn:      conn,
			Type:      "TUNNEL_ENCRYPTED",
			Direction: DirectionOutbound,
			Size:      len(frame),
		})
	}()
	return handle, nil
}

func (a *Adapter) IsDirect(conn *Conn) bool { return conn.IsDirect() }
func (a *Adapter) GetState(conn *Conn) State { return conn.State() }
func (a *Adapter) GetID(conn *Conn) ID       { return conn.ID() }

// ReceiveLoop reads frames off every inbound unidirectional stream on
// conn and delivers each as an inbound readiness event, until the
// connection closes or ctx is cancelled.
func (a *Adapter) ReceiveLoop(ctx context.Context, conn *Conn, maxFrame int) error {
	for {
		stream, err := conn.qc.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		go func() {
			buf := make([]byte, maxFrame)
			n, err := stream.Read(buf)
			if err != nil && n == 0 {
				return
			}
			conn.onReady(ReadinessEvent{
				Conn:      conn,
				Type:      "TUNNEL_ENCRYPTED",
				Direction: DirectionInbound,
				Size:      n,
				Payload:   buf[:n],
			})
		}()
	}
}

// Close tears down a connection.
func (a *Adapter) Close(conn *Conn) { conn.close() }
