// Package pool implements the per-tunnel Connection Pool of spec.md
// §4.2: connection admission, READY-connection selection for sending,
// and the buffer-credit accounting that backpressures application data
// across however many concrete connections a tunnel currently holds.
//
// Grounded on two corpus sources: the sharded libp2p stream pool
// (omgolab-drpc's pkg/core/pool) for the shape of a mutex-protected,
// ordered connection slice with explicit add/remove/trim, and the
// teacher's controller/prewarm.go for the "grow towards a target,
// recompute on demand" rhythm applied here to buffer-credit grants
// instead of idle-connection counts.
package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gnunet-go/cadet/internal/cadetlog"
	"github.com/gnunet-go/cadet/internal/transport"
)

// entry tracks one pooled connection plus the pool-local bookkeeping
// spec.md §3 assigns to a Connection: creation order, last-known state,
// and per-direction allowance/occupancy.
type entry struct {
	conn      *transport.Conn
	seq       uint64 // insertion order, used for "newest" trim selection
	allowance uint32 // credits granted so far
	queueLen  uint32 // outstanding (unacknowledged) sends on this connection
}

// Pool is one tunnel's connection pool.
type Pool struct {
	mu   sync.Mutex
	byID map[transport.ID]*entry
	seq  uint64

	// channelBufferMax is the maximum per-channel buffer size (§4.4),
	// which doubles as the tunnel's total logical buffer-credit pool.
	channelBufferMax uint32
	// connectionsPerTunnel is the trim target; the pool tolerates up to
	// 2x this many connections before trimming (§4.2).
	connectionsPerTunnel int
}

// New builds an empty pool for one tunnel.
func New(channelBufferMax uint32, connectionsPerTunnel int) *Pool {
	return &Pool{
		byID:                 make(map[transport.ID]*entry),
		channelBufferMax:     channelBufferMax,
		connectionsPerTunnel: connectionsPerTunnel,
	}
}

// Add registers a new connection with the pool.
func (p *Pool) Add(c *transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.byID[c.ID()] = &entry{conn: c, seq: p.seq}
}

// Remove drops a connection from the pool, e.g. on path loss.
func (p *Pool) Remove(c *transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, c.ID())
}

// Len reports the current connection count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// PickForSend implements pick_for_send(): among READY connections,
// choose the one with the smallest outstanding queue-length, ties
// broken deterministically in favour of the oldest connection.
func (p *Pool) PickForSend() *transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *entry
	for _, e := range p.byID {
		if e.conn.State() != transport.StateReady {
			continue
		}
		if best == nil || e.queueLen < best.queueLen ||
			(e.queueLen == best.queueLen && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.conn
}

// NoteQueued records that a frame was handed to conn, for future
// PickForSend ranking. NoteSent marks it as drained.
func (p *Pool) NoteQueued(c *transport.Conn) { p.bumpQueue(c, 1) }
func (p *Pool) NoteSent(c *transport.Conn)    { p.bumpQueue(c, -1) }

func (p *Pool) bumpQueue(c *transport.Conn, delta int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[c.ID()]
	if !ok {
		return
	}
	if delta < 0 && e.queueLen == 0 {
		return
	}
	e.queueLen = uint32(int32(e.queueLen) + delta)
}

// BufferCredits implements buffer_credits(): the tunnel's logical
// credit pool, equal to the maximum per-channel buffer size, minus
// whatever has already been granted out to connections.
func (p *Pool) BufferCredits() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingLocked()
}

func (p *Pool) remainingLocked() uint32 {
	var granted uint32
	for _, e := range p.byID {
		granted += e.allowance
	}
	if granted >= p.channelBufferMax {
		return 0
	}
	return p.channelBufferMax - granted
}

// maxAllowancePerConnection implements the "64/3" cap: never grant a
// connection more than one third of the maximum channel buffer.
func (p *Pool) maxAllowancePerConnection() uint32 {
	return p.channelBufferMax / 3
}

// Grant implements grant(conn, n): hands out n additional credits to
// conn, never exceeding the per-connection cap or the tunnel's
// remaining pool.
func (p *Pool) Grant(c *transport.Conn, n uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[c.ID()]
	if !ok {
		return 0
	}
	capPer := p.maxAllowancePerConnection()
	if e.allowance >= capPer {
		return 0
	}
	room := capPer - e.allowance
	if n > room {
		n = room
	}
	remaining := p.remainingLocked()
	if n > remaining {
		n = remaining
	}
	e.allowance += n
	return n
}

// RebalanceReady implements the §4.2 credit-accounting rule: for every
// READY connection that has used less than one third of its allowance,
// grant it additional credits proportional to
// (channel_buffer - sum(allowance_i)) / n_ready_connections.
func (p *Pool) RebalanceReady() {
	p.mu.Lock()
	ready := make([]*entry, 0, len(p.byID))
	for _, e := range p.byID {
		if e.conn.State() == transport.StateReady && e.queueLen*3 < e.allowance {
			ready = append(ready, e)
		}
	}
	n := len(ready)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	remaining := p.remainingLocked()
	share := remaining / uint32(n)
	p.mu.Unlock()

	if share == 0 {
		return
	}
	for _, e := range ready {
		p.Grant(e.conn, share)
	}
}

// Trim implements the trim task: when the pool holds more than
// 2xconnectionsPerTunnel connections, destroy the newest non-direct
// connection. If every connection above the limit is direct, destroy
// none. Returns the destroyed connection, or nil.
func (p *Pool) Trim(adapter *transport.Adapter) *transport.Conn {
	p.mu.Lock()
	limit := 2 * p.connectionsPerTunnel
	if len(p.byID) <= limit {
		p.mu.Unlock()
		return nil
	}
	var newest *entry
	for _, e := range p.byID {
		if e.conn.IsDirect() {
			continue
		}
		if newest == nil || e.seq > newest.seq {
			newest = e
		}
	}
	if newest == nil {
		p.mu.Unlock()
		return nil
	}
	delete(p.byID, newest.conn.ID())
	p.mu.Unlock()

	cadetlog.Logger.Debug("trimmed connection",
		zap.Uint64("seq", newest.seq),
		zap.Int("remaining", p.Len()))
	if adapter != nil {
		adapter.Close(newest.conn)
	}
	return newest.conn
}
