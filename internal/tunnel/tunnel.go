// Package tunnel implements the Tunnel component of spec.md §4.3: it
// composes the Axolotl ratchet (internal/axolotl) and the Connection
// Pool (internal/pool), owns the channel multiplexer
// (internal/channel), runs the connectivity/encryption state machines,
// and maintains the delayed-send queue.
package tunnel

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gnunet-go/cadet/internal/axolotl"
	"github.com/gnunet-go/cadet/internal/cadetlog"
	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/pool"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/transport"
	"github.com/gnunet-go/cadet/internal/wire"
)

// ConnState is the tunnel's connectivity state (spec.md §4.3).
type ConnState int

const (
	CStateNew ConnState = iota
	CStateSearching
	CStateWaiting
	CStateReady
	CStateShutdown
)

// EncState is the tunnel's encryption state (spec.md §4.3).
type EncState int

const (
	EStateUninitialized EncState = iota
	EStateAxSent
	EStateAxAuthSent
	EStateOK
	EStateRekey
)

var (
	ErrShutdown     = errors.New("tunnel: shut down")
	ErrKXInFlight   = errors.New("tunnel: a KX frame is already in flight")
	ErrNoConnection = errors.New("tunnel: no READY connection available")
)

const (
	frameKindKX        byte = 1
	frameKindEncrypted byte = 2
)

// DelayedHandle cancels a send that is still sitting in the delayed
// queue (spec.md §5 suspension point (i)).
type DelayedHandle struct {
	t  *Tunnel
	id uint64
}

// Cancel removes the queued entry and, if notify was supplied, invokes
// it with size 0 per spec.md §5's cancellation rule.
func (h *DelayedHandle) Cancel() {
	h.t.cancelDelayed(h.id)
}

type delayedEntry struct {
	id     uint64
	inner  wire.Inner
	notify func(size int)
}

// Tunnel is one remote peer's end-to-end CADET session.
type Tunnel struct {
	mu sync.Mutex

	localID, peerID identity.PeerID
	idProvider      *identity.Provider

	ax   *axolotl.State
	pool *pool.Pool
	mux  *channel.Multiplexer

	layer transport.Layer
	sched *scheduler.Scheduler

	cstate ConnState
	estate EncState

	delayed   []*delayedEntry
	nextDelay uint64

	kxPending       bool
	kxResendTask    *scheduler.Task
	destroyTask     *scheduler.Task
	destroyEmptyDur time.Duration
	resendInterval  time.Duration

	onInner func(wire.Inner) error
}

// Config bundles the knobs New needs, sourced from config.GlobalCfg.
type Config struct {
	AxolotlParams     axolotl.Params
	MinChannelBuffer  int
	MaxChannelBuffer  int
	DestroyEmptyDelay time.Duration
	ResendInterval    time.Duration
}

// PortLookup is threaded through to the channel multiplexer.
type PortLookup = channel.PortLookup

// New builds a Tunnel to peerID. The Axolotl state and channel
// multiplexer are created immediately; no network activity happens
// until SendKX is called (cstate starts NEW per spec.md §4.3).
func New(localID, peerID identity.PeerID, idProvider *identity.Provider, layer transport.Layer, sched *scheduler.Scheduler, cfg Config, lookup PortLookup) (*Tunnel, error) {
	ax, err := axolotl.New(localID.Bytes(), peerID.Bytes(), cfg.AxolotlParams)
	if err != nil {
		return nil, err
	}
	t := &Tunnel{
		localID:         localID,
		peerID:          peerID,
		idProvider:      idProvider,
		ax:              ax,
		pool:            pool.New(uint32(cfg.MaxChannelBuffer), 3),
		layer:           layer,
		sched:           sched,
		cstate:          CStateNew,
		estate:          EStateUninitialized,
		destroyEmptyDur: cfg.DestroyEmptyDelay,
		resendInterval:  cfg.ResendInterval,
	}
	t.mux = channel.New(localID, peerID, t.sendInner, lookup, cfg.MaxChannelBuffer)
	return t, nil
}

// IsReady implements is_ready(): cstate READY and estate one of {OK,
// REKEY, AX_AUTH_SENT}.
func (t *Tunnel) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isReadyLocked()
}

func (t *Tunnel) isReadyLocked() bool {
	if t.cstate != CStateReady {
		return false
	}
	switch t.estate {
	case EStateOK, EStateRekey, EStateAxAuthSent:
		return true
	}
	return false
}

// ConnState reports the tunnel's connectivity state, for monitoring
// queries (spec.md §4.5's get_tunnel/get_tunnels).
func (t *Tunnel) ConnState() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cstate
}

// EncState reports the tunnel's encryption state, for monitoring queries.
func (t *Tunnel) EncState() EncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estate
}

// ChannelCount reports the number of live channels on this tunnel.
func (t *Tunnel) ChannelCount() int {
	return t.mux.Count()
}

// AddConnection registers a newly available path and recomputes
// connectivity state.
func (t *Tunnel) AddConnection(c *transport.Conn) {
	t.mu.Lock()
	t.pool.Add(c)
	t.recomputeConnectivityLocked()
	ready := t.isReadyLocked()
	t.mu.Unlock()
	if ready {
		t.drainDelayed()
	}
}

// RemoveConnection drops a path, e.g. on loss of route.
func (t *Tunnel) RemoveConnection(c *transport.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pool.Remove(c)
	t.recomputeConnectivityLocked()
}

func (t *Tunnel) recomputeConnectivityLocked() {
	if t.cstate == CStateShutdown {
		return
	}
	n := t.pool.Len()
	ready := t.pool.PickForSend() != nil
	switch {
	case ready:
		t.cstate = CStateReady
	case n > 0:
		t.cstate = CStateWaiting
	default:
		t.cstate = CStateSearching
	}
}

// SendKX implements send_kx(force_reply): builds and transmits a
// TUNNEL_KX frame. At most one may be in flight; a second call while a
// reply is pending is dropped per spec.md §5's ordering guarantee.
func (t *Tunnel) SendKX(forceReply bool) error {
	t.mu.Lock()
	if t.kxPending {
		t.mu.Unlock()
		return ErrKXInFlight
	}
	eph, ratchet := t.ax.KXPublicKeys()
	flags := wire.KXFlags(0)
	if forceReply {
		flags = wire.ForceReply
	}
	kx := wire.KXFrame{Flags: flags, Ephemeral: eph, Ratchet: ratchet}
	sig := t.idProvider.Sign(eph)
	t.kxPending = true
	t.mu.Unlock()

	if err := t.transmitKX(kx, sig); err != nil {
		t.mu.Lock()
		t.kxPending = false
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if t.estate < EStateAxSent {
		t.estate = EStateAxSent
	}
	needResend := t.estate == EStateAxSent
	if needResend {
		t.kxResendTask = t.sched.AddDelayed(t.resendInterval, t.resendKX)
	}
	t.mu.Unlock()
	return nil
}

// sendAuthProbe sends an empty CHANNEL_KEEPALIVE as the first Axolotl
// ciphertext after a key exchange completes, bypassing is_ready(): its
// successful decryption on the peer's side is what proves this tunnel
// possesses the session keys and advances the peer AX_SENT -> AX_AUTH_SENT.
// Without it neither end could ever send the application data that would
// normally carry that proof, since is_ready() itself requires AX_AUTH_SENT.
func (t *Tunnel) sendAuthProbe() {
	if _, err := t.sendInnerNow(wire.Inner{Type: wire.ChannelKeepalive}); err != nil {
		cadetlog.Logger.Debug("failed to send key-exchange auth probe", zap.Error(err))
	}
}

func (t *Tunnel) resendKX() {
	t.mu.Lock()
	if t.estate == EStateAxAuthSent || t.estate == EStateOK || t.estate == EStateRekey || t.cstate == CStateShutdown {
		t.mu.Unlock()
		return
	}
	eph, ratchet := t.ax.KXPublicKeys()
	kx := wire.KXFrame{Ephemeral: eph, Ratchet: ratchet}
	sig := t.idProvider.Sign(eph)
	t.mu.Unlock()

	_ = t.transmitKX(kx, sig)

	t.mu.Lock()
	if t.cstate != CStateShutdown {
		t.kxResendTask = t.sched.AddDelayed(t.resendInterval, t.resendKX)
	}
	t.mu.Unlock()
}

func (t *Tunnel) transmitKX(kx wire.KXFrame, sig []byte) error {
	conn := t.pool.PickForSend()
	if conn == nil {
		return ErrNoConnection
	}
	buf := encodeKXWire(kx, t.localID, sig)
	_, err := t.layer.Send(buf, conn)
	return err
}

// OnKXFrame implements the receive side of the key exchange: verifies
// the signature, completes the Axolotl key exchange, and transitions
// estate to AX_SENT if this tunnel has not yet sent its own KX.
func (t *Tunnel) OnKXFrame(signer identity.PeerID, kx wire.KXFrame, sig []byte) error {
	if err := identity.Verify(signer, kx.Ephemeral, sig); err != nil {
		return err
	}
	t.mu.Lock()
	if err := t.ax.CompleteKX(kx.Ephemeral, kx.Ratchet); err != nil {
		t.mu.Unlock()
		return err
	}
	justInitialized := t.estate == EStateUninitialized
	if justInitialized {
		t.estate = EStateAxSent
	}
	forceReply := kx.Flags&wire.ForceReply != 0
	t.mu.Unlock()

	// Our own KX must reach the peer before our auth probe does, or the
	// probe arrives before the peer has the keys to decrypt it.
	if forceReply {
		_ = t.SendKX(false)
	}
	if justInitialized {
		t.sendAuthProbe()
	}
	cadetlog.Logger.Debug("completed key exchange", zap.String("peer", signer.String()))
	return nil
}

// sendInner is the channel.Sender passed to the multiplexer: every
// inner frame is individually Axolotl-encrypted and sent as one outer
// TUNNEL_ENCRYPTED frame, or queued if the tunnel is not yet ready.
func (t *Tunnel) sendInner(in wire.Inner) (channel.SendHandle, error) {
	t.mu.Lock()
	if t.cstate == CStateShutdown {
		t.mu.Unlock()
		return nil, ErrShutdown
	}
	if !t.isReadyLocked() {
		h := t.enqueueDelayedLocked(in)
		t.mu.Unlock()
		return h, nil
	}
	t.mu.Unlock()
	return t.sendInnerNow(in)
}

// enqueueDelayedLocked must be called with t.mu held.
func (t *Tunnel) enqueueDelayedLocked(in wire.Inner) *DelayedHandle {
	t.nextDelay++
	id := t.nextDelay
	t.delayed = append(t.delayed, &delayedEntry{id: id, inner: in})
	return &DelayedHandle{t: t, id: id}
}

func (t *Tunnel) sendInnerNow(in wire.Inner) (channel.SendHandle, error) {
	t.mu.Lock()
	frame, err := t.ax.Encrypt(wire.EncodeInner(in))
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	conn := t.pool.PickForSend()
	if conn == nil {
		h := t.enqueueDelayedLocked(in)
		t.mu.Unlock()
		return h, nil
	}
	t.mu.Unlock()

	buf := encodeEncryptedWire(frame)
	t.pool.NoteQueued(conn)
	handle, err := t.layer.Send(buf, conn)
	t.pool.NoteSent(conn)
	return handle, err
}

// cancelDelayed removes a still-queued entry, invoking its notify with
// size 0 if one was registered (spec.md §5's cancellation rule).
func (t *Tunnel) cancelDelayed(id uint64) {
	t.mu.Lock()
	var notify func(int)
	for i, e := range t.delayed {
		if e.id == id {
			notify = e.notify
			t.delayed = append(t.delayed[:i], t.delayed[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if notify != nil {
		notify(0)
	}
}

// drainDelayed flushes the delayed-send queue once the tunnel becomes
// ready; spec.md §3 invariant (ii) requires it drain monotonically.
func (t *Tunnel) drainDelayed() {
	for {
		t.mu.Lock()
		if len(t.delayed) == 0 || !t.isReadyLocked() {
			t.mu.Unlock()
			return
		}
		e := t.delayed[0]
		t.delayed = t.delayed[1:]
		t.mu.Unlock()

		if _, err := t.sendInnerNow(e.inner); err != nil {
			cadetlog.Logger.Warn("failed to drain delayed send", zap.Error(err))
			return
		}
	}
}

// Receive handles one inbound frame off the connection layer: KX
// frames advance the key exchange, encrypted frames are decrypted and
// demultiplexed to the channel layer.
func (t *Tunnel) Receive(buf []byte) error {
	if len(buf) < 1 {
		return errors.New("tunnel: empty frame")
	}
	switch buf[0] {
	case frameKindKX:
		signer, kx, sig, err := decodeKXWire(buf[1:])
		if err != nil {
			return err
		}
		return t.OnKXFrame(signer, kx, sig)
	case frameKindEncrypted:
		frame, err := decodeEncryptedWire(buf[1:])
		if err != nil {
			return err
		}
		return t.receiveEncrypted(frame)
	default:
		return errors.New("tunnel: unknown outer frame kind")
	}
}

func (t *Tunnel) receiveEncrypted(frame axolotl.Frame) error {
	t.mu.Lock()
	plaintext, err := t.ax.Decrypt(frame)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.estate == EStateAxSent {
		t.estate = EStateAxAuthSent
		t.kxPending = false
		if t.kxResendTask != nil {
			t.kxResendTask.Cancel()
		}
	}
	t.mu.Unlock()

	return wire.DecodeAll(plaintext, func(in wire.Inner) {
		t.dispatchInner(in)
	})
}

func (t *Tunnel) dispatchInner(in wire.Inner) {
	var err error
	switch in.Type {
	case wire.ChannelOpen:
		err = t.mux.OnOpenIncoming(in.Channel, uint64(in.Options))
	case wire.ChannelOpenAck:
		err = t.mux.OnAck(in)
		t.mu.Lock()
		if t.estate == EStateAxAuthSent {
			t.estate = EStateOK
		}
		t.mu.Unlock()
	case wire.ChannelOpenNack:
		err = t.mux.OnNack(in)
	case wire.ChannelAppData:
		err = t.mux.OnData(in)
	case wire.ChannelAppDataAck:
		err = t.mux.OnDataAck(in)
		t.mu.Lock()
		if t.estate == EStateAxAuthSent {
			t.estate = EStateOK
		}
		t.mu.Unlock()
	case wire.ChannelDestroy:
		err = t.mux.OnDestroy(in)
	case wire.ChannelKeepalive:
		// no-op; presence alone keeps the tunnel alive
	}
	if err != nil {
		cadetlog.Logger.Debug("inner frame dispatch error", zap.Error(err), zap.Uint32("channel", in.Channel))
	}
}

// OpenChannel implements open(options) at the tunnel level.
func (t *Tunnel) OpenChannel(opts channel.Options, onData channel.Handler, port uint64) (*channel.Channel, error) {
	t.cancelDestroyEmpty()
	return t.mux.Open(opts, onData, port)
}

// Submit implements submit(ch, payload) at the tunnel level, for the
// client session's notify_transmit_ready to drive.
func (t *Tunnel) Submit(ch *channel.Channel, payload []byte) (channel.SendHandle, error) {
	return t.mux.Submit(ch, payload)
}

// DestroyChannel tears down one channel and re-arms destroy_empty if
// the tunnel is now empty.
func (t *Tunnel) DestroyChannel(ch *channel.Channel) error {
	err := t.mux.Destroy(ch)
	t.scheduleDestroyEmptyIfIdle()
	return err
}

func (t *Tunnel) cancelDestroyEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyTask != nil {
		t.destroyTask.Cancel()
		t.destroyTask = nil
	}
}

// DestroyEmpty implements destroy_empty(): schedules a deferred destroy
// if the tunnel currently owns no channels.
func (t *Tunnel) DestroyEmpty() {
	t.scheduleDestroyEmptyIfIdle()
}

func (t *Tunnel) scheduleDestroyEmptyIfIdle() {
	if t.mux.Count() > 0 {
		return
	}
	t.mu.Lock()
	if t.destroyTask != nil {
		t.mu.Unlock()
		return
	}
	t.destroyTask = t.sched.AddDelayed(t.destroyEmptyDur, func() {
		if t.mux.Count() == 0 {
			t.Destroy()
		}
	})
	t.mu.Unlock()
}

// Destroy implements the immediate destroy() cascade: marks the tunnel
// SHUTDOWN, drops the delayed queue (logging any stray CHANNEL_DESTROY
// left in it), cancels the KX-resend and destroy timers, drops the
// tunnel's reference to its Axolotl state, and tears down every
// channel. The pool's connections are neither removed nor closed, and
// the key material is released to the garbage collector, not
// overwritten.
func (t *Tunnel) Destroy() {
	t.mu.Lock()
	if t.cstate == CStateShutdown {
		t.mu.Unlock()
		return
	}
	t.cstate = CStateShutdown
	if t.kxResendTask != nil {
		t.kxResendTask.Cancel()
	}
	if t.destroyTask != nil {
		t.destroyTask.Cancel()
	}
	stray := t.delayed
	t.delayed = nil
	t.ax = nil
	t.mu.Unlock()

	for _, e := range stray {
		if e.inner.Type == wire.ChannelDestroy {
			cadetlog.Logger.Info("dropping queued CHANNEL_DESTROY on tunnel teardown",
				zap.Uint32("channel", e.inner.Channel))
		} else if e.inner.Type != wire.ChannelKeepalive {
			cadetlog.Logger.Warn("dropping queued frame on tunnel teardown",
				zap.Uint32("channel", e.inner.Channel), zap.Any("type", e.inner.Type))
		}
		if e.notify != nil {
			e.notify(0)
		}
	}
	t.mux.DestroyAll()
}

// Trim asks the connection pool to enforce the 2x policy (spec.md
// §4.2); intended to be invoked periodically by a scheduler task owned
// by whoever constructs the tunnel.
func (t *Tunnel) Trim(adapter *transport.Adapter) *transport.Conn {
	return t.pool.Trim(adapter)
}

// Unchoke runs one round of unchoke_channels()/send_connection_acks().
func (t *Tunnel) Unchoke() {
	t.pool.RebalanceReady()
	t.mux.UnchokeChannels(t.pool.BufferCredits())
}

func encodeKXWire(kx wire.KXFrame, signer identity.PeerID, sig []byte) []byte {
	body := kx.Encode()
	buf := make([]byte, 1+32+len(sig)+len(body))
	buf[0] = frameKindKX
	copy(buf[1:33], signer[:])
	copy(buf[33:33+len(sig)], sig)
	copy(buf[33+len(sig):], body)
	return buf
}

func decodeKXWire(buf []byte) (identity.PeerID, wire.KXFrame, []byte, error) {
	const sigLen = 64 // ed25519.SignatureSize
	if len(buf) != 32+sigLen+wire.KXFrameSize {
		return identity.PeerID{}, wire.KXFrame{}, nil, errors.New("tunnel: malformed KX wire frame")
	}
	var signer identity.PeerID
	copy(signer[:], buf[0:32])
	sig := append([]byte(nil), buf[32:32+sigLen]...)
	kx, err := wire.DecodeKXFrame(buf[32+sigLen:])
	return signer, kx, sig, err
}

func encodeEncryptedWire(f axolotl.Frame) []byte {
	buf := make([]byte, 0, 1+24+2+len(f.SealedHeader)+32+4+len(f.Ciphertext))
	buf = append(buf, frameKindEncrypted)
	buf = append(buf, f.HeaderNonce[:]...)
	buf = appendUint16Prefixed(buf, f.SealedHeader)
	buf = append(buf, f.Tag[:]...)
	buf = appendUint32Prefixed(buf, f.Ciphertext)
	return buf
}

func decodeEncryptedWire(buf []byte) (axolotl.Frame, error) {
	var f axolotl.Frame
	if len(buf) < 24 {
		return f, errors.New("tunnel: truncated encrypted frame")
	}
	copy(f.HeaderNonce[:], buf[0:24])
	buf = buf[24:]

	var err error
	f.SealedHeader, buf, err = readUint16Prefixed(buf)
	if err != nil {
		return f, err
	}
	if len(buf) < 32 {
		return f, errors.New("tunnel: truncated encrypted frame tag")
	}
	copy(f.Tag[:], buf[0:32])
	buf = buf[32:]

	f.Ciphertext, buf, err = readUint32Prefixed(buf)
	return f, err
}

func appendUint16Prefixed(buf []byte, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func appendUint32Prefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func readUint16Prefixed(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, errors.New("tunnel: truncated length-prefixed field")
	}
	n := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	if int(n) > len(buf) {
		return nil, nil, errors.New("tunnel: truncated length-prefixed field")
	}
	return buf[:n], buf[n:], nil
}

func readUint32Prefixed(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("tunnel: truncated length-prefixed field")
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("tunnel: truncated length-prefixed field")
	}
	return buf[:n], buf[n:], nil
}
