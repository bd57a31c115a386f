package session

import (
	"testing"
	"time"

	"github.com/gnunet-go/cadet/internal/axolotl"
	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/config"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/transport"
	"github.com/gnunet-go/cadet/internal/tunnel"
)

// relayLayer relays every sent frame synchronously to the peer tunnel's
// Receive, the same seam tunnel_test.go uses one level down the stack.
type relayLayer struct {
	peer *tunnel.Tunnel
}

func (r *relayLayer) Send(frame []byte, conn *transport.Conn) (*transport.SendHandle, error) {
	return &transport.SendHandle{}, r.peer.Receive(frame)
}
func (r *relayLayer) IsDirect(conn *transport.Conn) bool            { return conn.IsDirect() }
func (r *relayLayer) GetState(conn *transport.Conn) transport.State { return conn.State() }
func (r *relayLayer) GetID(conn *transport.Conn) transport.ID       { return conn.ID() }

func testTunnelConfig() tunnel.Config {
	return tunnel.Config{
		AxolotlParams: axolotl.Params{
			RatchetMessages: 64,
			RatchetTime:     time.Hour,
			MaxSkippedKeys:  64,
			MaxKeyGap:       256,
		},
		MinChannelBuffer:  8,
		MaxChannelBuffer:  64,
		DestroyEmptyDelay: time.Hour,
		ResendInterval:    time.Hour,
	}
}

func testSessionCfg() config.Session {
	return config.Session{ReconnectInitial: time.Millisecond, ReconnectMax: 10 * time.Millisecond}
}

// pairedSessions builds two sessions, each owning one tunnel to the
// other, bridged directly (no real transport), and brings both tunnels
// to AX_AUTH_SENT so application data can flow immediately.
func pairedSessions(t *testing.T) (sA, sB *Session, idA, idB identity.PeerID) {
	t.Helper()
	provA, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate A: %v", err)
	}
	provB, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate B: %v", err)
	}
	sched := scheduler.New()

	// Each relayLayer's peer field is filled in once the other side's
	// tunnel exists, below; both tunnels are built against their final
	// layer from the start since New takes the layer at construction.
	layerA := &relayLayer{}
	layerB := &relayLayer{}

	var a, b *Session
	dialA := func() (Manager, error) {
		return NewTunnelManager(provA.PeerID(), provA, layerA, sched, testTunnelConfig(), nil,
			func(p identity.PeerID) channel.PortLookup { return a.PortLookupFor(p) }), nil
	}
	dialB := func() (Manager, error) {
		return NewTunnelManager(provB.PeerID(), provB, layerB, sched, testTunnelConfig(), nil,
			func(p identity.PeerID) channel.PortLookup { return b.PortLookupFor(p) }), nil
	}
	a = Connect(dialA, sched, testSessionCfg())
	b = Connect(dialB, sched, testSessionCfg())

	mgrA := a.mgr.(*TunnelManager)
	mgrB := b.mgr.(*TunnelManager)

	tunA, err := mgrA.TunnelTo(provB.PeerID())
	if err != nil {
		t.Fatalf("TunnelTo: %v", err)
	}
	tunB, err := mgrB.TunnelTo(provA.PeerID())
	if err != nil {
		t.Fatalf("TunnelTo: %v", err)
	}
	layerA.peer = tunB
	layerB.peer = tunA

	tunA.AddConnection(transport.NewTestConn(true, transport.StateReady))
	tunB.AddConnection(transport.NewTestConn(true, transport.StateReady))

	if err := tunA.SendKX(true); err != nil {
		t.Fatalf("SendKX: %v", err)
	}
	return a, b, provA.PeerID(), provB.PeerID()
}

func TestOpenPortRejectsDuplicate(t *testing.T) {
	a, _, _, _ := pairedSessions(t)
	onNew := func(ch *channel.Channel, peer identity.PeerID) ChannelHandlers { return ChannelHandlers{} }
	if err := a.OpenPort(7, onNew); err != nil {
		t.Fatalf("first OpenPort: %v", err)
	}
	if err := a.OpenPort(7, onNew); err != ErrPortInUse {
		t.Fatalf("second OpenPort = %v, want ErrPortInUse", err)
	}
	a.ClosePort(7)
	if err := a.OpenPort(7, onNew); err != nil {
		t.Fatalf("OpenPort after close: %v", err)
	}
}

func TestBasicEchoThroughSessions(t *testing.T) {
	const port = 7
	a, b, _, peerB := pairedSessions(t)

	gotOnB := make(chan []byte, 1)
	b.OpenPort(port, func(ch *channel.Channel, peer identity.PeerID) ChannelHandlers {
		return ChannelHandlers{
			OnData: func(ch *channel.Channel, payload []byte) {
				gotOnB <- payload
				_ = b.ReceiveDone(ch)
				_ = b.NotifyTransmitReady(ch, 5, func(buf []byte) int {
					return copy(buf, "world")
				})
			},
		}
	})

	gotOnA := make(chan []byte, 1)
	ch, err := a.ChannelCreate(peerB, port, channel.Options{}, ChannelHandlers{
		OnData: func(ch *channel.Channel, payload []byte) {
			gotOnA <- payload
			_ = a.ReceiveDone(ch)
		},
	})
	if err != nil {
		t.Fatalf("ChannelCreate: %v", err)
	}

	if err := a.NotifyTransmitReady(ch, 5, func(buf []byte) int { return copy(buf, "hello") }); err != nil {
		t.Fatalf("NotifyTransmitReady: %v", err)
	}

	select {
	case got := <-gotOnB:
		if string(got) != "hello" {
			t.Fatalf("b got %q, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b's delivery")
	}

	select {
	case got := <-gotOnA:
		if string(got) != "world" {
			t.Fatalf("a got %q, want world", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a's reply")
	}

	if err := a.ChannelDestroy(ch); err != nil {
		t.Fatalf("ChannelDestroy: %v", err)
	}
}

func TestReceiveDoneGatesNextDelivery(t *testing.T) {
	a, b, _, peerB := pairedSessions(t)

	const port = 9
	delivered := make(chan []byte, 4)
	b.OpenPort(port, func(ch *channel.Channel, peer identity.PeerID) ChannelHandlers {
		return ChannelHandlers{OnData: func(ch *channel.Channel, payload []byte) {
			delivered <- append([]byte(nil), payload...)
		}}
	})

	ch, err := a.ChannelCreate(peerB, port, channel.Options{}, ChannelHandlers{})
	if err != nil {
		t.Fatalf("ChannelCreate: %v", err)
	}

	if err := a.NotifyTransmitReady(ch, 3, func(buf []byte) int { return copy(buf, "one") }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	select {
	case got := <-delivered:
		if string(got) != "one" {
			t.Fatalf("first delivery = %q, want one", got)
		}
	case <-time.After(time.Second):
		t.Fatal("first message never delivered")
	}

	// b's handler above never calls ReceiveDone, so its channelEntry
	// stays gated: a second inbound message must queue rather than
	// upcall immediately.
	if err := a.NotifyTransmitReady(ch, 3, func(buf []byte) int { return copy(buf, "two") }); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	select {
	case got := <-delivered:
		t.Fatalf("second message delivered before ReceiveDone: %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	b.mu.Lock()
	entry, ok := b.channels[ch.ID]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("b never recorded a channelEntry for id %d", ch.ID)
	}
	if err := b.ReceiveDone(entry.ch); err != nil {
		t.Fatalf("ReceiveDone: %v", err)
	}

	select {
	case got := <-delivered:
		if string(got) != "two" {
			t.Fatalf("queued delivery = %q, want two", got)
		}
	case <-time.After(time.Second):
		t.Fatal("queued message never delivered after ReceiveDone")
	}
}

func TestNotifyLinkErrorTriggersReconnect(t *testing.T) {
	a, _, _, _ := pairedSessions(t)

	disconnected := make(chan struct{}, 1)
	a.mu.Lock()
	a.channels[1234] = &channelEntry{
		ch:       &channel.Channel{ID: 1234},
		handlers: ChannelHandlers{OnDisconnect: func(ch *channel.Channel) { disconnected <- struct{}{} }},
	}
	a.mu.Unlock()

	a.NotifyLinkError(ErrNotConnected)

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect handler never fired")
	}

	if _, err := a.manager(); err != ErrNotConnected {
		t.Fatalf("manager() after disconnect = %v, want ErrNotConnected", err)
	}
}
