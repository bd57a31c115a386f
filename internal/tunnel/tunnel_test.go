package tunnel

import (
	"bytes"
	"testing"
	"time"

	"github.com/gnunet-go/cadet/internal/axolotl"
	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/transport"
)

// fakeLayer relays frames synchronously to a peer Tunnel, standing in
// for the external connection layer (spec.md §6) in tests.
type fakeLayer struct {
	peer *Tunnel
}

func (f *fakeLayer) Send(frame []byte, conn *transport.Conn) (*transport.SendHandle, error) {
	err := f.peer.Receive(frame)
	return &transport.SendHandle{}, err
}
func (f *fakeLayer) IsDirect(conn *transport.Conn) bool    { return conn.IsDirect() }
func (f *fakeLayer) GetState(conn *transport.Conn) transport.State { return conn.State() }
func (f *fakeLayer) GetID(conn *transport.Conn) transport.ID       { return conn.ID() }

func testConfig() Config {
	return Config{
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

// pairTunnels builds two tunnels wired to relay directly to each other
// and brings each to cstate READY by registering a fake connection.
func pairTunnels(t *testing.T, aLookup, bLookup channel.PortLookup) (a, b *Tunnel) {
	t.Helper()
	aID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	bID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	sched := scheduler.New()

	a, err = New(aID.PeerID(), bID.PeerID(), aID, nil, sched, testConfig(), aLookup)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err = New(bID.PeerID(), aID.PeerID(), bID, nil, sched, testConfig(), bLookup)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	a.layer = &fakeLayer{peer: b}
	b.layer = &fakeLayer{peer: a}

	a.AddConnection(transport.NewTestConn(true, transport.StateReady))
	b.AddConnection(transport.NewTestConn(true, transport.StateReady))
	return a, b
}

// TestKeyExchangeReachesAxAuthSent drives a's forced-reply KX to
// completion and checks both ends land on AX_AUTH_SENT: b replies with
// its own KX, and each side's auth probe (sent right after completing
// the exchange) is what proves the other's session keys and unblocks
// is_ready() on both.
func TestKeyExchangeReachesAxAuthSent(t *testing.T) {
	a, b := pairTunnels(t, nil, nil)

	if err := a.SendKX(true); err != nil {
		t.Fatalf("a.SendKX: %v", err)
	}
	if b.estate != EStateAxAuthSent {
		t.Fatalf("b.estate after the round trip = %v, want AxAuthSent", b.estate)
	}
	if a.estate != EStateAxAuthSent {
		t.Fatalf("a.estate after the round trip = %v, want AxAuthSent", a.estate)
	}
	if !a.IsReady() || !b.IsReady() {
		t.Fatal("both tunnels should be ready to carry application data")
	}
}

func TestBasicEchoEndToEnd(t *testing.T) {
	const port = 7

	var received []byte
	done := make(chan struct{}, 1)
	bLookup := func(p uint64) (channel.Handler, bool) {
		if p != port {
			return nil, false
		}
		return func(ch *channel.Channel, payload []byte) {
			received = append([]byte(nil), payload...)
			done <- struct{}{}
		}, true
	}

	a, b := pairTunnels(t, nil, bLookup)
	if err := a.SendKX(true); err != nil {
		t.Fatalf("SendKX: %v", err)
	}

	ch, err := a.OpenChannel(channel.Options{}, func(*channel.Channel, []byte) {}, port)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	if _, err := a.Submit(ch, []byte("hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b to receive the message")
	}
	if !bytes.Equal(received, []byte("hello")) {
		t.Fatalf("b received %q, want %q", received, "hello")
	}
}
