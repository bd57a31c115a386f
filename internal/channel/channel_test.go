package channel

import (
	"testing"

	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/wire"
)

func newTestMux(t *testing.T, local, peer byte, lookup PortLookup) (*Multiplexer, *[]wire.Inner) {
	t.Helper()
	var localID, peerID identity.PeerID
	localID[0], peerID[0] = local, peer

	var sent []wire.Inner
	send := func(in wire.Inner) (SendHandle, error) {
		sent = append(sent, in)
		return nil, nil
	}
	if lookup == nil {
		lookup = func(uint64) (Handler, bool) { return nil, false }
	}
	return New(localID, peerID, send, lookup, 64), &sent
}

func TestAllocateIDMaskWhenPeerGreater(t *testing.T) {
	m, _ := newTestMux(t, 0x01, 0x02, nil)
	ch, err := m.Open(Options{}, func(*Channel, []byte) {}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.ID&channelIDMask == 0 {
		t.Fatalf("expected high bit set when peer-id > local-id, got %#x", ch.ID)
	}
}

func TestAllocateIDNoMaskWhenPeerSmaller(t *testing.T) {
	m, _ := newTestMux(t, 0x02, 0x01, nil)
	ch, err := m.Open(Options{}, func(*Channel, []byte) {}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.ID&channelIDMask != 0 {
		t.Fatalf("expected no high bit when peer-id < local-id, got %#x", ch.ID)
	}
}

func TestAllocateIDSkipsInUse(t *testing.T) {
	m, _ := newTestMux(t, 0x01, 0x02, nil)
	// Occupy the first id the allocator would hand out (counter 0 | mask).
	m.channels[channelIDMask] = &Channel{ID: channelIDMask}
	a, _ := m.Open(Options{}, func(*Channel, []byte) {}, 1)
	b, _ := m.Open(Options{}, func(*Channel, []byte) {}, 1)
	if a.ID == channelIDMask {
		t.Fatalf("allocator returned in-use id %#x", a.ID)
	}
	if a.ID == b.ID {
		t.Fatalf("allocator returned duplicate id %#x", a.ID)
	}
}

func TestOnOpenIncomingKnownPortAcks(t *testing.T) {
	var gotPayload []byte
	handler := func(ch *Channel, payload []byte) { gotPayload = payload }
	lookup := func(port uint64) (Handler, bool) {
		if port == 42 {
			return handler, true
		}
		return nil, false
	}
	m, sent := newTestMux(t, 0x01, 0x02, lookup)

	if err := m.OnOpenIncoming(7, 42); err != nil {
		t.Fatalf("OnOpenIncoming: %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].Type != wire.ChannelOpenAck {
		t.Fatalf("expected a CHANNEL_OPEN_ACK, got %+v", *sent)
	}

	if err := m.OnData(wire.Inner{Type: wire.ChannelAppData, Channel: 7, Payload: []byte("hi")}); err != nil {
		t.Fatalf("OnData: %v", err)
	}
	if string(gotPayload) != "hi" {
		t.Fatalf("handler got %q, want %q", gotPayload, "hi")
	}
}

func TestOnOpenIncomingUnknownPortNacks(t *testing.T) {
	m, sent := newTestMux(t, 0x01, 0x02, nil)
	if err := m.OnOpenIncoming(7, 99); err != nil {
		t.Fatalf("OnOpenIncoming: %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].Type != wire.ChannelOpenNack {
		t.Fatalf("expected a CHANNEL_OPEN_NACK, got %+v", *sent)
	}
}

func TestOnOpenIncomingRetransmissionIgnored(t *testing.T) {
	lookup := func(uint64) (Handler, bool) { return func(*Channel, []byte) {}, true }
	m, sent := newTestMux(t, 0x01, 0x02, lookup)
	if err := m.OnOpenIncoming(7, 1); err != nil {
		t.Fatalf("first OnOpenIncoming: %v", err)
	}
	if err := m.OnOpenIncoming(7, 1); err != nil {
		t.Fatalf("retransmitted OnOpenIncoming: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("retransmission produced %d sends, want 1", len(*sent))
	}
}

func TestSubmitOneInFlightPerChannel(t *testing.T) {
	m, sent := newTestMux(t, 0x01, 0x02, nil)
	ch, _ := m.Open(Options{}, func(*Channel, []byte) {}, 1)
	ch.state = StateOpen
	ch.allowSend = true

	if _, err := m.Submit(ch, []byte("a")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Submit(ch, []byte("b")); err == nil {
		t.Fatal("expected second in-flight submit to be rejected")
	}
	if len(*sent) != 2 { // CHANNEL_OPEN + one APP_DATA
		t.Fatalf("got %d sends, want 2", len(*sent))
	}

	if err := m.OnDataAck(wire.Inner{Channel: ch.ID}); err != nil {
		t.Fatalf("OnDataAck: %v", err)
	}
	if _, err := m.Submit(ch, []byte("c")); err != nil {
		t.Fatalf("Submit after ack: %v", err)
	}
}

func TestUnchokeChannelsGrantsUpToCredits(t *testing.T) {
	m, _ := newTestMux(t, 0x01, 0x02, nil)
	for i := 0; i < 5; i++ {
		ch, _ := m.Open(Options{}, func(*Channel, []byte) {}, 1)
		ch.allowSend = false
	}
	granted := m.UnchokeChannels(3)
	if len(granted) != 3 {
		t.Fatalf("UnchokeChannels granted %d, want 3", len(granted))
	}
}
