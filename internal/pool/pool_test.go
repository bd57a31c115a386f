package pool

import (
	"testing"

	"github.com/gnunet-go/cadet/internal/transport"
)

func TestBufferCreditsAccounting(t *testing.T) {
	p := New(64, 3)
	if got := p.BufferCredits(); got != 64 {
		t.Fatalf("fresh pool credits = %d, want 64", got)
	}
}

func TestMaxAllowancePerConnection(t *testing.T) {
	p := New(64, 3)
	if got := p.maxAllowancePerConnection(); got != 21 {
		t.Fatalf("64/3 cap = %d, want 21", got)
	}
}

func TestTrimNoOpUnderLimit(t *testing.T) {
	p := New(64, 3)
	if c := p.Trim(nil); c != nil {
		t.Fatalf("Trim on empty pool destroyed %v", c)
	}
}

// TestTrimDestroysNewestNonDirect mirrors spec.md §8 scenario 6: force a
// tunnel to hold 2xCONNECTIONS_PER_TUNNEL+1 connections, one direct; the
// trim task destroys exactly one non-direct connection, the newest.
func TestTrimDestroysNewestNonDirect(t *testing.T) {
	p := New(64, 3)

	direct := transport.NewTestConn(true, transport.StateReady)
	p.Add(direct)

	var relayed []*transport.Conn
	for i := 0; i < 6; i++ {
		c := transport.NewTestConn(false, transport.StateReady)
		relayed = append(relayed, c)
		p.Add(c)
	}
	if p.Len() != 7 {
		t.Fatalf("pool len = %d, want 7", p.Len())
	}

	destroyed := p.Trim(nil)
	if destroyed == nil {
		t.Fatal("expected a trimmed connection")
	}
	if destroyed.IsDirect() {
		t.Fatal("trim destroyed the direct connection")
	}
	if destroyed.ID() != relayed[len(relayed)-1].ID() {
		t.Fatalf("trim destroyed connection %v, want the newest relayed one %v",
			destroyed.ID(), relayed[len(relayed)-1].ID())
	}
	if p.Len() != 6 {
		t.Fatalf("pool len after trim = %d, want 6", p.Len())
	}

	// A second trim at exactly the limit (6 <= 2*3) is a no-op.
	if c := p.Trim(nil); c != nil {
		t.Fatalf("trim fired again at the limit: destroyed %v", c)
	}
}

func TestTrimAllExcessDirect(t *testing.T) {
	p := New(64, 1)
	for i := 0; i < 4; i++ {
		p.Add(transport.NewTestConn(true, transport.StateReady))
	}
	if c := p.Trim(nil); c != nil {
		t.Fatalf("trim destroyed a direct connection: %v", c)
	}
	if p.Len() != 4 {
		t.Fatalf("pool len = %d, want 4 (nothing trimmed)", p.Len())
	}
}

func TestPickForSendPrefersSmallestQueue(t *testing.T) {
	p := New(64, 3)
	a := transport.NewTestConn(true, transport.StateReady)
	b := transport.NewTestConn(true, transport.StateReady)
	p.Add(a)
	p.Add(b)
	p.NoteQueued(a)
	p.NoteQueued(a)
	p.NoteQueued(b)

	picked := p.PickForSend()
	if picked.ID() != b.ID() {
		t.Fatalf("PickForSend chose %v, want the connection with the smaller queue", picked.ID())
	}
}

func TestPickForSendSkipsNonReady(t *testing.T) {
	p := New(64, 3)
	p.Add(transport.NewTestConn(true, transport.StateConnecting))
	if p.PickForSend() != nil {
		t.Fatal("PickForSend returned a non-READY connection")
	}
}

func TestGrantRespectsPerConnectionCap(t *testing.T) {
	p := New(9, 3) // cap = 9/3 = 3
	c := transport.NewTestConn(true, transport.StateReady)
	p.Add(c)

	got := p.Grant(c, 10)
	if got != 3 {
		t.Fatalf("Grant clamped to %d, want 3", got)
	}
	if got := p.Grant(c, 10); got != 0 {
		t.Fatalf("Grant past the per-connection cap returned %d, want 0", got)
	}
}
