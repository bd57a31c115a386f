package axolotl

import (
	"bytes"
	"testing"
	"time"
)

func testParams() Params {
	return Params{
		RatchetMessages: 64,
		RatchetTime:     time.Hour,
		MaxSkippedKeys:  64,
		MaxKeyGap:       256,
	}
}

// pair builds two connected States (alice, bob) with the key exchange
// already completed, mirroring how the tunnel layer would drive CompleteKX
// after exchanging TUNNEL_KX frames.
func pair(t *testing.T, params Params) (alice, bob *State) {
	t.Helper()
	aliceID := PeerID{0x01}
	bobID := PeerID{0x02}

	a, err := New(aliceID, bobID, params)
	if err != nil {
		t.Fatalf("New(alice): %v", err)
	}
	b, err := New(bobID, aliceID, params)
	if err != nil {
		t.Fatalf("New(bob): %v", err)
	}
	if !a.isAlice {
		t.Fatal("expected smaller id to be Alice")
	}
	if b.isAlice {
		t.Fatal("expected larger id to be Bob")
	}

	aEph, aRatchet := a.KXPublicKeys()
	bEph, bRatchet := b.KXPublicKeys()

	if err := a.CompleteKX(bEph, bRatchet); err != nil {
		t.Fatalf("alice CompleteKX: %v", err)
	}
	if err := b.CompleteKX(aEph, aRatchet); err != nil {
		t.Fatalf("bob CompleteKX: %v", err)
	}
	return a, b
}

func TestBasicEchoRoundTrip(t *testing.T) {
	alice, bob := pair(t, testParams())

	frame, err := alice.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}
	got, err := bob.Decrypt(frame)
	if err != nil {
		t.Fatalf("bob.Decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	// Bob replies; this does not require a ratchet advance since his
	// initial send chain is already established.
	reply, err := bob.Encrypt([]byte("world"))
	if err != nil {
		t.Fatalf("bob.Encrypt: %v", err)
	}
	got, err = alice.Decrypt(reply)
	if err != nil {
		t.Fatalf("alice.Decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("got %q, want %q", got, "world")
	}
}

func TestReorderWithinWindow(t *testing.T) {
	alice, bob := pair(t, testParams())

	var frames []Frame
	for i := 0; i < 5; i++ {
		f, err := alice.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", i, err)
		}
		frames = append(frames, f)
	}

	order := []int{0, 2, 1, 4, 3}
	for _, idx := range order {
		plaintext, err := bob.Decrypt(frames[idx])
		if err != nil {
			t.Fatalf("Decrypt(frame %d): %v", idx, err)
		}
		if plaintext[0] != byte(idx) {
			t.Fatalf("frame %d: got payload %v", idx, plaintext)
		}
	}
	if bob.skipped.len() != 0 {
		t.Fatalf("skipped store should drain to 0, has %d", bob.skipped.len())
	}
}

func TestRatchetAdvance(t *testing.T) {
	params := testParams()
	params.RatchetMessages = 3
	alice, bob := pair(t, params)

	var last Frame
	for i := 0; i < 4; i++ {
		if i == 3 {
			// Alice may only advance again after receiving a message
			// since her last advance, so Bob replies first.
			reply, err := bob.Encrypt([]byte("ack"))
			if err != nil {
				t.Fatalf("bob.Encrypt: %v", err)
			}
			if _, err := alice.Decrypt(reply); err != nil {
				t.Fatalf("alice.Decrypt: %v", err)
			}
		}
		f, err := alice.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", i, err)
		}
		if i == 3 {
			last = f
			if f.SealedHeader == nil {
				t.Fatal("expected sealed header")
			}
		}
		if _, err := bob.Decrypt(f); err != nil {
			t.Fatalf("Decrypt(%d): %v", i, err)
		}
	}
	_ = last
	if alice.pns != 3 {
		t.Fatalf("alice.pns after the advance = %d, want 3", alice.pns)
	}
	if bob.nr != 1 {
		t.Fatalf("bob.nr after new chain started = %d, want 1", bob.nr)
	}
}

func TestGapTooLarge(t *testing.T) {
	alice, bob := pair(t, testParams())

	// Force alice's send counter ahead without delivering those frames.
	var first Frame
	for i := 0; i < 300; i++ {
		f, err := alice.Encrypt([]byte("skip"))
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", i, err)
		}
		if i == 0 {
			first = f
		}
	}
	big, err := alice.Encrypt([]byte("too far"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(big); err != ErrGapTooLarge {
		t.Fatalf("got err %v, want ErrGapTooLarge", err)
	}

	// The tunnel survives: the undelivered frame with Ns = 0 is still
	// accepted by the same state after the rejected one.
	got, err := bob.Decrypt(first)
	if err != nil {
		t.Fatalf("Decrypt after rejected gap: %v", err)
	}
	if !bytes.Equal(got, []byte("skip")) {
		t.Fatalf("got %q, want %q", got, "skip")
	}
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	alice, bob := pair(t, testParams())
	f, err := alice.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	f.Tag[0] ^= 0xFF
	if _, err := bob.Decrypt(f); err != ErrUnauthenticated {
		t.Fatalf("got err %v, want ErrUnauthenticated", err)
	}
}
