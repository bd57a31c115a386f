// Package axolotl implements the per-tunnel Double-Ratchet (Axolotl)
// state machine described in spec.md §4.1: root/chain/header key chains,
// the DH ratchet, and a bounded out-of-order skipped-key store.
//
// The construction follows the Axolotl scheme (header-encrypting
// Double Ratchet, as implemented by the katzenpost ratchet package and
// described by Trevor Perrin) layered with an explicit authentication
// tag over the plaintext header fields, matching the outer
// TUNNEL_ENCRYPTED wire frame in spec.md §6.
package axolotl

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/gnunet-go/cadet/internal/wire"
)

// Key is a 32-byte symmetric key (RK, HK, NHK, CK, or MK).
type Key [32]byte

// PeerID is an opaque, comparable peer identity. Tie-breaking ("who is
// Alice") compares PeerIDs byte-wise.
type PeerID []byte

var (
	// ErrUnauthenticated is returned when a frame fails HMAC/header
	// authentication under every candidate key and the skipped-key store.
	ErrUnauthenticated = errors.New("axolotl: unauthenticated frame")
	// ErrGapTooLarge is returned when a frame's sequence number jumps
	// further ahead of the receive chain than MaxKeyGap tolerates.
	ErrGapTooLarge = errors.New("axolotl: receive gap exceeds MaxKeyGap")
	// ErrOutOfOrder names the out-of-order case. Decrypt never returns
	// it: a frame opened from the skipped-key store decrypts with a nil
	// error, the same as an in-order frame.
	ErrOutOfOrder = errors.New("axolotl: message delivered out of order")
)

// Params bounds the ratchet's behaviour; sourced from config.Ratchet.
type Params struct {
	RatchetMessages uint64
	RatchetTime     time.Duration
	MaxSkippedKeys  int
	MaxKeyGap       uint32
}

// keyPair is a curve25519 scalar/point pair.
type keyPair struct {
	priv [32]byte
	pub  [32]byte
}

func generateKeyPair(rnd io.Reader) (keyPair, error) {
	var kp keyPair
	if _, err := io.ReadFull(rnd, kp.priv[:]); err != nil {
		return keyPair{}, err
	}
	kp.priv[0] &= 248
	kp.priv[31] &= 127
	kp.priv[31] |= 64
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func dh(priv [32]byte, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// State is the Axolotl ratchet state owned by one tunnel (spec.md §3).
type State struct {
	rnd io.Reader

	localID, peerID PeerID
	isAlice         bool

	// kx0 is the long-term KX scalar used for the initial X3DH-style
	// agreement; CompleteKX combines it with the peer's ephemeral from
	// its TUNNEL_KX frame, which is not stored.
	kx0 keyPair

	rk Key
	hKs, hKr   Key
	nhKs, nhKr Key
	cKs, cKr   Key

	dhRs keyPair // current send ratchet key pair
	dhRr [32]byte // peer's last-seen ratchet public key
	haveDHRr bool

	ns, nr, pns uint32

	ratchetFlag       bool
	ratchetAllowed    bool
	ratchetCounter    uint64
	ratchetExpiration time.Time

	skipped *skippedStore

	params Params
	now    func() time.Time
}

// New creates the local half of a tunnel's Axolotl state before key
// exchange: it generates the long-term KX scalar and the first ratchet
// key pair, and determines Alice/Bob per spec.md §4.1's tie-break
// (cmp(local_id, peer_id); the lexicographically smaller identity is
// Alice).
func New(localID, peerID PeerID, params Params) (*State, error) {
	return newState(localID, peerID, params, rand.Reader, time.Now)
}

func newState(localID, peerID PeerID, params Params, rnd io.Reader, now func() time.Time) (*State, error) {
	kx0, err := generateKeyPair(rnd)
	if err != nil {
		return nil, err
	}
	dhRs, err := generateKeyPair(rnd)
	if err != nil {
		return nil, err
	}
	s := &State{
		rnd:     rnd,
		localID: localID,
		peerID:  peerID,
		isAlice: isAlice(localID, peerID),
		kx0:     kx0,
		dhRs:    dhRs,
		skipped: newSkippedStore(params.MaxSkippedKeys),
		params:  params,
		now:     now,
	}
	// "ratchet_flag is set for Alice immediately; Bob defers until
	// first send."
	s.ratchetFlag = s.isAlice
	return s, nil
}

func isAlice(localID, peerID PeerID) bool {
	return bytes.Compare(localID, peerID) < 0
}

// KXPublicKeys returns the public material for this tunnel's TUNNEL_KX
// frame: the long-term ephemeral (kx_0 public) and the current ratchet
// public (DHRs public).
func (s *State) KXPublicKeys() (ephemeral, ratchet [32]byte) {
	return s.kx0.pub, s.dhRs.pub
}

// CompleteKX derives the initial root/header/chain keys from the peer's
// TUNNEL_KX frame, per the Alice/Bob key mapping in spec.md §4.1.
func (s *State) CompleteKX(peerEphemeral, peerRatchet [32]byte) error {
	shared, err := dh(s.kx0.priv, peerEphemeral)
	if err != nil {
		return err
	}
	rk, k1, k2, k3, k4, err := deriveInitialKeys(shared)
	if err != nil {
		return err
	}
	s.rk = rk
	if s.isAlice {
		s.hKr, s.nhKs, s.nhKr, s.cKr = k1, k2, k3, k4
	} else {
		s.hKs, s.nhKr, s.nhKs, s.cKs = k1, k2, k3, k4
	}
	s.dhRr = peerRatchet
	s.haveDHRr = true
	s.ratchetExpiration = s.now().Add(s.params.RatchetTime)
	return nil
}

// deriveInitialKeys expands the X3DH-style shared secret into a root key
// and four subkeys, mirroring the HKDF-subkey technique used by
// ericlagergren-dr's djb.go Ratchet (itself HKDF/SHA-256 based).
func deriveInitialKeys(shared []byte) (rk, k1, k2, k3, k4 Key, err error) {
	expand := func(info string) (Key, error) {
		var out Key
		r := hkdf.New(sha256.New, shared, nil, []byte("cadet axolotl kx "+info))
		if _, err := io.ReadFull(r, out[:]); err != nil {
			return Key{}, err
		}
		return out, nil
	}
	if rk, err = expand("root"); err != nil {
		return
	}
	if k1, err = expand("k1"); err != nil {
		return
	}
	if k2, err = expand("k2"); err != nil {
		return
	}
	if k3, err = expand("k3"); err != nil {
		return
	}
	k4, err = expand("k4")
	return
}

// deriveRatchetStep implements KDF("axolotl ratchet", HMAC-HASH(RK,
// ECDH(...))), producing the symmetric (root, next-header, chain) tuple
// shared by both the advancing sender and the peer that mirrors the
// advance on receive.
func deriveRatchetStep(rk Key, dhOut []byte) (newRK, newNHK, newCK Key, err error) {
	mac := hmac.New(sha256.New, rk[:])
	mac.Write(dhOut)
	prk := mac.Sum(nil)

	r := hkdf.New(sha256.New, prk, nil, []byte("axolotl ratchet"))
	buf := make([]byte, 96)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	copy(newRK[:], buf[0:32])
	copy(newNHK[:], buf[32:64])
	copy(newCK[:], buf[64:96])
	return
}

// stepChain derives a message key from a chain key and advances the
// chain: MK = HMAC-KDF(CK, "0", 1), CK' = HMAC-KDF(CK, "1", 1).
func stepChain(ck Key) (newCK, mk Key) {
	h := hmac.New(sha256.New, ck[:])
	h.Write([]byte{0x00})
	copy(mk[:], h.Sum(nil))

	h.Reset()
	h.Write([]byte{0x01})
	copy(newCK[:], h.Sum(nil))
	return
}

// messageAEAD derives the XChaCha20-Poly1305 key and nonce used to seal
// one message's payload under its (single-use) message key.
func messageAEAD(mk Key) (key, nonce []byte, err error) {
	buf := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSizeX)
	r := hkdf.New(sha256.New, mk[:], nil, []byte("cadet axolotl message"))
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	return buf[:chacha20poly1305.KeySize], buf[chacha20poly1305.KeySize:], nil
}

// hmacTag computes the spec.md §6 outer HMAC over (Ns‖PNs‖DHRs‖ciphertext)
// keyed by the given header key.
func hmacTag(hk Key, h wire.AxolotlHeader, ciphertext []byte) [32]byte {
	mac := hmac.New(sha256.New, hk[:])
	mac.Write(h.Encode())
	mac.Write(ciphertext)
	var tag [32]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Frame is one encrypted Axolotl message, corresponding to the
// TUNNEL_ENCRYPTED wire frame's variable section (spec.md §6).
type Frame struct {
	HeaderNonce [24]byte
	SealedHeader []byte
	Tag          [32]byte
	Ciphertext   []byte
}

func sealHeader(hk Key, rnd io.Reader, h wire.AxolotlHeader) ([24]byte, []byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rnd, nonce[:]); err != nil {
		return nonce, nil, err
	}
	sealed := secretbox.Seal(nil, h.Encode(), &nonce, (*[32]byte)(&hk))
	return nonce, sealed, nil
}

func openHeader(hk Key, nonce [24]byte, sealed []byte) (wire.AxolotlHeader, bool) {
	if isZero(hk) {
		return wire.AxolotlHeader{}, false
	}
	plain, ok := secretbox.Open(nil, sealed, &nonce, (*[32]byte)(&hk))
	if !ok {
		return wire.AxolotlHeader{}, false
	}
	h, err := wire.DecodeAxolotlHeader(plain)
	if err != nil {
		return wire.AxolotlHeader{}, false
	}
	return h, true
}

func isZero(k Key) bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

// Encrypt implements the advance-on-send rule and per-message send path
// of spec.md §4.1.
func (s *State) Encrypt(plaintext []byte) (Frame, error) {
	if s.ratchetAllowed && (s.ratchetCounter >= s.params.RatchetMessages || !s.now().Before(s.ratchetExpiration)) {
		s.ratchetFlag = true
	}
	if s.ratchetFlag {
		if err := s.advanceSend(); err != nil {
			return Frame{}, err
		}
	}

	newCKs, mk := stepChain(s.cKs)
	s.cKs = newCKs
	h := wire.AxolotlHeader{Ns: s.ns, PNs: s.pns, DHRs: s.dhRs.pub}
	s.ns++
	s.ratchetCounter++

	key, nonce, err := messageAEAD(mk)
	if err != nil {
		return Frame{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Frame{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	headerNonce, sealedHeader, err := sealHeader(s.hKs, s.rnd, h)
	if err != nil {
		return Frame{}, err
	}
	tag := hmacTag(s.hKs, h, ciphertext)

	return Frame{
		HeaderNonce:  headerNonce,
		SealedHeader: sealedHeader,
		Tag:          tag,
		Ciphertext:   ciphertext,
	}, nil
}

// advanceSend performs the DH ratchet step ahead of the next send.
func (s *State) advanceSend() error {
	newDHRs, err := generateKeyPair(s.rnd)
	if err != nil {
		return err
	}
	s.hKs = s.nhKs

	dhOut, err := dh(newDHRs.priv, s.dhRr)
	if err != nil {
		return err
	}
	newRK, newNHKs, newCKs, err := deriveRatchetStep(s.rk, dhOut)
	if err != nil {
		return err
	}
	s.rk = newRK
	s.nhKs = newNHKs
	s.cKs = newCKs
	s.dhRs = newDHRs

	s.pns = s.ns
	s.ns = 0
	s.ratchetFlag = false
	s.ratchetAllowed = false
	s.ratchetCounter = 0
	s.ratchetExpiration = s.now().Add(s.params.RatchetTime)
	return nil
}

// Decrypt implements the receive path of spec.md §4.1: try the current
// header key, then the next header key (triggering a peer ratchet
// advance), then the skipped-key store.
func (s *State) Decrypt(f Frame) ([]byte, error) {
	if h, ok := openHeader(s.hKr, f.HeaderNonce, f.SealedHeader); ok {
		return s.decryptCurrent(h, f)
	}
	if h, ok := openHeader(s.nhKr, f.HeaderNonce, f.SealedHeader); ok {
		return s.decryptNext(h, f)
	}
	if plaintext, ok, err := s.skipped.tryOpen(f); err != nil {
		return nil, err
	} else if ok {
		return plaintext, nil
	}
	return nil, ErrUnauthenticated
}

func (s *State) decryptCurrent(h wire.AxolotlHeader, f Frame) ([]byte, error) {
	np := h.Ns
	if np < s.nr {
		// The same hKr covers both the next message and any message
		// already skipped past within this chain, so np < s.nr does not
		// mean replay or eviction by itself: it means the skipped-key
		// store, not the running chain, is what can open this frame.
		if plaintext, ok, err := s.skipped.tryOpen(f); err != nil {
			return nil, err
		} else if ok {
			return plaintext, nil
		}
		return nil, ErrUnauthenticated
	}
	gap := np - s.nr
	if gap > s.params.MaxKeyGap {
		return nil, ErrGapTooLarge
	}

	ck := s.cKr
	var mk Key
	for i := s.nr; i < np; i++ {
		var stepMK Key
		ck, stepMK = stepChain(ck)
		s.skipped.store(s.hKr, i, stepMK)
	}
	ck, mk = stepChain(ck)

	if !hmac.Equal(hmacTagSlice(s.hKr, h, f.Ciphertext), f.Tag[:]) {
		return nil, ErrUnauthenticated
	}

	plaintext, err := openPayload(mk, f.Ciphertext)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	s.cKr = ck
	s.nr = np + 1
	s.ratchetAllowed = true
	return plaintext, nil
}

// decryptNext handles a frame sealed under NHKr: the peer has advanced
// its send ratchet. Nothing on s is committed until the frame is fully
// authenticated and decrypted, so a rejected frame (gap too large, bad
// tag) leaves the tunnel's ratchet state exactly as it was.
func (s *State) decryptNext(h wire.AxolotlHeader, f Frame) ([]byte, error) {
	if h.Ns > s.params.MaxKeyGap {
		return nil, ErrGapTooLarge
	}

	dhOut, err := dh(s.dhRs.priv, h.DHRs)
	if err != nil {
		return nil, err
	}
	newRK, newNHKr, newCKr, err := deriveRatchetStep(s.rk, dhOut)
	if err != nil {
		return nil, err
	}
	matchedHK := s.nhKr

	ckRecv := newCKr
	var mk Key
	skips := make(map[uint32]Key, h.Ns)
	for i := uint32(0); i < h.Ns; i++ {
		ckRecv, mk = stepChain(ckRecv)
		skips[i] = mk
	}
	ckRecv, mk = stepChain(ckRecv)

	if !hmac.Equal(hmacTagSlice(matchedHK, h, f.Ciphertext), f.Tag[:]) {
		return nil, ErrUnauthenticated
	}
	plaintext, err := openPayload(mk, f.Ciphertext)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	// Authenticated: drain the remainder of the old receive chain, as
	// store_skipped_keys(HKr, up to PNp) requires, then commit the new
	// ratchet state and the skipped keys derived above.
	ck := s.cKr
	for i := s.nr; i < h.PNs; i++ {
		var oldMK Key
		ck, oldMK = stepChain(ck)
		s.skipped.store(s.hKr, i, oldMK)
	}
	for i, skippedMK := range skips {
		s.skipped.store(matchedHK, i, skippedMK)
	}

	s.rk = newRK
	s.hKr = matchedHK
	s.nhKr = newNHKr
	s.dhRr = h.DHRs
	s.cKr = ckRecv
	s.nr = h.Ns + 1
	s.ratchetAllowed = true
	return plaintext, nil
}

func hmacTagSlice(hk Key, h wire.AxolotlHeader, ciphertext []byte) []byte {
	tag := hmacTag(hk, h, ciphertext)
	return tag[:]
}

func openPayload(mk Key, ciphertext []byte) ([]byte, error) {
	key, nonce, err := messageAEAD(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
