// Package identity implements the external identity-provider contract of
// spec.md §6: a long-term signing key, peer-id comparison, and 32-byte
// public-key serialisation. An embedding peer process hands CADET its
// long-term key through New; Generate makes an ephemeral one, which the
// tests and the cmd/cadet demo binary use.
//
// Grounded on the katzenpost ratchet package's use of ed25519 long-term
// keys to sign CreateKeyExchange/ProcessKeyExchange material.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrVerification is returned when a TUNNEL_KX signature does not match
// the claimed signer.
var ErrVerification = errors.New("identity: signature verification failed")

// PeerID is the 32-byte public identity of a peer, serialised exactly as
// it appears on the wire.
type PeerID [32]byte

// Bytes returns the peer-id's wire representation.
func (p PeerID) Bytes() []byte { return p[:] }

// String renders a short hex prefix, useful in log lines.
func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:8])
}

// Less implements the Alice/Bob tie-break comparison spec.md §4.1 relies
// on: the lexicographically smaller peer-id is Alice.
func (p PeerID) Less(other PeerID) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// Provider is the long-term signing identity of the local peer.
type Provider struct {
	priv ed25519.PrivateKey
	pub  PeerID
}

// New wraps an existing long-term ed25519 key pair, as handed down by the
// surrounding peer process (GNUnet's PEERINFO/IDENTITY service in the
// original; here, whatever process embeds this module).
func New(priv ed25519.PrivateKey) (*Provider, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: bad private key length")
	}
	var pub PeerID
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Provider{priv: priv, pub: pub}, nil
}

// Generate creates a fresh ephemeral identity; used by tests and
// standalone tools, never by a production peer (which is handed a
// persistent key by the embedding process).
func Generate() (*Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var id PeerID
	copy(id[:], pub)
	return &Provider{priv: priv, pub: id}, nil
}

// PeerID returns the local long-term public identity.
func (p *Provider) PeerID() PeerID { return p.pub }

// Sign signs the ephemeral (kx_0) public key carried in an outgoing
// TUNNEL_KX frame, per spec.md §6: "Signature is the peer's long-term
// signing key on the ephemeral."
func (p *Provider) Sign(ephemeral [32]byte) []byte {
	return ed25519.Sign(p.priv, ephemeral[:])
}

// Verify checks a TUNNEL_KX signature against the claimed signer's
// public identity.
func Verify(signer PeerID, ephemeral [32]byte, signature []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), ephemeral[:], signature) {
		return ErrVerification
	}
	return nil
}
