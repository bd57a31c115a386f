// Package wire implements the CADET inner-frame and outer-frame wire
// formats described in spec.md §6.
package wire

import (
	"encoding/binary"
	"errors"
)

// InnerType identifies an inner (post-decryption) frame carried inside a
// TUNNEL_ENCRYPTED payload.
type InnerType uint16

const (
	ChannelKeepalive    InnerType = iota + 1 // CHANNEL_KEEPALIVE
	ChannelAppData                           // CHANNEL_APP_DATA
	ChannelAppDataAck                        // CHANNEL_APP_DATA_ACK
	ChannelOpen                              // CHANNEL_OPEN
	ChannelOpenAck                           // CHANNEL_OPEN_ACK
	ChannelOpenNack                          // CHANNEL_OPEN_NACK
	ChannelDestroy                           // CHANNEL_DESTROY
)

// innerHeaderSize is the 4-byte {u16 size, u16 type} prefix on every inner
// message (§6).
const innerHeaderSize = 4

// fixedBodySize is the 4-byte channel-number body shared by every inner
// frame type except CHANNEL_OPEN (which also carries a second u32, see
// Inner.Options) and CHANNEL_APP_DATA (variable payload).
const fixedBodySize = 4

var (
	ErrTruncated = errors.New("wire: truncated inner frame")
	ErrOversize  = errors.New("wire: inner frame exceeds declared size")
	ErrBadLength = errors.New("wire: inner frame has invalid length for its type")
)

// Inner is one decoded inner frame.
type Inner struct {
	Type    InnerType
	Channel uint32
	// Options carries CHANNEL_OPEN's second u32; zero otherwise. The
	// channel multiplexer fills it with the low 32 bits of the
	// destination port, so a channel's option flags are not sent.
	Options uint32
	// Payload carries CHANNEL_APP_DATA's variable body; nil otherwise.
	Payload []byte
}

// EncodeInner serialises a single inner frame.
func EncodeInner(in Inner) []byte {
	var body []byte
	switch in.Type {
	case ChannelOpen:
		body = make([]byte, 8)
		binary.BigEndian.PutUint32(body[0:4], in.Channel)
		binary.BigEndian.PutUint32(body[4:8], in.Options)
	case ChannelAppData:
		body = make([]byte, fixedBodySize+len(in.Payload))
		binary.BigEndian.PutUint32(body[0:4], in.Channel)
		copy(body[fixedBodySize:], in.Payload)
	default:
		body = make([]byte, fixedBodySize)
		binary.BigEndian.PutUint32(body[0:4], in.Channel)
	}
	total := innerHeaderSize + len(body)
	frame := make([]byte, total)
	binary.BigEndian.PutUint16(frame[0:2], uint16(total))
	binary.BigEndian.PutUint16(frame[2:4], uint16(in.Type))
	copy(frame[innerHeaderSize:], body)
	return frame
}

// DecodeInner parses one inner frame at the start of buf and returns the
// frame plus the number of bytes it consumed. Oversize or truncated inners
// abort parsing for the caller's frame, per §4.3's receive path.
func DecodeInner(buf []byte) (Inner, int, error) {
	if len(buf) < innerHeaderSize {
		return Inner{}, 0, ErrTruncated
	}
	size := int(binary.BigEndian.Uint16(buf[0:2]))
	typ := InnerType(binary.BigEndian.Uint16(buf[2:4]))
	if size < innerHeaderSize {
		return Inner{}, 0, ErrBadLength
	}
	if size > len(buf) {
		return Inner{}, 0, ErrTruncated
	}
	body := buf[innerHeaderSize:size]

	switch typ {
	case ChannelOpen:
		if len(body) != 8 {
			return Inner{}, 0, ErrBadLength
		}
		return Inner{
			Type:    typ,
			Channel: binary.BigEndian.Uint32(body[0:4]),
			Options: binary.BigEndian.Uint32(body[4:8]),
		}, size, nil
	case ChannelAppData:
		if len(body) < fixedBodySize {
			return Inner{}, 0, ErrBadLength
		}
		payload := append([]byte(nil), body[fixedBodySize:]...)
		return Inner{
			Type:    typ,
			Channel: binary.BigEndian.Uint32(body[0:4]),
			Payload: payload,
		}, size, nil
	case ChannelOpenAck, ChannelOpenNack, ChannelKeepalive, ChannelDestroy, ChannelAppDataAck:
		if len(body) != fixedBodySize {
			return Inner{}, 0, ErrBadLength
		}
		return Inner{
			Type:    typ,
			Channel: binary.BigEndian.Uint32(body[0:4]),
		}, size, nil
	default:
		return Inner{}, 0, ErrBadLength
	}
}

// DecodeAll decodes every inner frame in a decrypted tunnel payload. An
// error aborts the remainder of this outer frame but does not affect
// previously decoded frames already handed to the caller via fn.
func DecodeAll(buf []byte, fn func(Inner)) error {
	for len(buf) > 0 {
		in, n, err := DecodeInner(buf)
		if err != nil {
			return err
		}
		fn(in)
		buf = buf[n:]
	}
	return nil
}

// AxolotlHeaderSize is the wire size of the Axolotl header
// {u32 Ns, u32 PNs, 32-byte DHRs-public} (§6).
const AxolotlHeaderSize = 4 + 4 + 32

// AxolotlHeader is the plaintext form of the per-message ratchet header,
// decrypted from the outer TUNNEL_ENCRYPTED frame under HKs/HKr/NHKr.
type AxolotlHeader struct {
	Ns    uint32
	PNs   uint32
	DHRs  [32]byte // sender's current ratchet public key
}

// Encode serialises the header to its fixed 40-byte wire form.
func (h AxolotlHeader) Encode() []byte {
	buf := make([]byte, AxolotlHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Ns)
	binary.BigEndian.PutUint32(buf[4:8], h.PNs)
	copy(buf[8:], h.DHRs[:])
	return buf
}

// DecodeAxolotlHeader parses a fixed-size Axolotl header.
func DecodeAxolotlHeader(buf []byte) (AxolotlHeader, error) {
	if len(buf) != AxolotlHeaderSize {
		return AxolotlHeader{}, ErrBadLength
	}
	var h AxolotlHeader
	h.Ns = binary.BigEndian.Uint32(buf[0:4])
	h.PNs = binary.BigEndian.Uint32(buf[4:8])
	copy(h.DHRs[:], buf[8:])
	return h, nil
}

// KXFlags are the u32 flags carried in a TUNNEL_KX frame.
type KXFlags uint32

// ForceReply is bit 0 of a TUNNEL_KX frame's flags (§6).
const ForceReply KXFlags = 1 << 0

// KXFrame is the plaintext, signed key-exchange frame (§6).
type KXFrame struct {
	Flags     KXFlags
	Ephemeral [32]byte // kx_0 public
	Ratchet   [32]byte // DHRs public
}

// KXFrameSize is the fixed wire size of the flags+ephemeral+ratchet body,
// excluding the outer header and signature.
const KXFrameSize = 4 + 32 + 32

// Encode serialises a KX frame body.
func (k KXFrame) Encode() []byte {
	buf := make([]byte, KXFrameSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(k.Flags))
	copy(buf[4:36], k.Ephemeral[:])
	copy(buf[36:68], k.Ratchet[:])
	return buf
}

// DecodeKXFrame parses a KX frame body.
func DecodeKXFrame(buf []byte) (KXFrame, error) {
	if len(buf) != KXFrameSize {
		return KXFrame{}, ErrBadLength
	}
	var k KXFrame
	k.Flags = KXFlags(binary.BigEndian.Uint32(buf[0:4]))
	copy(k.Ephemeral[:], buf[4:36])
	copy(k.Ratchet[:], buf[36:68])
	return k, nil
}
