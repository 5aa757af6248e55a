// Package proto implements the wire framing of the switcher control
// protocol: the fixed 12-byte transport header and the length-prefixed
// command blocks carried in its payload. It has no knowledge of what any
// particular command means — that's left to the codec registry the
// dispatcher consults (see the root package's CommandType interface).
package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size, in bytes, of the transport header.
const HeaderLen = 12

// Flag bits carried in the top 5 bits of byte 0 of the header.
const (
	FlagAckRequest       = 0x01
	FlagNewSessionID     = 0x02 // a.k.a. Init
	FlagIsRetransmit     = 0x04
	FlagRequestRetransmit = 0x08
	FlagAck              = 0x10
)

// ErrShortHeader is returned when a datagram is too small to contain a
// transport header.
var ErrShortHeader = errors.New("proto: datagram shorter than header")

// ErrLengthMismatch is returned when the header's declared length disagrees
// with the actual datagram length (§4.2: the packet is discarded).
var ErrLengthMismatch = errors.New("proto: header length disagrees with datagram size")

// Header is the decoded form of the 12-byte transport header.
type Header struct {
	Flags       uint8
	Length      uint16 // 11 bits; counts the entire packet including header
	SessionID   uint16 // 15 bits
	AckedPktID  uint16 // 15 bits
	UnknownA    uint16
	UnknownB    uint16 // carries a magic value on handshake
	PktID       uint16 // 15 bits
}

func (h Header) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// ParseHeader decodes the first HeaderLen bytes of buf. It does not check
// Length against len(buf); callers validate that separately once the full
// datagram is available (ParseDatagram does this).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	b0, b1 := buf[0], buf[1]
	return Header{
		Flags:      b0 >> 3,
		Length:     (uint16(b0&0x07) << 8) | uint16(b1),
		SessionID:  binary.BigEndian.Uint16(buf[2:4]) & 0x7fff,
		AckedPktID: binary.BigEndian.Uint16(buf[4:6]) & 0x7fff,
		UnknownA:   binary.BigEndian.Uint16(buf[6:8]),
		UnknownB:   binary.BigEndian.Uint16(buf[8:10]),
		PktID:      binary.BigEndian.Uint16(buf[10:12]) & 0x7fff,
	}, nil
}

// PutHeader serializes h into the first HeaderLen bytes of buf, which must
// be at least HeaderLen long.
func PutHeader(buf []byte, h Header) {
	buf[0] = (h.Flags << 3) | byte((h.Length>>8)&0x07)
	buf[1] = byte(h.Length)
	binary.BigEndian.PutUint16(buf[2:4], h.SessionID&0x7fff)
	binary.BigEndian.PutUint16(buf[4:6], h.AckedPktID&0x7fff)
	binary.BigEndian.PutUint16(buf[6:8], h.UnknownA)
	binary.BigEndian.PutUint16(buf[8:10], h.UnknownB)
	binary.BigEndian.PutUint16(buf[10:12], h.PktID&0x7fff)
}

// Datagram is a fully decoded inbound datagram: its header plus the raw
// payload bytes (still-encoded command blocks).
type Datagram struct {
	Header  Header
	Payload []byte
}

// ParseDatagram validates that the header's declared Length matches the
// datagram size (§4.2) and splits off the payload.
func ParseDatagram(buf []byte) (Datagram, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Datagram{}, err
	}
	if int(h.Length) != len(buf) {
		return Datagram{}, ErrLengthMismatch
	}
	return Datagram{Header: h, Payload: buf[HeaderLen:]}, nil
}

// SerializeDatagram renders h followed by payload into a single buffer and
// fixes up h.Length to the resulting size before encoding the header.
func SerializeDatagram(h Header, payload []byte) []byte {
	h.Length = uint16(HeaderLen + len(payload))
	buf := make([]byte, h.Length)
	PutHeader(buf, h)
	copy(buf[HeaderLen:], payload)
	return buf
}

// SeqPrecedes reports whether a comes strictly before b in the 15-bit
// modular packet-id space, using signed-difference-modulo-wraparound
// comparison (§3).
func SeqPrecedes(a, b uint16) bool {
	return SeqDiff(b, a) > 0
}

// SeqDiff returns (a - b) interpreted as a signed value modulo 2^15, in the
// range [-16384, 16383]. A positive result means a is "ahead of" b.
func SeqDiff(a, b uint16) int32 {
	d := (int32(a) - int32(b)) & 0x7fff
	if d >= 0x4000 {
		d -= 0x8000
	}
	return d
}

// SeqWithin reports whether the modular distance of acked "ahead of" i is
// within [0, window) — i.e. i is covered by an ack of acked with the given
// window size (§4.3 "Ack and retransmit").
func SeqWithin(acked, i uint16, window int32) bool {
	d := SeqDiff(acked, i)
	return d >= 0 && d < window
}

// NextSeq returns id+1 modulo 2^15.
func NextSeq(id uint16) uint16 {
	return (id + 1) & 0x7fff
}
