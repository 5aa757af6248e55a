package proto

// helloPayload is the fixed 8-byte suffix that follows the header in a
// handshake datagram. Its meaning is opaque to this module (decoding
// specific command payloads is out of scope); it is carried as a named
// constant rather than inlined magic bytes.
var helloPayload = [8]byte{0x01, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}

// handshakeUnknownB is the magic value the client places in the header's
// unknown_b field on the initial handshake datagram.
const handshakeUnknownB = 0x0068

// HandshakeDatagram builds the fixed 20-byte handshake datagram for the
// given client-chosen session id (§4.3).
func HandshakeDatagram(sessionID uint16) []byte {
	h := Header{
		Flags:      FlagNewSessionID,
		SessionID:  sessionID,
		AckedPktID: 0,
		UnknownA:   0,
		UnknownB:   handshakeUnknownB,
		PktID:      0,
	}
	return SerializeDatagram(h, helloPayload[:])
}

// AckOnlyDatagram builds a header-only datagram with the Ack flag set and
// acked set to the last-delivered packet id (§4.3 "Ack emission").
func AckOnlyDatagram(sessionID, acked uint16) []byte {
	h := Header{
		Flags:      FlagAck,
		SessionID:  sessionID,
		AckedPktID: acked,
	}
	return SerializeDatagram(h, nil)
}
