// Package session implements the transport state machine of §4.3: the
// handshake, session-id negotiation, packet acknowledgement, retransmit
// bookkeeping, reordering, and liveness tracking for a single switcher
// connection. It is the one piece of shared mutable state in the core
// (§5); every exported method takes the connection lock for the minimum
// region it needs.
package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/atemkit/atemnet/internal/proto"
)

// DefaultWindowSize bounds how many unacked packets may be in flight at
// once (§3 Retransmit table invariant).
const DefaultWindowSize = 256

// reorderLimit bounds how many out-of-order datagrams the reorder buffer
// will hold before the oldest is dropped; a connection this far behind is
// about to time out anyway.
const reorderLimit = 512

// outboundRecord is the retransmit table's per-packet-id record (§3).
type outboundRecord struct {
	payload   []byte // the command-bearing payload bytes, unframed
	ackFlag   bool   // whether this packet requests an ack
	firstSend time.Time
	deadline  time.Time
	retries   int
}

// Session holds all per-connection state. The zero value is not usable;
// construct with New.
type Session struct {
	mu sync.Mutex

	rnd *rand.Rand

	state           State
	sessionID       uint16
	everEstablished bool

	localPktID uint16

	gotFirstInbound bool
	nextExpected    uint16 // next remote pkt id expected in order
	lastDelivered   uint16 // last pkt id actually delivered (valid once gotFirstInbound)

	reorder map[uint16][]byte

	retransmit  map[uint16]*outboundRecord
	windowSize  int

	ackOwed   bool
	lastRecv  time.Time

	sentCount       uint64
	recvCount       uint64
	retransmitCount uint64
	ackedCount      uint64
	rttEstimate     time.Duration
}

// New constructs a Session in the Fresh state with a randomly chosen
// client-side session id.
func New(rnd *rand.Rand) *Session {
	s := &Session{
		rnd:        rnd,
		reorder:    make(map[uint16][]byte),
		retransmit: make(map[uint16]*outboundRecord),
		windowSize: DefaultWindowSize,
	}
	s.sessionID = s.randomSessionID()
	return s
}

func (s *Session) randomSessionID() uint16 {
	return uint16(s.rnd.Intn(0x8000))
}

// SetWindowSize overrides the in-flight window used by ack coverage checks
// (§3). Intended to be called once, right after New, from configuration.
func (s *Session) SetWindowSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowSize = n
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the locally held session id (ours until the peer
// overrides it, §3).
func (s *Session) SessionID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Handshake transitions Fresh/Timedout -> Handshaking and returns the fixed
// 20-byte handshake datagram (§4.3). Safe to call again to re-send the same
// handshake without changing the session id.
func (s *Session) Handshake() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Handshaking
	return proto.HandshakeDatagram(s.sessionID)
}

// Reconnect resets all per-session state, chooses a fresh random session
// id, and returns a new handshake datagram (§4.3 "Liveness": reconnect
// triggers). It does not touch everEstablished, since that tracks whether
// on_disconnected should ever fire, across reconnects.
func (s *Session) Reconnect() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = s.randomSessionID()
	s.state = Handshaking
	s.localPktID = 0
	s.gotFirstInbound = false
	s.nextExpected = 0
	s.lastDelivered = 0
	s.reorder = make(map[uint16][]byte)
	s.retransmit = make(map[uint16]*outboundRecord)
	s.ackOwed = false
	s.lastRecv = time.Time{}
	return proto.HandshakeDatagram(s.sessionID)
}

// Close moves the session to its terminal state. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
}

// InboundResult reports what HandleInbound learned from one datagram.
type InboundResult struct {
	HandshakeCompleted bool
	SessionAdopted     bool
	NewSessionID       uint16
	Duplicate          bool
	Deliverable        [][]byte // contiguous payloads now ready for decode, in order
}

// HandleInbound applies one inbound datagram to the session: session id
// adoption (§3), ack processing and retransmit-table pruning (§4.3), and
// reordering (§4.3 "Reordering"). now is the receive timestamp used to
// refresh liveness.
func (s *Session) HandleInbound(now time.Time, dg proto.Datagram) InboundResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRecv = now
	s.recvCount++

	var res InboundResult

	if dg.Header.SessionID != s.sessionID {
		res.SessionAdopted = true
		res.NewSessionID = dg.Header.SessionID
		s.sessionID = dg.Header.SessionID
	}

	if dg.Header.HasFlag(proto.FlagAck) {
		s.applyAckLocked(now, dg.Header.AckedPktID)
	}

	if dg.Header.HasFlag(proto.FlagNewSessionID) {
		// A handshake-type datagram carries no business command payload
		// (§4.3); its packet id establishes the reorder baseline directly
		// rather than flowing through the reorder buffer.
		if s.state == Handshaking {
			s.state = Established
			s.everEstablished = true
			res.HandshakeCompleted = true
		}
		s.gotFirstInbound = true
		s.lastDelivered = dg.Header.PktID
		s.nextExpected = proto.NextSeq(dg.Header.PktID)
	} else if len(dg.Payload) > 0 {
		res.Deliverable, res.Duplicate = s.reorderLocked(dg.Header.PktID, dg.Payload)
	}

	if dg.Header.HasFlag(proto.FlagAckRequest) {
		s.ackOwed = true
	}

	return res
}

// applyAckLocked removes every in-flight id covered by acked (§3 Retransmit
// table invariant #2; §4.3 "Ack and retransmit"), folding each cleared
// record's send-to-ack latency into the RTT estimate. Caller holds s.mu.
func (s *Session) applyAckLocked(now time.Time, acked uint16) {
	for id, rec := range s.retransmit {
		if proto.SeqWithin(acked, id, int32(s.windowSize)) {
			s.updateRTTLocked(now.Sub(rec.firstSend))
			delete(s.retransmit, id)
			s.ackedCount++
		}
	}
}

// updateRTTLocked folds one round-trip sample into the smoothed RTT
// estimate using the same EWMA shape as kcp-go's update_ack: the first
// sample seeds the estimate directly, later samples are blended in at a
// fixed 1/8 weight. A retransmitted packet's ack is ambiguous about which
// send it covers; this module does not track per-retry send times, so a
// retried packet's sample is measured from its first send and included
// like any other. Caller holds s.mu.
func (s *Session) updateRTTLocked(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if s.rttEstimate == 0 {
		s.rttEstimate = sample
		return
	}
	s.rttEstimate += (sample - s.rttEstimate) / 8
}

// reorderLocked gates delivery on contiguous packet-id arrival. Caller
// holds s.mu.
func (s *Session) reorderLocked(pktID uint16, payload []byte) (deliverable [][]byte, duplicate bool) {
	if !s.gotFirstInbound {
		s.gotFirstInbound = true
		s.nextExpected = pktID
	}

	switch {
	case pktID == s.nextExpected:
		deliverable = append(deliverable, payload)
		s.lastDelivered = pktID
		s.nextExpected = proto.NextSeq(pktID)
		deliverable = append(deliverable, s.drainReorderLocked()...)
	case proto.SeqPrecedes(pktID, s.nextExpected):
		// Already delivered or already known stale: duplicate. Ack is still
		// honored (handled by the caller via the Ack flag above); payload
		// is dropped.
		duplicate = true
	default:
		if len(s.reorder) < reorderLimit {
			// payload is a zero-copy slice into the caller's receive buffer,
			// which is recycled into the pool as soon as the current
			// datagram has been handled — but this entry must survive until
			// a later arrival fills the gap, so it needs its own backing
			// array rather than aliasing the pool's.
			stored := make([]byte, len(payload))
			copy(stored, payload)
			s.reorder[pktID] = stored
		}
	}
	return deliverable, duplicate
}

// drainReorderLocked releases any packets from the reorder buffer that are
// now contiguous with s.nextExpected. Caller holds s.mu.
func (s *Session) drainReorderLocked() [][]byte {
	var out [][]byte
	for {
		payload, ok := s.reorder[s.nextExpected]
		if !ok {
			break
		}
		delete(s.reorder, s.nextExpected)
		out = append(out, payload)
		s.lastDelivered = s.nextExpected
		s.nextExpected = proto.NextSeq(s.nextExpected)
	}
	return out
}

// PrepareDataPacket assigns the next outbound packet id to payload, frames
// it into a full datagram, and — if ackFlag is set — records it in the
// retransmit table with a deadline of now+retransmitInterval (§4.3 "Ack and
// retransmit", §3 OutboundMessage).
func (s *Session) PrepareDataPacket(now time.Time, payload []byte, ackFlag bool, retransmitInterval time.Duration) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	pktID := s.localPktID
	s.localPktID = proto.NextSeq(s.localPktID)

	flags := uint8(0)
	if ackFlag {
		flags |= proto.FlagAckRequest
	}
	h := proto.Header{
		Flags:      flags,
		SessionID:  s.sessionID,
		AckedPktID: s.lastDelivered,
		PktID:      pktID,
	}
	datagram := proto.SerializeDatagram(h, payload)
	s.sentCount++

	if ackFlag {
		s.retransmit[pktID] = &outboundRecord{
			payload:   payload,
			ackFlag:   ackFlag,
			firstSend: now,
			deadline:  now.Add(retransmitInterval),
			retries:   0,
		}
	}
	return datagram
}

// AckOwed reports whether an ack is due (§4.3 "Ack emission") and, if so,
// clears the flag and returns the ack-only datagram to send.
func (s *Session) AckOwed(now time.Time) (datagram []byte, owed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ackOwed {
		return nil, false
	}
	s.ackOwed = false
	return proto.AckOnlyDatagram(s.sessionID, s.lastDelivered), true
}

// ImmediateAck always returns an ack-only datagram regardless of whether
// one is owed, for the "immediate ack" sent on handshake completion
// (§4.3).
func (s *Session) ImmediateAck() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackOwed = false
	return proto.AckOnlyDatagram(s.sessionID, s.lastDelivered)
}

// DueRetransmits scans the retransmit table for packets whose deadline has
// elapsed, re-serializes them with IsRetransmit set and an extended
// deadline, bumps their retry count, and returns the resend bytes in no
// particular order — the table has no cross-packet ordering invariant that
// a resend sweep needs to respect (§4.3: "re-sent ... its retry count is
// incremented but the packet is never dropped for age alone").
func (s *Session) DueRetransmits(now time.Time, retransmitInterval time.Duration) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for id, rec := range s.retransmit {
		if now.Before(rec.deadline) {
			continue
		}
		flags := uint8(proto.FlagIsRetransmit)
		if rec.ackFlag {
			flags |= proto.FlagAckRequest
		}
		h := proto.Header{
			Flags:      flags,
			SessionID:  s.sessionID,
			AckedPktID: s.lastDelivered,
			PktID:      id,
		}
		out = append(out, proto.SerializeDatagram(h, rec.payload))
		rec.retries++
		rec.deadline = now.Add(retransmitInterval)
		s.retransmitCount++
	}
	return out
}

// CheckTimeout reports whether the connection has been silent longer than
// timeoutInterval and, if so, moves it to Timedout (§4.3 "Liveness"). The
// caller is responsible for firing on_disconnected (only if WasEstablished
// returns true) and then calling Reconnect.
func (s *Session) CheckTimeout(now time.Time, timeoutInterval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Handshaking && s.state != Established {
		return false
	}
	if s.lastRecv.IsZero() {
		// Haven't heard from the peer at all yet; measure from when we'd
		// have last reset lastRecv, which a Reconnect leaves zero. Treat
		// zero as "just started" by seeding it lazily on first check.
		s.lastRecv = now
		return false
	}
	if now.Sub(s.lastRecv) <= timeoutInterval {
		return false
	}
	s.state = Timedout
	return true
}

// WasEstablished reports whether this session (across any reconnects) has
// ever completed a handshake, gating on_disconnected (§4.3, §7).
func (s *Session) WasEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everEstablished
}

// HasQueuedOutbound reports whether any packet is currently awaiting ack,
// backing the has_queued_outbound() application surface (§6).
func (s *Session) HasQueuedOutbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retransmit) > 0
}

// SendRoom reports how many more ack-tracked datagrams may be sent before
// the in-flight retransmit table reaches its configured window (§3
// "Retransmit table invariant", SPEC_FULL §4.3 "Window size"). A peer that
// stalls or stops acking must not let the table grow without bound — the
// scheduler calls this before packing a new datagram and defers when it
// returns zero, rather than assigning another packet id the table has no
// room to track.
func (s *Session) SendRoom() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.windowSize - len(s.retransmit)
	if room < 0 {
		return 0
	}
	return room
}

// Snapshot returns a point-in-time Stats read, cheap enough to poll (§
// SPEC_FULL "Connection statistics surface").
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:                s.state,
		SessionID:            s.sessionID,
		PacketsSent:          s.sentCount,
		PacketsReceived:      s.recvCount,
		PacketsRetransmitted: s.retransmitCount,
		PacketsAcked:         s.ackedCount,
		ReorderBufferDepth:   len(s.reorder),
		InFlightCount:        len(s.retransmit),
		RTTEstimate:          int64(s.rttEstimate),
	}
}
