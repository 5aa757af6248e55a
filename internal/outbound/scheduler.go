package outbound

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/time/rate"

	"github.com/atemkit/atemnet/internal/proto"
	"github.com/atemkit/atemnet/internal/session"
)

// DefaultSendRate bounds the steady-state rate of outbound datagrams,
// absorbing the kind of simultaneous-retransmit burst that follows a
// brief stall without flooding the peer (§4.3 "Ack and retransmit";
// ack-coalescing is the common case this protects against — many
// payload packets with AckRequest arriving together would otherwise each
// want an immediate resend cycle).
const DefaultSendRate rate.Limit = 200

// defaultBurst is the token-bucket burst size paired with
// DefaultSendRate, generous enough that one MTU-packed datagram plus a
// handshake/ack never waits.
const defaultBurst = 8

// idleYield is how long the worker sleeps after a drain attempt finds
// nothing to send, to avoid busy-spinning (§4.4).
const idleYield = 500 * time.Microsecond

// Message is a control-traffic envelope submitted via DirectQueueMessage
// (§4.4, §3 OutboundMessage). Exactly one of Raw or Block should be set:
// Raw is a fully pre-framed datagram (handshake, ack-only) sent verbatim;
// Block is a serialized command block that still needs a session-assigned
// packet id, sent in its own datagram rather than packed with others.
type Message struct {
	Raw   []byte
	Block []byte
}

// Sender is the subset of *transport.Socket the scheduler needs, kept as an
// interface for unit testing without a real UDP socket.
type Sender interface {
	Send([]byte) error
}

// Scheduler drains the unique-keyed queue and the control FIFO, packs
// queued command blocks into MTU-budgeted datagrams via the session, and
// writes them to the socket (§4.4).
type Scheduler struct {
	Unique *UniqueQueue[string, []byte]
	Direct *FIFO[Message]

	sess *session.Session
	sock Sender

	mtuBudget          int
	retransmitInterval time.Duration
	limiter            *rate.Limiter
}

// NewScheduler constructs a scheduler bound to a session and sender,
// paced by DefaultSendRate.
func NewScheduler(sess *session.Session, sock Sender, mtuBudget int, retransmitInterval time.Duration) *Scheduler {
	return NewSchedulerWithRate(sess, sock, mtuBudget, retransmitInterval, DefaultSendRate, defaultBurst)
}

// NewSchedulerWithRate is NewScheduler with an explicit send-rate budget,
// for callers connecting to peers with different burst tolerance.
func NewSchedulerWithRate(sess *session.Session, sock Sender, mtuBudget int, retransmitInterval time.Duration, sendRate rate.Limit, burst int) *Scheduler {
	return &Scheduler{
		Unique:             NewUniqueQueue[string, []byte](),
		Direct:             NewFIFO[Message](),
		sess:               sess,
		sock:               sock,
		mtuBudget:          mtuBudget,
		retransmitInterval: retransmitInterval,
		limiter:            rate.NewLimiter(sendRate, burst),
	}
}

// HasQueuedOutbound reports whether any work is pending submission,
// backing the has_queued_outbound() application surface (§6). It does not
// include packets already handed to the socket and merely awaiting ack —
// see session.Session.HasQueuedOutbound for that.
func (s *Scheduler) HasQueuedOutbound() bool {
	return s.Unique.Len() > 0 || s.Direct.Len() > 0
}

// Run drains the scheduler until ctx is cancelled, then returns nil. The
// pacing wait before each send also observes ctx, so once ctx is
// cancelled no further datagram is written, even if a drain pass is still
// under way. While the session is Timedout, the worker parks rather than
// sending (§4.4).
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if s.sess.State() == session.Timedout {
			if ctx.Err() != nil {
				return nil
			}
			time.Sleep(idleYield)
			continue
		}

		did := s.drainDirect(ctx)
		did = s.drainUnique(ctx) || did

		if ctx.Err() != nil {
			return nil
		}
		if !did {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleYield):
			}
		}
	}
}

// drainDirect sends every currently-pending control message. Each gets its
// own datagram (§4.4 "Control traffic ... is never packed alongside queued
// commands"). A Raw message (handshake, ack-only) is never framed through
// the retransmit table and so never waits on window room — gating those
// could deadlock the very acks that free room up. A Block message does
// take a retransmit slot like a packed command does, so it waits for room
// the same way, PushFront-ing itself back rather than being dropped.
func (s *Scheduler) drainDirect(ctx context.Context) bool {
	sent := false
	for {
		msg, ok := s.Direct.TryPop()
		if !ok {
			return sent
		}
		var datagram []byte
		switch {
		case msg.Raw != nil:
			datagram = msg.Raw
		case msg.Block != nil:
			if s.sess.SendRoom() <= 0 {
				s.Direct.PushFront(msg)
				return sent
			}
			datagram = s.sess.PrepareDataPacket(time.Now(), msg.Block, true, s.retransmitInterval)
		default:
			continue
		}
		sent = true
		if err := s.limiter.Wait(ctx); err != nil {
			return sent
		}
		if err := s.sock.Send(datagram); err != nil {
			dlog.Debugf(ctx, "outbound: direct send failed: %v", err)
		}
	}
}

// drainUnique packs as many pending unique-keyed command blocks as fit
// under the MTU budget into one datagram, repeating until the queue is
// empty or the session's retransmit table is out of room (§4.4 "packing",
// SPEC_FULL §4.3 "Window size"). Packing only ever reduces the number of
// datagrams a given set of blocks turns into, never increases it, so
// capping how many blocks get taken at the current room is a safe bound
// on how many new datagrams this pass can produce — blocks left beyond
// that stay queued under their key for the next pass, once an ack has
// freed room.
func (s *Scheduler) drainUnique(ctx context.Context) bool {
	sent := false
	var pending [][]byte
	for len(pending) < s.sess.SendRoom() {
		block, ok := s.Unique.TryTake()
		if !ok {
			break
		}
		pending = append(pending, block)
	}
	for len(pending) > 0 {
		var packed []byte
		packed, pending = proto.PackBlocks(pending, s.mtuBudget)
		if len(packed) == 0 {
			// A single block exceeds the budget on its own; send it alone
			// rather than drop it.
			packed = pending[0]
			pending = pending[1:]
		}
		datagram := s.sess.PrepareDataPacket(time.Now(), packed, true, s.retransmitInterval)
		if err := s.limiter.Wait(ctx); err != nil {
			return sent
		}
		if err := s.sock.Send(datagram); err != nil {
			dlog.Debugf(ctx, "outbound: send failed: %v", err)
		}
		sent = true
	}
	return sent
}
