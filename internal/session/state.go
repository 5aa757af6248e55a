package session

// State is a connection's position in the handshake/liveness state machine
// (§4.3).
type State int32

const (
	Fresh State = iota
	Handshaking
	Established
	Timedout
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "FRESH"
	case Handshaking:
		return "HANDSHAKING"
	case Established:
		return "ESTABLISHED"
	case Timedout:
		return "TIMEDOUT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stats is a read-only snapshot of connection counters, the basis for the
// Stats surface exposed to applications (SPEC_FULL §"Supplemented
// features").
type Stats struct {
	State             State
	SessionID         uint16
	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsRetransmitted uint64
	PacketsAcked      uint64
	ReorderBufferDepth int
	InFlightCount     int
	RTTEstimate       int64 // nanoseconds; zero if unknown
}
