// Package transport owns the single bound UDP endpoint used to talk to a
// switcher. It is a leaf component: it knows nothing of sessions, packet
// ids, or command framing (§4.1).
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

// DevicePort is the fixed UDP port switchers in this family listen on.
const DevicePort = 9910

// recvBufferBytes sizes the OS receive buffer for bursts (§4.1, ~75 KB).
const recvBufferBytes = 75 * 1024

// maxDatagramBytes bounds a single Recv read; comfortably above any MTU the
// outbound scheduler will ever produce.
const maxDatagramBytes = 2048

// Socket owns one UDP endpoint bound to an ephemeral local port, talking to
// a single fixed peer.
type Socket struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	closeOnce sync.Once
	closed    chan struct{}
}

// Open binds an ephemeral local UDP port and resolves the peer at
// host:DevicePort.
func Open(host string) (*Socket, error) {
	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(DevicePort)))
	if err != nil {
		return nil, errors.Wrap(err, "transport: resolve peer address")
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "transport: open local socket")
	}
	if err := conn.SetReadBuffer(recvBufferBytes); err != nil {
		// Some platforms/containers cap this below what we ask for; that's
		// not fatal, just less headroom for bursts.
		dlog.Debugf(context.Background(), "transport: SetReadBuffer: %v", err)
	}
	return &Socket{conn: conn, peer: peer, closed: make(chan struct{})}, nil
}

// Send writes bytes to the peer. It is non-blocking, best-effort: OS-level
// backpressure (a full send buffer) surfaces as an error rather than
// blocking the caller. Retransmission on failure is owned by the session
// layer, not here.
func (s *Socket) Send(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.peer)
	return err
}

// Recv blocks until a datagram arrives, a read error occurs, or the socket
// is closed; cancelling ctx alone does not interrupt a pending read, it is
// only consulted to classify the error once the read fails. buf is the
// caller-supplied (typically pooled) scratch buffer; the
// returned slice aliases it. It does not return the sender's address: a
// Socket is bound to one fixed peer (Open's host:DevicePort) for its whole
// lifetime, so every datagram it reads is assumed to be from that peer.
func (s *Socket) Recv(ctx context.Context, buf []byte) ([]byte, error) {
	if len(buf) < maxDatagramBytes {
		buf = make([]byte, maxDatagramBytes)
	}
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-s.closed:
			// Disposal in progress: absorb silently (§7 "Disposal during I/O").
			return nil, errClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return buf[:n], nil
}

var errClosed = errors.New("transport: socket closed")

// IsClosed reports whether err is the sentinel returned by Recv after Close
// was called, letting callers distinguish expected shutdown noise from real
// transient errors (§7).
func IsClosed(err error) bool { return errors.Is(err, errClosed) }

// Close closes the underlying connection, unblocking any pending Recv.
// Idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// LocalAddr returns the bound local address, mostly useful for logging.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }
