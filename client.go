// Package atemnet is the client-side networking core for the UDP-based
// control protocol of a family of broadcast video switchers: handshake,
// session negotiation, ack/retransmit/reorder, and a unique-keyed
// outbound queue, driven by four cooperating duties against one shared
// connection (§5). Command-payload decoding, and any switcher-feature
// business logic, are external collaborators — see CommandType and
// Collaborator.
package atemnet

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atemkit/atemnet/internal/dispatch"
	"github.com/atemkit/atemnet/internal/metrics"
	"github.com/atemkit/atemnet/internal/outbound"
	"github.com/atemkit/atemnet/internal/proto"
	"github.com/atemkit/atemnet/internal/session"
	"github.com/atemkit/atemnet/internal/transport"
)

// Registry is the codec registry collaborator interface fixed by §6,
// re-exported so application code can build one without an internal
// import.
type Registry = dispatch.Registry

// NewRegistry constructs an empty codec registry.
func NewRegistry() *Registry { return dispatch.NewRegistry() }

// rawDatagram is what the receive duty hands to the handle duty.
type rawDatagram struct {
	at  time.Time
	buf []byte
}

// Client is one connection to a switcher peer. Construct with Construct;
// the zero value is not usable.
type Client struct {
	id      string // diagnostic correlation id, not protocol-visible
	address string
	cfg     Config

	sock   *transport.Socket
	sess   *session.Session
	sched  *outbound.Scheduler
	disp   *dispatch.Dispatcher
	met    *metrics.Metrics
	metReg prometheus.Registerer

	buffers *transport.BufferPool
	inbound chan rawDatagram

	collaborator Collaborator

	onConnected    func()
	onDisconnected func()

	mu         sync.Mutex
	connecting bool
	cancel     context.CancelFunc
	stopped    chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCollaborator installs the data-transfer collaborator (§6). Its
// Reset is invoked on every handshake completion, its Dispose at
// teardown.
func WithCollaborator(c Collaborator) Option {
	return func(cl *Client) { cl.collaborator = c }
}

// WithMetricsRegisterer registers the connection's Prometheus collectors
// against reg. If not supplied, metrics are tracked but not exported.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(cl *Client) { cl.metReg = reg }
}

// Construct builds a Client bound to address (§6 "Construct with
// (address, auto_connect)"). If autoConnect is true, Connect is invoked
// immediately against context.Background with the default logger attached
// (WithDefaultLogging); callers that need cancellation or logging context
// propagation should pass autoConnect=false and call Connect(ctx)
// themselves.
func Construct(address string, cfg Config, autoConnect bool, registry *Registry, opts ...Option) (*Client, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	cl := &Client{
		id:      uuid.NewString(),
		address: address,
		cfg:     cfg,
		sess:    session.New(rand.New(rand.NewSource(time.Now().UnixNano()))),
		buffers: transport.NewBufferPool(2048),
		inbound: make(chan rawDatagram, 64),
	}
	for _, opt := range opts {
		opt(cl)
	}
	cl.met = metrics.New(cl.metReg, metrics.Source{Stats: cl.sess.Snapshot})
	cl.sess.SetWindowSize(cfg.WindowSize)
	cl.disp = dispatch.New(registry, cl.collaborator, nil)

	if autoConnect {
		if err := cl.Connect(WithDefaultLogging(context.Background())); err != nil {
			return nil, err
		}
	}
	return cl, nil
}

// OnReceive sets the callback invoked with each batch of commands not
// claimed by the collaborator (§6).
func (c *Client) OnReceive(fn func([]Command)) { c.disp.OnReceive(fn) }

// OnReceivePacket sets the raw protocol-observer callback, invoked once
// per inbound datagram before command decoding (§6, SUPPLEMENTED
// FEATURES #1).
func (c *Client) OnReceivePacket(fn func(proto.Header, []byte)) { c.disp.OnReceivePacket(fn) }

// OnConnected sets the callback fired each time the handshake completes
// (initial connect or any later reconnect).
func (c *Client) OnConnected(fn func()) { c.onConnected = fn }

// OnDisconnected sets the callback fired when a previously-established
// connection times out (§7: only if it was ever established).
func (c *Client) OnDisconnected(fn func()) { c.onDisconnected = fn }

// ConnectionVersion returns the protocol version negotiated from the
// peer's version-advertisement command, or 0 before negotiation (§6).
func (c *Client) ConnectionVersion() int32 { return c.disp.ConnectionVersion() }

// HasQueuedOutbound reports whether any outbound work — queued but
// unsent, or sent but unacked — is currently pending (§6). Before the
// first Connect, nothing is queued yet.
func (c *Client) HasQueuedOutbound() bool {
	if c.sched == nil {
		return false
	}
	return c.sched.HasQueuedOutbound() || c.sess.HasQueuedOutbound()
}

// Stats returns a point-in-time snapshot of connection counters
// (SUPPLEMENTED FEATURES #2).
func (c *Client) Stats() session.Stats { return c.sess.Snapshot() }

// SendCommand submits a command for transmission through the
// unique-keyed queue, collapsing any update still pending under the
// same queue key (§6 "send_command(cmd)", §4.4). block is the complete
// serialized command block, its 8-byte block header included (the
// application owns encoding; the core packs blocks into datagrams and
// assigns packet ids, but does not add the block header).
func (c *Client) SendCommand(cmd CommandType, block []byte) {
	if c.sched == nil {
		return
	}
	c.sched.Unique.Enqueue(cmd.QueueKey(), block)
}

// DirectQueueMessage submits a control message — a raw pre-framed
// datagram, or a command block that must bypass collapsing — through
// the strictly-FIFO direct queue (§6, §4.4).
func (c *Client) DirectQueueMessage(msg outbound.Message) {
	if c.sched == nil {
		return
	}
	c.sched.Direct.Push(msg)
}

// Connect starts the four duties and sends the initial handshake.
// Idempotent: a second call while already connecting or connected
// returns nil without doing anything. The return value does not tell
// such a call apart from one that started the connection; only a failure
// to open the socket is reported, as a non-nil error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	runCtx, cancel := context.WithCancel(dcontext.WithSoftness(dcontext.HardContext(ctx)))
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	sock, err := transport.Open(c.address)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return err
	}
	c.sock = sock
	c.sched = outbound.NewScheduler(c.sess, c.sock, c.cfg.MTUBudget, c.cfg.RetransmitInterval)
	c.met.Bind(metrics.Source{Stats: c.sess.Snapshot, QueueDepth: c.sched.Unique.Len})

	g := dgroup.NewGroup(runCtx, dgroup.GroupConfig{
		SoftShutdownTimeout: 2 * time.Second,
		ShutdownOnNonError:  true,
	})
	dlog.Infof(runCtx, "atemnet: connecting to %s (connection %s)", c.address, c.id)

	g.Go("receive", c.receiveDuty)
	g.Go("handle", c.handleDuty)
	g.Go("send", c.sched.Run)
	g.Go("timers", c.timerDuty)

	handshake := c.sess.Handshake()
	c.sched.Direct.Push(outbound.Message{Raw: handshake})

	go func() {
		err := g.Wait()
		if err != nil {
			dlog.Errorf(runCtx, "atemnet: connection %s ended with error: %v", c.id, err)
		}
		close(c.stopped)
	}()
	return nil
}

// receiveDuty reads datagrams off the socket and hands them to the
// handle duty, decoupled by a channel so a slow dispatch never blocks
// the socket read loop (§5).
func (c *Client) receiveDuty(ctx context.Context) (err error) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			err = perr
		}
		close(c.inbound)
	}()
	for {
		buf := c.buffers.Get()
		data, rerr := c.sock.Recv(ctx, buf)
		if rerr != nil {
			c.buffers.Put(buf)
			if transport.IsClosed(rerr) || ctx.Err() != nil {
				return nil
			}
			dlog.Debugf(ctx, "atemnet: recv: %v", rerr)
			continue
		}
		select {
		case c.inbound <- rawDatagram{at: time.Now(), buf: data}:
		case <-ctx.Done():
			c.buffers.Put(buf)
			return nil
		}
	}
}

// handleDuty applies each received datagram to the session state machine
// and dispatches whatever it releases for decoding (§5, §4.5).
func (c *Client) handleDuty(ctx context.Context) (err error) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			err = perr
		}
	}()
	for {
		select {
		case raw, ok := <-c.inbound:
			if !ok {
				return nil
			}
			c.handleOne(ctx, raw)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) handleOne(ctx context.Context, raw rawDatagram) {
	// raw.buf goes back to the pool as soon as this call returns, so
	// nothing reachable after this function exits may still alias it —
	// HandleInbound's reorder buffer (internal/session) copies any payload
	// it has to hold onto past this call instead of keeping this slice.
	defer c.buffers.Put(raw.buf[:cap(raw.buf)])

	dg, err := proto.ParseDatagram(raw.buf)
	if err != nil {
		dlog.Debugf(ctx, "atemnet: malformed datagram: %v", err)
		return
	}

	if dg.Header.HasFlag(proto.FlagRequestRetransmit) {
		// Logged only: the retransmit table resends on its own schedule.
		dlog.Debugf(ctx, "atemnet: peer requested retransmit (acked %d)", dg.Header.AckedPktID)
	}

	res := c.sess.HandleInbound(raw.at, dg)
	if res.HandshakeCompleted {
		c.disp.Reset()
		if c.collaborator != nil {
			c.collaborator.Reset()
		}
		c.sched.Direct.Push(outbound.Message{Raw: c.sess.ImmediateAck()})
		if c.onConnected != nil {
			c.onConnected()
		}
	}

	c.disp.Dispatch(ctx, dg.Header, raw.buf, res.Deliverable)
}

// timerDuty periodically flushes owed acks, resends retransmit-due
// packets, and checks for peer silence past TimeoutInterval (§4.3).
func (c *Client) timerDuty(ctx context.Context) error {
	ackTicker := time.NewTicker(c.cfg.AckInterval)
	defer ackTicker.Stop()
	retransmitTicker := time.NewTicker(c.cfg.RetransmitInterval)
	defer retransmitTicker.Stop()
	timeoutTicker := time.NewTicker(c.cfg.TimeoutInterval / 2)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ackTicker.C:
			if dg, owed := c.sess.AckOwed(time.Now()); owed {
				c.sched.Direct.Push(outbound.Message{Raw: dg})
			}
		case <-retransmitTicker.C:
			for _, dg := range c.sess.DueRetransmits(time.Now(), c.cfg.RetransmitInterval) {
				c.sched.Direct.Push(outbound.Message{Raw: dg})
			}
		case <-timeoutTicker.C:
			if c.sess.CheckTimeout(time.Now(), c.cfg.TimeoutInterval) {
				wasUp := c.sess.WasEstablished()
				if wasUp && c.onDisconnected != nil {
					c.onDisconnected()
				}
				c.sched.Direct.Push(outbound.Message{Raw: c.sess.Reconnect()})
				c.met.Reconnects.Inc()
			}
		}
	}
}

// Dispose tears down the connection: stops all four duties, closes the
// socket, and disposes the collaborator (§6 "dispose()"). Idempotent.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if !c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = false
	cancel := c.cancel
	stopped := c.stopped
	c.mu.Unlock()

	var result *multierror.Error
	if cancel != nil {
		cancel()
	}
	if c.sock != nil {
		if err := c.sock.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.sched != nil {
		c.sched.Unique.Close()
		c.sched.Direct.Close()
	}
	if stopped != nil {
		<-stopped
	}
	if c.collaborator != nil {
		c.collaborator.Dispose()
	}
	c.sess.Close()
	return result.ErrorOrNil()
}
