package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"github.com/atemkit/atemnet/internal/proto"
)

// versionName is the command LibAtem-family peers send early in a
// session to advertise their protocol version (§4.3 "Protocol version
// negotiation"). It is recognized independently of version, since no
// version is known yet when it arrives.
var versionName = [4]byte{'_', 'v', 'e', 'r'}

// VersionCodec decodes the version-advertisement command body into an
// application-visible Command, used both for dispatch and for reporting
// ConnectionVersion to callers.
type VersionCodec interface {
	Codec
	// Negotiated extracts the version number a just-decoded version
	// command advertises.
	Negotiated(cmd Command) int32
}

// Dispatcher decodes the payload batches released by a session and
// routes the result to the collaborator and the application callbacks
// (§4.5, §6).
type Dispatcher struct {
	registry     *Registry
	collaborator Collaborator
	versionCodec VersionCodec

	version int32 // atomic; 0 until negotiated

	onReceive       func([]Command)
	onReceivePacket func(proto.Header, []byte)
}

// New constructs a dispatcher. collaborator and versionCodec may be nil; a
// nil collaborator behaves as if nothing ever claims a command, and with a
// nil versionCodec the codec registered for the version command is used
// when it implements VersionCodec.
func New(registry *Registry, collaborator Collaborator, versionCodec VersionCodec) *Dispatcher {
	if collaborator == nil {
		collaborator = noopCollaborator{}
	}
	return &Dispatcher{
		registry:     registry,
		collaborator: collaborator,
		versionCodec: versionCodec,
	}
}

// OnReceive sets the callback invoked with each batch of commands not
// claimed by the collaborator.
func (d *Dispatcher) OnReceive(fn func([]Command)) {
	d.onReceive = fn
}

// OnReceivePacket sets the raw-observer callback (§6 "SUPPLEMENTED
// FEATURES #1"), invoked once per inbound datagram before decoding.
func (d *Dispatcher) OnReceivePacket(fn func(proto.Header, []byte)) {
	d.onReceivePacket = fn
}

// ConnectionVersion returns the negotiated protocol version, or 0 if
// none has been observed yet.
func (d *Dispatcher) ConnectionVersion() int32 {
	return atomic.LoadInt32(&d.version)
}

// Reset clears negotiated version and collaborator state, called on
// reconnect (§4.2).
func (d *Dispatcher) Reset() {
	atomic.StoreInt32(&d.version, 0)
	d.collaborator.Reset()
}

// Dispatch handles one inbound datagram: it reports the raw observer
// callback, then decodes every command block in every deliverable
// payload released by this arrival (the datagram's own payload plus any
// newly-contiguous payloads released from the reorder buffer, already
// folded together by the caller per §4.5 "Batch delivery"), offering
// each decoded command to the collaborator before accumulating the
// remainder into one on_receive invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, header proto.Header, raw []byte, deliverable [][]byte) {
	if d.onReceivePacket != nil {
		d.onReceivePacket(header, raw)
	}

	var batch []Command
	for _, payload := range deliverable {
		blocks, err := proto.ParseBlocks(payload)
		if err != nil {
			dlog.Debugf(ctx, "dispatch: truncated command block(s), salvaging %d decoded: %v", len(blocks), err)
		}
		for _, block := range blocks {
			cmd, err := d.decode(block)
			if err != nil {
				dlog.Debugf(ctx, "dispatch: %v", err)
				continue
			}
			if block.Name == versionName {
				vc := d.versionCodec
				if vc == nil {
					codec, _ := d.registry.Find(versionName, d.ConnectionVersion())
					vc, _ = codec.(VersionCodec)
				}
				if vc != nil {
					atomic.StoreInt32(&d.version, vc.Negotiated(cmd))
				}
			}
			if d.collaborator.Handle(cmd) {
				continue
			}
			batch = append(batch, cmd)
		}
	}

	if len(batch) > 0 && d.onReceive != nil {
		d.onReceive(batch)
	}
}

// decode looks up and invokes the codec for block, enforcing that a
// codec not marked to allow trailing bytes consumes the whole body
// (§3 "A decoder that leaves un-consumed bytes ... is treated as a
// protocol error unless the command type is marked as accepting
// trailing bytes").
func (d *Dispatcher) decode(block proto.Block) (Command, error) {
	version := d.ConnectionVersion()
	codec, ok := d.registry.Find(block.Name, version)
	if !ok {
		return nil, &ErrUnknownCommand{Name: block.Name, Version: version, Body: block.Body}
	}
	cmd := codec.New()
	consumed, err := codec.Deserialize(cmd, block.Body)
	if err != nil {
		return nil, err
	}
	if trailer, ok := codec.(interface{ AllowsTrailingBytes() bool }); !ok || !trailer.AllowsTrailingBytes() {
		if consumed != len(block.Body) {
			return nil, &errTrailingBytes{Name: block.Name, Consumed: consumed, Total: len(block.Body)}
		}
	}
	return cmd, nil
}

type errTrailingBytes struct {
	Name     [4]byte
	Consumed int
	Total    int
}

func (e *errTrailingBytes) Error() string {
	return fmt.Sprintf("dispatch: %q decoder consumed %d of %d body bytes", e.Name[:], e.Consumed, e.Total)
}
