package atemnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atemkit/atemnet/internal/dispatch"
	"github.com/atemkit/atemnet/internal/outbound"
	"github.com/atemkit/atemnet/internal/proto"
)

func TestConfigDefaultIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateRejectsBadOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckInterval = cfg.RetransmitInterval
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RetransmitInterval = cfg.TimeoutInterval
	assert.Error(t, cfg.Validate())
}

func TestConstructWithoutAutoConnectDoesNotDial(t *testing.T) {
	cl, err := Construct("127.0.0.1", DefaultConfig(), false, nil)
	require.NoError(t, err)
	assert.False(t, cl.HasQueuedOutbound())
	assert.Equal(t, int32(0), cl.ConnectionVersion())
}

type echoCmd struct{ body []byte }

func (c *echoCmd) QueueKey() string { return "echo" }

type echoCodec struct{}

func (echoCodec) New() dispatch.Command { return &echoCmd{} }
func (echoCodec) Deserialize(cmd dispatch.Command, body []byte) (int, error) {
	cmd.(*echoCmd).body = body
	return len(body), nil
}

type recordingSender struct{ sent [][]byte }

func (s *recordingSender) Send(b []byte) error {
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}

func TestClientHandleOneDeliversAndAcksOnHandshake(t *testing.T) {
	registry := NewRegistry()
	registry.Register(0, [4]byte{'E', 'c', 'h', 'o'}, echoCodec{})

	cl, err := Construct("127.0.0.1", DefaultConfig(), false, registry)
	require.NoError(t, err)

	sender := &recordingSender{}
	cl.sched = outbound.NewScheduler(cl.sess, sender, cl.cfg.MTUBudget, cl.cfg.RetransmitInterval)

	var connected bool
	cl.OnConnected(func() { connected = true })

	var delivered []Command
	cl.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })

	cl.sess.Handshake()
	handshakeReply := proto.Datagram{Header: proto.Header{Flags: proto.FlagNewSessionID, SessionID: 7, PktID: 0}}
	raw := proto.SerializeDatagram(handshakeReply.Header, nil)

	cl.handleOne(context.Background(), rawDatagram{at: time.Now(), buf: raw})
	assert.True(t, connected)

	block := proto.SerializeBlock([4]byte{'E', 'c', 'h', 'o'}, []byte("hi"))
	dataDg := proto.Header{SessionID: 7, PktID: 1}
	raw2 := proto.SerializeDatagram(dataDg, block)
	cl.handleOne(context.Background(), rawDatagram{at: time.Now(), buf: raw2})

	require.Len(t, delivered, 1)
	assert.Equal(t, []byte("hi"), delivered[0].(*echoCmd).body)

	flushCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cl.sched.Run(flushCtx)
	sender.mustHaveSent(t)
}

func (s *recordingSender) mustHaveSent(t *testing.T) {
	t.Helper()
	assert.NotEmpty(t, s.sent, "expected the immediate ack sent on handshake completion to have been scheduled")
}
