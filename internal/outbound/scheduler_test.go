package outbound

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atemkit/atemnet/internal/proto"
	"github.com/atemkit/atemnet/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func TestSchedulerPacksUnderMTUBudget(t *testing.T) {
	sess := session.New(rand.New(rand.NewSource(1)))
	sess.Handshake()
	sess.HandleInbound(time.Now(), proto.Datagram{Header: proto.Header{Flags: proto.FlagNewSessionID, SessionID: 1}})

	sock := &fakeSender{}
	sched := NewScheduler(sess, sock, 100, time.Second)

	a := proto.SerializeBlock([4]byte{'A', 'A', 'A', 'A'}, make([]byte, 40))
	b := proto.SerializeBlock([4]byte{'B', 'B', 'B', 'B'}, make([]byte, 40))
	c := proto.SerializeBlock([4]byte{'C', 'C', 'C', 'C'}, make([]byte, 40))
	sched.Unique.Enqueue("a", a)
	sched.Unique.Enqueue("b", b)
	sched.Unique.Enqueue("c", c)

	sched.drainUnique(context.Background())

	sent := sock.snapshot()
	// a+b fit in one datagram (48+48=96 <= 100), c needs its own.
	require.Len(t, sent, 2)
	dg0, err := proto.ParseDatagram(sent[0])
	require.NoError(t, err)
	blocks0, err := proto.ParseBlocks(dg0.Payload)
	require.NoError(t, err)
	assert.Len(t, blocks0, 2)
}

func TestSchedulerDirectBypassesCollapse(t *testing.T) {
	sess := session.New(rand.New(rand.NewSource(1)))
	sock := &fakeSender{}
	sched := NewScheduler(sess, sock, 1000, time.Second)

	raw1 := proto.HandshakeDatagram(1)
	raw2 := proto.AckOnlyDatagram(1, 5)
	sched.Direct.Push(Message{Raw: raw1})
	sched.Direct.Push(Message{Raw: raw2})

	sched.drainDirect(context.Background())

	sent := sock.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, raw1, sent[0])
	assert.Equal(t, raw2, sent[1])
}

func TestSchedulerDrainUniqueDefersWhenWindowFull(t *testing.T) {
	sess := session.New(rand.New(rand.NewSource(1)))
	sess.SetWindowSize(1)
	sess.Handshake()
	sess.HandleInbound(time.Now(), proto.Datagram{Header: proto.Header{Flags: proto.FlagNewSessionID, SessionID: 1}})

	sock := &fakeSender{}
	sched := NewScheduler(sess, sock, 1000, time.Hour)

	sched.Unique.Enqueue("a", proto.SerializeBlock([4]byte{'A', 'A', 'A', 'A'}, []byte("x")))
	sched.Unique.Enqueue("b", proto.SerializeBlock([4]byte{'B', 'B', 'B', 'B'}, []byte("y")))

	// Window size 1: only the first block may go out; the second must stay
	// queued rather than be silently taken and lost.
	sched.drainUnique(context.Background())
	assert.Len(t, sock.snapshot(), 1)
	assert.Equal(t, 1, sched.Unique.Len(), "second block must remain queued until room frees up")

	// Acking the in-flight packet frees the window; the next drain sends
	// the remaining block.
	sess.HandleInbound(time.Now(), proto.Datagram{Header: proto.Header{Flags: proto.FlagAck, AckedPktID: 0}})
	sched.drainUnique(context.Background())
	assert.Len(t, sock.snapshot(), 2)
	assert.Equal(t, 0, sched.Unique.Len())
}

func TestSchedulerDrainDirectRequeuesBlockWhenWindowFull(t *testing.T) {
	sess := session.New(rand.New(rand.NewSource(1)))
	sess.SetWindowSize(0)
	sess.Handshake()
	sess.HandleInbound(time.Now(), proto.Datagram{Header: proto.Header{Flags: proto.FlagNewSessionID, SessionID: 1}})

	sock := &fakeSender{}
	sched := NewScheduler(sess, sock, 1000, time.Hour)

	sched.Direct.Push(Message{Block: proto.SerializeBlock([4]byte{'A', 'A', 'A', 'A'}, []byte("x"))})

	sched.drainDirect(context.Background())
	assert.Empty(t, sock.snapshot())
	assert.Equal(t, 1, sched.Direct.Len(), "block message must be handed back, not dropped")
}

func TestSchedulerRunRespectsCancellation(t *testing.T) {
	sess := session.New(rand.New(rand.NewSource(1)))
	sock := &fakeSender{}
	sched := NewScheduler(sess, sock, 100, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
