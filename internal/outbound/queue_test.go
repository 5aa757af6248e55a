package outbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueQueueCollapsesStaleUpdates(t *testing.T) {
	q := NewUniqueQueue[string, string]()
	q.Enqueue("fader", "0.1")
	q.Enqueue("fader", "0.5")
	q.Enqueue("fader", "0.9")

	v, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, "0.9", v)
	assert.Equal(t, 0, q.Len())
}

func TestUniqueQueuePreservesFirstInsertionOrder(t *testing.T) {
	q := NewUniqueQueue[string, string]()
	q.Enqueue("k1", "a")
	q.Enqueue("k2", "b")
	q.Enqueue("k1", "c") // update, must not move k1's position

	v1, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, "c", v1)

	v2, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, "b", v2)
}

func TestUniqueQueueTakeBlocksUntilEnqueue(t *testing.T) {
	q := NewUniqueQueue[string, int]()
	done := make(chan int, 1)
	go func() {
		v, ok := q.Take()
		if ok {
			done <- v
		} else {
			done <- -1
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("k", 42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Take never woke up after Enqueue")
	}
}

func TestUniqueQueueCloseUnblocksTake(t *testing.T) {
	q := NewUniqueQueue[string, int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Take never unblocked after Close")
	}
}

func TestFIFOStrictOrder(t *testing.T) {
	f := NewFIFO[int]()
	f.Push(1)
	f.Push(2)
	f.Push(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := f.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestFIFOCloseUnblocksPop(t *testing.T) {
	f := NewFIFO[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	f.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Close")
	}
}
