package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxPushBounded(t *testing.T) {
	o := NewOutbox(2)

	assert.True(t, o.Push([]byte("a")))
	assert.True(t, o.Push([]byte("b")))
	assert.False(t, o.Push([]byte("c")), "push past the limit must fail")
	assert.Equal(t, 2, o.Len())
}

func TestOutboxNextYieldsInOrder(t *testing.T) {
	o := NewOutbox(4)
	o.Push([]byte("a"))
	o.Push([]byte("b"))

	frame, ok := o.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "a", string(frame))

	frame, ok = o.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "b", string(frame))
}

func TestOutboxReplaceAllSwapsQueue(t *testing.T) {
	o := NewOutbox(3)
	o.Push([]byte("stale-1"))
	o.Push([]byte("stale-2"))

	o.ReplaceAll([][]byte{[]byte("r1"), []byte("r2"), []byte("r3"), []byte("r4")})

	// The replacement truncates at the limit, keeping the head: for a
	// replay that is the reset frame and the snapshot.
	assert.Equal(t, 3, o.Len())
	frame, _ := o.Next(nil, nil)
	assert.Equal(t, "r1", string(frame))
}

func TestOutboxDrainsAfterClose(t *testing.T) {
	o := NewOutbox(4)
	o.Push([]byte("tail"))
	o.Close()

	assert.False(t, o.Push([]byte("late")))
	assert.False(t, o.Drained(), "queued tail still pending")

	frame, ok := o.Next(nil, nil)
	require.True(t, ok, "closed outbox must still flush its tail")
	assert.Equal(t, "tail", string(frame))

	_, ok = o.Next(nil, nil)
	assert.False(t, ok)
	assert.True(t, o.Drained())

	// ReplaceAll after close is a no-op.
	o.ReplaceAll([][]byte{[]byte("zombie")})
	assert.Zero(t, o.Len())
}

func TestOutboxNextWakes(t *testing.T) {
	o := NewOutbox(4)

	wake := make(chan time.Time, 1)
	wake <- time.Now()
	frame, ok := o.Next(nil, wake)
	assert.True(t, ok)
	assert.Nil(t, frame, "a wake tick yields no frame")

	done := make(chan struct{})
	close(done)
	_, ok = o.Next(done, nil)
	assert.False(t, ok)
}

func TestOutboxBlocksUntilProducerPushes(t *testing.T) {
	o := NewOutbox(4)

	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Push([]byte("late-arrival"))
	}()

	frame, ok := o.Next(nil, time.After(2*time.Second))
	require.True(t, ok)
	require.NotNil(t, frame, "timed out waiting for the producer")
	assert.Equal(t, "late-arrival", string(frame))
}
