package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadQueueFIFO(t *testing.T) {
	q := NewLoadQueue()
	q.Put(1)
	q.Put(2)
	q.Put(3)

	for _, want := range []int32{1, 2, 3} {
		v, ok := q.TryNext()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := q.TryNext()
	assert.False(t, ok)
}

func TestLoadQueueNextBlocksUntilPut(t *testing.T) {
	q := NewLoadQueue()

	done := make(chan int32, 1)
	go func() {
		v, err := q.Next(context.Background())
		if err == nil {
			done <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(7)

	select {
	case v := <-done:
		assert.Equal(t, int32(7), v)
	case <-time.After(2 * time.Second):
		t.Fatal("Next never woke up")
	}
}

func TestLoadQueueNextHonorsContext(t *testing.T) {
	q := NewLoadQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.Error(t, err)
}

func TestLoadQueueSignalSurvivesPartialDrain(t *testing.T) {
	q := NewLoadQueue()
	q.Put(1)
	q.Put(2)

	_, ok := q.TryNext()
	require.True(t, ok)

	// The remaining sample must still be reachable through Next
	// without another Put.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}
