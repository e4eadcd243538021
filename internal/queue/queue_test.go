package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.Put(i))
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, err := q.Take(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestTakeBlocksUntilPut(t *testing.T) {
	q := New[string]()

	got := make(chan string, 1)
	go func() {
		v, err := q.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put("hello")

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New[int]()
	q.Put(1)
	q.Close()

	assert.False(t, q.Put(2))

	v, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesAllTakers(t *testing.T) {
	q := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Take(context.Background())
			assert.ErrorIs(t, err, ErrClosed)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("takers were not released")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscard(t *testing.T) {
	q := New[int]()
	q.Put(1)
	q.Discard()

	_, err := q.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, q.Len())
}
