package network

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PreservesPerKeyOrder(t *testing.T) {
	d := NewDispatcher(4, 1024, nil)

	var mu sync.Mutex
	seen := make(map[string][]int)
	for i := 0; i < 200; i++ {
		key := "station-" + strconv.Itoa(i%5)
		n := i
		if !d.Submit(key, func() {
			mu.Lock()
			seen[key] = append(seen[key], n)
			mu.Unlock()
		}) {
			t.Fatalf("submit %d dropped", i)
		}
	}
	d.Close()

	for key, got := range seen {
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				t.Fatalf("%s ran out of order: %v", key, got)
			}
		}
		assert.Len(t, got, 40, key)
	}
	assert.Equal(t, int64(0), d.Dropped())
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	stats := NewPacketStats()
	d := NewDispatcher(1, 1, stats)

	block := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, d.Submit("a", func() {
		close(started)
		<-block
	}))
	<-started

	// The worker is busy: one slot in the queue, then drops.
	assert.True(t, d.Submit("a", func() {}))
	assert.False(t, d.Submit("a", func() {}))
	assert.False(t, d.Submit("b", func() {}))
	assert.Equal(t, int64(2), d.Dropped())

	close(block)
	d.Close()
	assert.Equal(t, int64(2), stats.GetAndReset().Dropped)
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	d := NewDispatcher(2, 4, nil)
	d.Close()
	d.Close()
	assert.False(t, d.Submit("a", func() { t.Error("ran after close") }))
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcher_SubmitWaitBlocksUntilRoom(t *testing.T) {
	d := NewDispatcher(1, 1, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	require.True(t, d.SubmitWait(context.Background(), "a", func() {
		close(started)
		<-block
		record(0)()
	}))
	<-started
	require.True(t, d.SubmitWait(context.Background(), "a", record(1)))

	queued := make(chan bool)
	go func() { queued <- d.SubmitWait(context.Background(), "a", record(2)) }()
	select {
	case <-queued:
		t.Fatal("SubmitWait returned while the queue was full")
	default:
	}
	close(block)
	assert.True(t, <-queued)
	d.Close()

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_SubmitWaitCancelled(t *testing.T) {
	d := NewDispatcher(1, 1, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, d.Submit("a", func() {
		close(started)
		<-block
	}))
	<-started
	require.True(t, d.Submit("a", func() {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, d.SubmitWait(ctx, "a", func() { t.Error("ran after cancel") }))
	close(block)
	d.Close()

	assert.False(t, d.SubmitWait(context.Background(), "a", func() { t.Error("ran after close") }))
	assert.Zero(t, d.Dropped())
}
