package network

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Dispatcher runs consumer work on a fixed pool of workers. Work submitted
// under the same key always lands on the same worker, so it runs in
// submission order. Submit never blocks: when the worker's queue is full
// the work is dropped and counted. SubmitWait blocks instead, for producers
// that may slow down but must not lose or reorder work.
type Dispatcher struct {
	queues  []chan func()
	stats   PacketStatsInterface
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher starts workers goroutines, each with a queue of queueSize.
func NewDispatcher(workers, queueSize int, stats PacketStatsInterface) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if stats == nil {
		stats = noopStats{}
	}
	d := &Dispatcher{
		queues: make([]chan func(), workers),
		stats:  stats,
	}
	for i := range d.queues {
		q := make(chan func(), queueSize)
		d.queues[i] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for fn := range q {
				fn()
			}
		}()
	}
	return d
}

func (d *Dispatcher) queueFor(key string) chan func() {
	if len(d.queues) == 1 {
		return d.queues[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Submit queues fn on the worker owning key. It reports false if the work
// was dropped because the queue was full or the dispatcher closed.
func (d *Dispatcher) Submit(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop()
		return false
	}
	select {
	case d.queueFor(key) <- fn:
		return true
	default:
		d.drop()
		return false
	}
}

// SubmitWait queues fn on the worker owning key, waiting for room. It
// reports false, without counting a drop, when ctx ends first or the
// dispatcher is closed.
func (d *Dispatcher) SubmitWait(ctx context.Context, key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queueFor(key) <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	d.stats.AddDropped()
}

// Dropped returns the number of submissions discarded so far.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting work and waits for queued work to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
