package replay

import (
	"container/heap"
	"time"

	"github.com/banshee-data/csi-sense/internal/csi"
)

// item is one recorded frame waiting for release.
type item struct {
	station string
	frame   csi.Frame
	at      time.Time
	seq     int // load order, breaks timestamp ties
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// timeline orders frames by original timestamp so each playback tick only
// touches the frames it releases.
type timeline struct {
	h itemHeap
}

func newTimeline(items []item) *timeline {
	t := &timeline{h: itemHeap(items)}
	heap.Init(&t.h)
	return t
}

func (t *timeline) Len() int { return t.h.Len() }

// popUntil removes and returns, in order, every item at or before cutoff.
func (t *timeline) popUntil(cutoff time.Time) []item {
	var out []item
	for t.h.Len() > 0 && !t.h[0].at.After(cutoff) {
		out = append(out, heap.Pop(&t.h).(item))
	}
	return out
}
