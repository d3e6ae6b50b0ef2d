package processing

// entry is one processed CM sample.
type entry struct {
	processed   []complex128
	phaseStddev float64
}

// history is a bounded FIFO of processed samples. Pushing onto a full
// history evicts the oldest entry.
type history struct {
	buf   []entry
	start int
	n     int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]entry, capacity)}
}

func (h *history) Len() int { return h.n }
func (h *history) Cap() int { return len(h.buf) }

func (h *history) push(e entry) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// back returns the i-th most recent entry, back(0) being the newest.
func (h *history) back(i int) (entry, bool) {
	if i < 0 || i >= h.n {
		return entry{}, false
	}
	return h.buf[(h.start+h.n-1-i)%len(h.buf)], true
}

// meanPhaseStddev averages the phase stddev over the whole history.
func (h *history) meanPhaseStddev() float64 {
	if h.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < h.n; i++ {
		sum += h.buf[(h.start+i)%len(h.buf)].phaseStddev
	}
	return sum / float64(h.n)
}

// average returns the element-wise mean of the k most recent entries with
// the given length. Entries recorded at a different tone count are skipped.
func (h *history) average(k, length int) []complex128 {
	sum := make([]complex128, length)
	used := 0
	for i := 0; i < k && i < h.n; i++ {
		e, _ := h.back(i)
		if len(e.processed) != length {
			continue
		}
		for j, c := range e.processed {
			sum[j] += c
		}
		used++
	}
	if used == 0 {
		return sum
	}
	scale := complex(1/float64(used), 0)
	for j := range sum {
		sum[j] *= scale
	}
	return sum
}
