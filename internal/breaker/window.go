package breaker

import (
	"sort"
	"time"
)

// bucket holds the outcome counts for one slice of the rolling window.
type bucket struct {
	epoch     int64
	successes int64
	failures  int64
	timeouts  int64
	rejects   int64
}

// window is a ring of buckets indexed by epoch (time / bucket width).
// A bucket whose stored epoch is stale is reset on first touch.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(span time.Duration, n int) *window {
	if n < 1 {
		n = 1
	}
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{width: width, buckets: make([]bucket, n)}
}

func (w *window) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *window) current(now time.Time) *bucket {
	ep := w.epoch(now)
	b := &w.buckets[ep%int64(len(w.buckets))]
	if b.epoch != ep {
		*b = bucket{epoch: ep}
	}
	return b
}

// totals sums the buckets that still fall inside the window.
func (w *window) totals(now time.Time) bucket {
	ep := w.epoch(now)
	oldest := ep - int64(len(w.buckets)) + 1

	var sum bucket
	for _, b := range w.buckets {
		if b.epoch < oldest || b.epoch > ep {
			continue
		}
		sum.successes += b.successes
		sum.failures += b.failures
		sum.timeouts += b.timeouts
		sum.rejects += b.rejects
	}
	return sum
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

const latencySamples = 100

// latencyRing keeps the most recent call durations.
type latencyRing struct {
	samples []time.Duration
	next    int
}

func (l *latencyRing) add(d time.Duration) {
	if len(l.samples) < latencySamples {
		l.samples = append(l.samples, d)
		return
	}
	l.samples[l.next] = d
	l.next = (l.next + 1) % latencySamples
}

// percentiles returns the nearest-rank p50, p90 and p99.
func (l *latencyRing) percentiles() (p50, p90, p99 time.Duration) {
	if len(l.samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(p int) time.Duration {
		idx := (p*len(sorted)+99)/100 - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return rank(50), rank(90), rank(99)
}

func (l *latencyRing) reset() {
	l.samples = l.samples[:0]
	l.next = 0
}
