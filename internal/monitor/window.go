package monitor

import (
	"time"
)

// bucket aggregates the events whose timestamps fall in one time slice
type bucket struct {
	index      int64 // slice number since the epoch; -1 when unused
	requests   int
	failures   int
	latencySum float64
	tokens     int
	cost       float64
}

// WindowStats is the sum of a window's live buckets
type WindowStats struct {
	Requests     int
	Failures     int
	AvgLatencyMs float64
	Tokens       int
	Cost         float64
}

// ErrorRate returns failures/requests, 0 when the window is empty
func (s WindowStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Requests)
}

// Window is a fixed-capacity ring of time buckets covering the trailing
// size of time. Memory use is constant regardless of request volume.
// It is not safe for concurrent use; callers hold the owning lock.
type Window struct {
	width   time.Duration
	buckets []bucket
}

// NewWindow creates a window of length size split into buckets of width
func NewWindow(size, width time.Duration) *Window {
	if width <= 0 {
		width = 10 * time.Second
	}
	if size < width {
		size = width
	}
	n := int((size + width - 1) / width)
	w := &Window{width: width, buckets: make([]bucket, n)}
	for i := range w.buckets {
		w.buckets[i].index = -1
	}
	return w
}

// Add records one event at time at
func (w *Window) Add(at time.Time, success bool, latencyMs float64, tokens int, cost float64) {
	idx := at.UnixNano() / int64(w.width)
	b := &w.buckets[w.slot(idx)]
	if b.index != idx {
		if b.index > idx {
			return // older than anything the ring still holds
		}
		*b = bucket{index: idx}
	}

	b.requests++
	if !success {
		b.failures++
	}
	b.latencySum += latencyMs
	b.tokens += tokens
	b.cost += cost
}

// Snapshot sums the buckets that are still inside the window at now
func (w *Window) Snapshot(now time.Time) WindowStats {
	cur := now.UnixNano() / int64(w.width)
	oldest := cur - int64(len(w.buckets)) + 1

	var s WindowStats
	var latencySum float64
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.index < oldest || b.index > cur {
			continue
		}
		s.Requests += b.requests
		s.Failures += b.failures
		s.Tokens += b.tokens
		s.Cost += b.cost
		latencySum += b.latencySum
	}
	if s.Requests > 0 {
		s.AvgLatencyMs = latencySum / float64(s.Requests)
	}
	return s
}

func (w *Window) slot(idx int64) int {
	n := int64(len(w.buckets))
	return int(((idx % n) + n) % n)
}

// metricLog is a fixed-capacity ring of the most recent usage metrics
type metricLog struct {
	items []UsageMetric
	next  int
	full  bool
}

func newMetricLog(capacity int) *metricLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &metricLog{items: make([]UsageMetric, capacity)}
}

func (l *metricLog) append(m UsageMetric) {
	l.items[l.next] = m
	l.next++
	if l.next == len(l.items) {
		l.next = 0
		l.full = true
	}
}

// each calls fn for every metric, oldest first
func (l *metricLog) each(fn func(m *UsageMetric)) {
	if l.full {
		for i := l.next; i < len(l.items); i++ {
			fn(&l.items[i])
		}
	}
	for i := 0; i < l.next; i++ {
		fn(&l.items[i])
	}
}

// sampleRing is a fixed-capacity ring of resource samples
type sampleRing struct {
	items []ResourceSample
	next  int
	full  bool
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleRing{items: make([]ResourceSample, capacity)}
}

func (r *sampleRing) append(s ResourceSample) {
	r.items[r.next] = s
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

func (r *sampleRing) latest() (ResourceSample, bool) {
	if !r.full && r.next == 0 {
		return ResourceSample{}, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.items) - 1
	}
	return r.items[i], true
}

// all returns samples oldest first
func (r *sampleRing) all() []ResourceSample {
	var out []ResourceSample
	if r.full {
		out = append(out, r.items[r.next:]...)
	}
	return append(out, r.items[:r.next]...)
}
