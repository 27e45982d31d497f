package metrics

import (
	"sort"
	"sync"
)

// latencySampler keeps a bounded ring of recent observations so the queue
// metrics API can serve percentiles without querying prometheus. Prometheus
// histograms cover long-range dashboards; this covers the "right now" view.
type latencySampler struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencySampler(size int) *latencySampler {
	return &latencySampler{samples: make([]float64, size)}
}

func (s *latencySampler) Observe(v float64) {
	s.mu.Lock()
	s.samples[s.next] = v
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
}

func (s *latencySampler) Quantiles() (p50, p95, p99 float64) {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.samples)
	}
	window := make([]float64, n)
	copy(window, s.samples[:n])
	s.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Float64s(window)
	pick := func(q float64) float64 {
		idx := int(q * float64(n-1))
		return window[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}
