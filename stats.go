package carrot

import (
	"github.com/rcrowley/go-metrics"
)

// Stats are the facade counters. They live in a per-cache metrics registry
// so an embedding process can re-export them.
type Stats struct {
	registry metrics.Registry

	gets     metrics.Counter
	hits     metrics.Counter
	writes   metrics.Counter
	rejected metrics.Counter
}

func newStats() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry: r,
		gets:     metrics.GetOrRegisterCounter("cache.gets", r),
		hits:     metrics.GetOrRegisterCounter("cache.hits", r),
		writes:   metrics.GetOrRegisterCounter("cache.writes", r),
		rejected: metrics.GetOrRegisterCounter("cache.writes.rejected", r),
	}
}

// Registry exposes the underlying metrics registry.
func (s *Stats) Registry() metrics.Registry { return s.registry }

func (s *Stats) TotalGets() int64           { return s.gets.Count() }
func (s *Stats) TotalHits() int64           { return s.hits.Count() }
func (s *Stats) TotalWrites() int64         { return s.writes.Count() }
func (s *Stats) TotalRejectedWrites() int64 { return s.rejected.Count() }

// HitRate is hits/gets; 0 before the first get.
func (s *Stats) HitRate() float64 {
	gets := s.gets.Count()
	if gets == 0 {
		return 0
	}
	return float64(s.hits.Count()) / float64(gets)
}

func (s *Stats) restore(gets, hits, writes, rejected int64) {
	s.gets.Clear()
	s.gets.Inc(gets)
	s.hits.Clear()
	s.hits.Inc(hits)
	s.writes.Clear()
	s.writes.Inc(writes)
	s.rejected.Clear()
	s.rejected.Inc(rejected)
}
