package worker

import (
	"math"
	"sync/atomic"

	"vtedge/internal/config"
)

// statsCollector tracks the size of responses the worker served.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Min       uint64
	Avg       uint64
	Max       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Min:       minv,
		Avg:       s.totalRespBytes.Load() / count,
		Max:       s.maxRespBytes.Load(),
	}
}

// LogStats writes one line with counters, namespace sizes, served response
// sizes and process memory.
func (w *Worker) LogStats() {
	perf := w.counters.Snapshot()
	ss := w.stats.Snapshot()

	ev := w.log.Info().
		Uint64("hits", perf.CacheHits).
		Uint64("misses", perf.CacheMisses).
		Uint64("fallbacks", perf.NetworkFallbacks).
		Uint64("errors", perf.Errors).
		Float64("hitRate", perf.HitRate).
		Uint64("served", ss.Responses).
		Str("resp", config.FormatBytes(ss.Min)+"/"+config.FormatBytes(ss.Avg)+"/"+config.FormatBytes(ss.Max))

	entries := make(map[string]any, 4)
	for _, name := range w.ns.All() {
		if h := w.open(name); h != nil {
			entries[name] = w.cache.Count(h)
		}
	}
	ev = ev.Fields(map[string]any{"entries": entries})

	if mem, ok := readMemUsage(); ok {
		ev = ev.Str("rss", config.FormatBytes(mem.RSS))
		if mem.Anon > 0 {
			ev = ev.Str("anon", config.FormatBytes(mem.Anon)).
				Str("shmem", config.FormatBytes(mem.Shmem)).
				Str("swap", config.FormatBytes(mem.Swap))
		}
	}
	ev.Msg("stats")
}

// memUsage is a process memory sample in bytes. File-backed store pages
// (leveldb tables, sqlite) count towards RSS but not Anon.
type memUsage struct {
	RSS   uint64
	Anon  uint64
	Shmem uint64
	Swap  uint64
}
