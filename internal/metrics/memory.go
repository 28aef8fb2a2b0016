package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// PipelineStats is a point-in-time copy of the orchestrator's window state.
// The sampler only ever sees copies published by the owning goroutine.
type PipelineStats struct {
	RawLen       int
	RawCap       int
	RawEvicted   uint64
	FeatureLen   int
	FeatureCap   int
	FeatEvicted  uint64
	TableBytes   int // approximate size of the last feature table
	CandlesTotal uint64
}

// MemorySample is one reading of process memory.
type MemorySample struct {
	RSS       uint64
	Virtual   uint64
	HeapAlloc uint64
	FromProc  bool // false when procfs is unavailable and only Go heap stats are known
}

// ReadMemory samples process memory from /proc, falling back to Go runtime
// stats on platforms without procfs.
func ReadMemory() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := MemorySample{HeapAlloc: ms.HeapAlloc}

	proc, err := procfs.Self()
	if err == nil {
		stat, err := proc.Stat()
		if err == nil {
			sample.RSS = uint64(stat.ResidentMemory())
			sample.Virtual = uint64(stat.VirtualMemory())
			sample.FromProc = true
			return sample
		}
	}
	sample.RSS = ms.Sys
	return sample
}

// Sampler periodically logs and exports memory usage alongside window stats.
type Sampler struct {
	interval time.Duration
	stats    func() PipelineStats
	m        *Metrics
}

// NewSampler creates a sampler. stats must be safe to call from another
// goroutine; m may be nil.
func NewSampler(interval time.Duration, stats func() PipelineStats, m *Metrics) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{interval: interval, stats: stats, m: m}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce takes one sample, exports it, and logs the breakdown.
func (s *Sampler) SampleOnce() (MemorySample, PipelineStats) {
	mem := ReadMemory()
	st := s.stats()

	if s.m != nil {
		s.m.ResidentMemory.Set(float64(mem.RSS))
		s.m.VirtualMemory.Set(float64(mem.Virtual))
		s.m.HeapAlloc.Set(float64(mem.HeapAlloc))
		s.m.WindowLen.WithLabelValues("raw").Set(float64(st.RawLen))
		s.m.WindowLen.WithLabelValues("feature").Set(float64(st.FeatureLen))
		s.m.WindowEvictions.WithLabelValues("raw").Set(float64(st.RawEvicted))
		s.m.WindowEvictions.WithLabelValues("feature").Set(float64(st.FeatEvicted))
	}

	log.Info().Str("component", "metrics").
		Uint64("rss_bytes", mem.RSS).
		Uint64("virtual_bytes", mem.Virtual).
		Uint64("heap_alloc_bytes", mem.HeapAlloc).
		Bool("procfs", mem.FromProc).
		Int("raw_len", st.RawLen).
		Int("raw_cap", st.RawCap).
		Int("feature_len", st.FeatureLen).
		Int("feature_cap", st.FeatureCap).
		Int("table_bytes", st.TableBytes).
		Uint64("candles_total", st.CandlesTotal).
		Msg("memory sample")
	return mem, st
}
