// Package health reports process and resolver runtime statistics,
// adapted from the teacher's internal/server/stats.go and the
// gopsutil-backed handler in internal/api/handlers/health.go, with the
// HTTP/gin layer stripped out: hydraresolve is a library and CLI, not a
// service, so this package exposes a Snapshot the CLI can print instead
// of a /stats endpoint.
package health

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats collects resolver-facing counters. All methods are safe for
// concurrent use, mirroring the teacher's DNSStats.
type Stats struct {
	startTime time.Time

	queriesTotal atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	fetchesSent  atomic.Uint64
	fetchesFail  atomic.Uint64
}

// New creates a Stats collector, recording the current time as start time.
func New(now time.Time) *Stats {
	return &Stats{startTime: now}
}

// RecordQuery records one fetch requested of the resolver.
func (s *Stats) RecordQuery() { s.queriesTotal.Add(1) }

// RecordCacheHit records an answer served from the cache.
func (s *Stats) RecordCacheHit() { s.cacheHits.Add(1) }

// RecordCacheMiss records an answer that required a fetch.
func (s *Stats) RecordCacheMiss() { s.cacheMisses.Add(1) }

// RecordFetchSent records one resquery transmitted on the wire.
func (s *Stats) RecordFetchSent() { s.fetchesSent.Add(1) }

// RecordFetchFailure records a fetch that ended in a Go error (not a
// negative-cache classification).
func (s *Stats) RecordFetchFailure() { s.fetchesFail.Add(1) }

// BucketOccupancy is a point-in-time count of live fctxes in one bucket,
// supplied by the resolver package.
type BucketOccupancy struct {
	Bucket   int
	Fetches  int
	Waiters  int
}

// Snapshot is a point-in-time view of resolver health.
type Snapshot struct {
	UptimeSeconds int64

	QueriesTotal uint64
	CacheHits    uint64
	CacheMisses  uint64
	FetchesSent  uint64
	FetchesFail  uint64

	NumCPU       int
	CPUPercent   float64
	MemUsedMB    float64
	MemTotalMB   float64
	MemUsedPct   float64

	Buckets []BucketOccupancy
}

// Snapshot samples the collector plus host CPU/memory via gopsutil and
// returns a combined view, the same shape the teacher's Stats handler
// assembled for its JSON response.
func (s *Stats) Snapshot(buckets []BucketOccupancy) Snapshot {
	snap := Snapshot{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		QueriesTotal:  s.queriesTotal.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		FetchesSent:   s.fetchesSent.Load(),
		FetchesFail:   s.fetchesFail.Load(),
		NumCPU:        runtime.NumCPU(),
		Buckets:       buckets,
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		snap.MemTotalMB = float64(vmStat.Total) / 1024 / 1024
		snap.MemUsedMB = float64(vmStat.Used) / 1024 / 1024
		snap.MemUsedPct = vmStat.UsedPercent
	}
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	return snap
}
