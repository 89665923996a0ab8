package health_test

import (
	"testing"
	"time"

	"github.com/jroosing/hydradns/internal/health"
	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshotCounters(t *testing.T) {
	s := health.New(time.Now().Add(-5 * time.Second))
	s.RecordQuery()
	s.RecordQuery()
	s.RecordCacheHit()
	s.RecordCacheMiss()
	s.RecordFetchSent()
	s.RecordFetchFailure()

	snap := s.Snapshot([]health.BucketOccupancy{{Bucket: 0, Fetches: 3, Waiters: 1}})
	assert.Equal(t, uint64(2), snap.QueriesTotal)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.FetchesSent)
	assert.Equal(t, uint64(1), snap.FetchesFail)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, int64(5))
	assert.Len(t, snap.Buckets, 1)
	assert.Positive(t, snap.NumCPU)
}
