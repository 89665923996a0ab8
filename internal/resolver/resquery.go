package resolver

import (
	"time"

	"github.com/jroosing/hydradns/internal/adb"
)

// resquery is one outstanding outbound DNS query (spec.md §3).
type resquery struct {
	addr  *adb.AddrInfo
	start time.Time
	id    uint16
	tcp   bool

	cancel func() // stops the in-flight wait goroutine from delivering late
}

func (rq *resquery) rtt(now time.Time) time.Duration {
	return now.Sub(rq.start)
}
