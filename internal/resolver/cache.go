package resolver

import (
	"time"

	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/dns"
)

const anyType = uint16(dns.TypeANY)

// writeCacheOps applies every pending cache write and sharpens proposed
// using whatever cachedb.Outcome it sees, the way spec.md §4.6 step 4
// describes: a positive add that loses to an existing negative entry
// means the name is already known not to exist, and a negative add that
// loses to an existing positive entry means the opposite.
func (fc *fctx) writeCacheOps(proposed Result, ops []cacheOp) Result {
	cache := fc.bucket.resolver.cache
	if cache == nil {
		return proposed
	}
	now := time.Now()
	result := proposed

	for _, op := range ops {
		if op.positive {
			node := cache.FindNode(op.name, true)
			outcome, blockedBy, err := cache.AddRdataset(node, now, op.rds, op.sig, op.trust)
			if err != nil {
				continue
			}
			if outcome == cachedb.NegativeExists {
				if blockedBy == anyType {
					result = NCacheNXDomain
				} else {
					result = NCacheNXRRset
				}
			}
			continue
		}

		outcome, err := cache.AddNegative(op.name, now, op.covers, op.ttl, op.trust)
		if err != nil {
			continue
		}
		switch outcome {
		case cachedb.PositiveExists:
			result = Success
		case cachedb.Added, cachedb.RefusedDowngrade:
			if op.covers == anyType {
				result = NCacheNXDomain
			} else {
				result = NCacheNXRRset
			}
		}
	}

	return result
}
