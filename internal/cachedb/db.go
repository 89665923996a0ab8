package cachedb

import (
	"sync"
	"time"

	"github.com/jroosing/hydradns/internal/dns"
)

// Outcome reports what AddRdataset/AddNegative actually did, letting the
// resolver sharpen a fetch's terminal Result the way spec.md §4.6
// describes ("Cache-DB's return of UNCHANGED ... sharpens the result").
type Outcome int

const (
	// Added means the entry was stored (new, or overwriting an entry of
	// equal or lower trust).
	Added Outcome = iota
	// RefusedDowngrade means an existing entry of higher trust was kept;
	// the new data was discarded.
	RefusedDowngrade
	// NegativeExists means a negative-cache entry already covers this
	// name (the type itself, or ANY for NXDOMAIN); the positive add was
	// not stored because the name is cached as non-existent.
	NegativeExists
	// PositiveExists means a positive rdataset already exists for this
	// name and type; a negative add was not stored because the name is
	// known to exist.
	PositiveExists
)

type typeKey struct {
	typ   uint16
	class uint16
}

type posEntry struct {
	rds    dns.Rdataset
	sig    *dns.Rdataset
	trust  Trust
	expiry time.Time
}

type negEntry struct {
	covers uint16
	trust  Trust
	expiry time.Time
}

// Node is an opaque handle to a cached owner name, returned by FindNode.
type Node struct {
	name string
}

// DB is a content-addressed, trust-aware cache of rdatasets, plus a
// negative cache of nonexistence/nodata facts. One DB instance is shared
// across all buckets of a Resolver (spec.md §5 "Shared resources").
type DB struct {
	mu       sync.Mutex
	positive map[string]map[typeKey]*posEntry
	negative map[string]map[uint16]*negEntry // name -> covers -> entry
}

// New creates an empty cache database.
func New() *DB {
	return &DB{
		positive: make(map[string]map[typeKey]*posEntry),
		negative: make(map[string]map[uint16]*negEntry),
	}
}

// FindNode returns the node for name, creating it (an empty placeholder)
// if create is true and it doesn't yet exist.
func (db *DB) FindNode(name string, create bool) *Node {
	n := dns.NormalizeName(name)
	if create {
		db.mu.Lock()
		if _, ok := db.positive[n]; !ok {
			db.positive[n] = make(map[typeKey]*posEntry)
		}
		db.mu.Unlock()
	}
	return &Node{name: n}
}

// AddRdataset stores rds (optionally paired with its covering SIG
// rdataset sig) for node at the given trust level. Downgrades are
// refused: an existing entry of strictly higher trust is kept as-is.
// When the outcome is NegativeExists, the returned uint16 is the covers
// value of the blocking negative entry (dns.TypeANY if the whole name is
// cached as nonexistent, or a specific type if only that type is), so the
// caller can sharpen its own result accordingly (spec.md §4.6 step 4); it
// is meaningless for any other outcome.
func (db *DB) AddRdataset(node *Node, now time.Time, rds dns.Rdataset, sig *dns.Rdataset, trust Trust) (Outcome, uint16, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if negs, ok := db.negative[node.name]; ok {
		if covers, blocked := db.negativeCovers(negs, rds.Type, now); blocked {
			return NegativeExists, covers, nil
		}
	}

	bucket, ok := db.positive[node.name]
	if !ok {
		bucket = make(map[typeKey]*posEntry)
		db.positive[node.name] = bucket
	}
	key := typeKey{typ: rds.Type, class: rds.Class}
	if existing, ok := bucket[key]; ok && existing.expiry.After(now) && existing.trust > trust {
		return RefusedDowngrade, 0, nil
	}
	bucket[key] = &posEntry{
		rds:    rds,
		sig:    sig,
		trust:  trust,
		expiry: now.Add(time.Duration(rds.TTL) * time.Second),
	}
	return Added, 0, nil
}

// negativeCovers reports whether there is a live negative entry for name
// that covers typ (either a direct match or a covers=ANY NXDOMAIN entry),
// and if so, the covers value of the entry that matched. Expired entries
// are pruned opportunistically.
func (db *DB) negativeCovers(negs map[uint16]*negEntry, typ uint16, now time.Time) (uint16, bool) {
	for covers, e := range negs {
		if !e.expiry.After(now) {
			delete(negs, covers)
			continue
		}
		if covers == uint16(dns.TypeANY) || covers == typ {
			return covers, true
		}
	}
	return 0, false
}

// AddNegative records that name has no data of type covers (covers ==
// dns.TypeANY for "name does not exist at all", per spec.md §4.6).
func (db *DB) AddNegative(name string, now time.Time, covers uint16, ttl uint32, trust Trust) (Outcome, error) {
	n := dns.NormalizeName(name)

	db.mu.Lock()
	defer db.mu.Unlock()

	if bucket, ok := db.positive[n]; ok {
		for key, e := range bucket {
			if !e.expiry.After(now) {
				delete(bucket, key)
				continue
			}
			if covers == uint16(dns.TypeANY) || key.typ == covers {
				return PositiveExists, nil
			}
		}
	}

	negs, ok := db.negative[n]
	if !ok {
		negs = make(map[uint16]*negEntry)
		db.negative[n] = negs
	}
	if existing, ok := negs[covers]; ok && existing.expiry.After(now) && existing.trust > trust {
		return RefusedDowngrade, nil
	}
	negs[covers] = &negEntry{covers: covers, trust: trust, expiry: now.Add(time.Duration(ttl) * time.Second)}
	return Added, nil
}

// Lookup returns the cached rdataset (and its covering signature, if any)
// for name/type/class, and whether it is still live at now.
func (db *DB) Lookup(name string, typ, class uint16, now time.Time) (dns.Rdataset, *dns.Rdataset, bool) {
	n := dns.NormalizeName(name)

	db.mu.Lock()
	defer db.mu.Unlock()

	bucket, ok := db.positive[n]
	if !ok {
		return dns.Rdataset{}, nil, false
	}
	e, ok := bucket[typeKey{typ: typ, class: class}]
	if !ok || !e.expiry.After(now) {
		return dns.Rdataset{}, nil, false
	}
	return e.rds, e.sig, true
}

// LookupNegative reports whether name is negatively cached for covers
// (or outright nonexistent, covers == dns.TypeANY).
func (db *DB) LookupNegative(name string, covers uint16, now time.Time) bool {
	n := dns.NormalizeName(name)

	db.mu.Lock()
	defer db.mu.Unlock()

	negs, ok := db.negative[n]
	if !ok {
		return false
	}
	_, ok = db.negativeCovers(negs, covers, now)
	return ok
}
