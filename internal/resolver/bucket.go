package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/jroosing/hydradns/internal/dns"
)

type eventKind int

const (
	evStart eventKind = iota
	evAddrReady
	evQueryResponse
	evIdleTimeout
	evLifeTimeout
	evCancel
	evShutdown
)

type bucketEvent struct {
	kind eventKind
	fc   *fctx

	waiter *Fetch // evCancel

	rq   *resquery // evQueryResponse
	data []byte
	err  error

	epoch int // evIdleTimeout: guards against a retry timer that fired just before being replaced
}

// bucket is a partition of the fctx population by hash(name) mod N
// (spec.md §3 "Bucket"). Exactly one goroutine (its task) processes this
// bucket's events, so task-serialized fctx fields never need a lock.
type bucket struct {
	index    int
	resolver *Resolver

	mu         sync.Mutex
	fctxs      map[string]*fctx
	exiting    bool
	unsharedID int

	events chan bucketEvent
}

func newBucket(i int, r *Resolver) *bucket {
	b := &bucket{
		index:    i,
		resolver: r,
		fctxs:    make(map[string]*fctx),
		events:   make(chan bucketEvent, 256),
	}
	go b.run()
	return b
}

func (b *bucket) run() {
	for ev := range b.events {
		b.handle(ev)
	}
}

func (b *bucket) handle(ev bucketEvent) {
	switch ev.kind {
	case evStart:
		ev.fc.start()
	case evAddrReady:
		ev.fc.addressesReady()
	case evQueryResponse:
		ev.fc.handleQueryResult(ev.rq, ev.data, ev.err)
	case evIdleTimeout:
		ev.fc.idleTimeout(ev.epoch)
	case evLifeTimeout:
		ev.fc.lifeTimeout()
	case evCancel:
		ev.fc.cancelWaiter(ev.waiter)
	case evShutdown:
		ev.fc.doShutdown()
	}
}

// fetchKey is the join key a plain (shareable) CreateFetch call looks up.
// It never incorporates Unshared, so this is only ever the key a shared
// fctx is stored under.
func fetchKey(name string, qtype, qclass uint16, opts Options) string {
	return fmt.Sprintf("%s|%d|%d|%d", dns.NormalizeName(name), qtype, qclass, opts&^Unshared)
}

// createFetch joins an existing fctx (unless Unshared is set, or none
// exists in a non-done state) or creates one, per spec.md §4.1. An
// Unshared fctx is stored under a key no fetchKey call can ever produce
// (a "#<seq>" suffix), so a later plain CreateFetch for the same
// question can never match and join it — it stays private for its whole
// lifetime, not just at creation.
func (b *bucket) createFetch(ctx context.Context, name string, qtype, qclass uint16, domain string, nameservers []string, opts Options, policy ForwardPolicy, forwarders []netip.AddrPort) (*Fetch, error) {
	joinKey := fetchKey(name, qtype, qclass, opts)

	b.mu.Lock()
	if b.exiting {
		b.mu.Unlock()
		return nil, ErrShuttingDown
	}
	var fc *fctx
	if opts&Unshared == 0 {
		if existing, ok := b.fctxs[joinKey]; ok && existing.state() != stateDone {
			fc = existing
		}
	}
	created := false
	if fc == nil {
		storeKey := joinKey
		if opts&Unshared != 0 {
			b.unsharedID++
			storeKey = fmt.Sprintf("%s#%d", joinKey, b.unsharedID)
		}
		fc = newFctx(b, storeKey, name, qtype, qclass, domain, nameservers, opts, policy, forwarders)
		b.fctxs[storeKey] = fc
		created = true
	}
	w := fc.join()
	b.mu.Unlock()

	if created {
		b.events <- bucketEvent{kind: evStart, fc: fc}
	}
	return w, nil
}

func (b *bucket) cancelFetch(f *Fetch) {
	b.events <- bucketEvent{kind: evCancel, fc: f.fctx, waiter: f}
}

// reap removes fc from the bucket once it has reached stateDone. If the
// bucket has no remaining members and is exiting, it reports itself
// empty to the resolver (spec.md §4.1 "activebuckets").
func (b *bucket) reap(fc *fctx) {
	b.mu.Lock()
	if cur, ok := b.fctxs[fc.key]; ok && cur == fc {
		delete(b.fctxs, fc.key)
	}
	empty := b.exiting && len(b.fctxs) == 0
	b.mu.Unlock()
	if empty {
		b.resolver.emptyBucket()
	}
}

// occupancy reports the number of live fctxes and their combined waiter
// count, a point-in-time snapshot for health reporting.
func (b *bucket) occupancy() (fetches, waiters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fetches = len(b.fctxs)
	for _, fc := range b.fctxs {
		waiters += len(fc.waiters)
	}
	return fetches, waiters
}

// shutdown cascades fctx_shutdown to every member (spec.md §4.1).
func (b *bucket) shutdown() {
	b.mu.Lock()
	b.exiting = true
	members := make([]*fctx, 0, len(b.fctxs))
	for _, fc := range b.fctxs {
		members = append(members, fc)
	}
	empty := len(members) == 0
	b.mu.Unlock()

	for _, fc := range members {
		b.events <- bucketEvent{kind: evShutdown, fc: fc}
	}
	if empty {
		b.resolver.emptyBucket()
	}
}
