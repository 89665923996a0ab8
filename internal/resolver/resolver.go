package resolver

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jroosing/hydradns/internal/adb"
	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/dispatch"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/validate"
	"github.com/jroosing/hydradns/internal/view"
)

// ForwardPolicy controls how forwarders interact with iterative NS
// discovery (spec.md §3 "forward policy").
type ForwardPolicy int

const (
	// FwdNone always runs NS discovery from the zone cut; configured
	// forwarders, if any, are still tried before the NS addresses, the
	// same as under FwdFirst.
	FwdNone ForwardPolicy = iota
	// FwdFirst tries forwarders before falling back to NS discovery.
	FwdFirst
	// FwdOnly uses forwarders exclusively; NS discovery never runs.
	FwdOnly
)

// Config bundles the collaborators a Resolver needs. ADB is required.
// Buckets, Logger, Lifetime and Validator get defaults when left zero.
// View, Cache, DispatchV4 and DispatchV6 may be nil: a nil View gives a
// fetch no starting zone cut unless CreateFetch passes one, a nil Cache
// skips caching, and a nil dispatcher leaves that address family unused.
type Config struct {
	View       *view.View
	ADB        *adb.DB
	Cache      *cachedb.DB
	Validator  validate.Validator
	DispatchV4 *dispatch.Dispatcher
	DispatchV6 *dispatch.Dispatcher
	Buckets    int
	Logger     *slog.Logger
	Lifetime   time.Duration
}

var (
	// ErrNotFrozen is returned by CreateFetch before Freeze has run.
	ErrNotFrozen = errors.New("resolver: not frozen")
	// ErrFrozen is returned by SetForwarders/SetForwardPolicy after Freeze.
	ErrFrozen = errors.New("resolver: already frozen")
	// ErrShuttingDown is returned by CreateFetch once Shutdown has run.
	ErrShuttingDown = errors.New("resolver: shutting down")
)

// Resolver is the top-level iterative-resolution service (spec.md §4.1).
// It owns N fctx buckets, shared v4/v6 dispatchers, and the resolver-wide
// forwarder configuration.
type Resolver struct {
	view      *view.View
	adb       *adb.DB
	cache     *cachedb.DB
	validator validate.Validator
	v4        *dispatch.Dispatcher
	v6        *dispatch.Dispatcher
	logger    *slog.Logger
	lifetime  time.Duration

	mu              sync.Mutex
	frozen          bool
	exiting         bool
	references      int
	activeBuckets   int
	forwarders      []netip.AddrPort
	fwdPolicy       ForwardPolicy
	shutdownWaiters []chan struct{}

	buckets []*bucket
}

// New constructs a Resolver with cfg.Buckets task-serialized buckets
// (default 16). The Resolver starts with one reference and must be
// Frozen before CreateFetch will accept work.
func New(cfg Config) *Resolver {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 16
	}
	if cfg.Validator == nil {
		cfg.Validator = validate.NopValidator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 90 * time.Second
	}
	r := &Resolver{
		view:       cfg.View,
		adb:        cfg.ADB,
		cache:      cfg.Cache,
		validator:  cfg.Validator,
		v4:         cfg.DispatchV4,
		v6:         cfg.DispatchV6,
		logger:     cfg.Logger,
		lifetime:   cfg.Lifetime,
		references: 1,
	}
	r.buckets = make([]*bucket, cfg.Buckets)
	for i := range r.buckets {
		r.buckets[i] = newBucket(i, r)
	}
	r.activeBuckets = len(r.buckets)
	return r
}

// SetForwarders installs the resolver-default forwarder list. Rejected
// once the resolver is frozen.
func (r *Resolver) SetForwarders(fwd []netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.forwarders = append([]netip.AddrPort(nil), fwd...)
	return nil
}

// SetForwardPolicy installs the resolver-default forward policy.
// Rejected once the resolver is frozen.
func (r *Resolver) SetForwardPolicy(p ForwardPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.fwdPolicy = p
	return nil
}

// Freeze locks in the resolver's configuration; CreateFetch only accepts
// work on a frozen resolver.
func (r *Resolver) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Attach adds a reference to the resolver, delaying shutdown completion.
func (r *Resolver) Attach() {
	r.mu.Lock()
	r.references++
	r.mu.Unlock()
}

// Detach releases a reference. The last detach after Shutdown has run
// and every bucket has quiesced fires the shutdown-listener events.
func (r *Resolver) Detach() {
	r.mu.Lock()
	r.references--
	done := r.maybeDoneLocked()
	r.mu.Unlock()
	if done {
		r.notifyShutdown()
	}
}

// WhenShutdown returns a channel closed once the resolver has fully shut
// down (exiting, zero active buckets, zero references).
func (r *Resolver) WhenShutdown() <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	if r.maybeDoneLocked() {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.shutdownWaiters = append(r.shutdownWaiters, ch)
	r.mu.Unlock()
	return ch
}

// Shutdown marks the resolver exiting and cascades fctx_shutdown to
// every bucket member. Idempotent.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	if r.exiting {
		r.mu.Unlock()
		return
	}
	r.exiting = true
	buckets := append([]*bucket(nil), r.buckets...)
	r.mu.Unlock()

	for _, b := range buckets {
		b.shutdown()
	}
}

func (r *Resolver) emptyBucket() {
	r.mu.Lock()
	r.activeBuckets--
	done := r.maybeDoneLocked()
	r.mu.Unlock()
	if done {
		r.notifyShutdown()
	}
}

func (r *Resolver) maybeDoneLocked() bool {
	return r.exiting && r.activeBuckets == 0 && r.references == 0
}

func (r *Resolver) notifyShutdown() {
	r.mu.Lock()
	waiters := r.shutdownWaiters
	r.shutdownWaiters = nil
	r.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func bucketIndex(name string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dns.NormalizeName(name)))
	return int(h.Sum32() % uint32(n))
}

// CreateFetch starts or joins a fetch for (name, qtype, qclass), hashing
// the name to a bucket (spec.md §4.1). domain/nameservers seed the
// starting zone cut explicitly; pass "" and nil to let the fctx consult
// the view instead.
func (r *Resolver) CreateFetch(ctx context.Context, name string, qtype, qclass uint16, domain string, nameservers []string, opts Options) (*Fetch, error) {
	r.mu.Lock()
	frozen := r.frozen
	exiting := r.exiting
	policy := r.fwdPolicy
	fwd := r.forwarders
	r.mu.Unlock()
	if !frozen {
		return nil, ErrNotFrozen
	}
	if exiting {
		return nil, ErrShuttingDown
	}

	idx := bucketIndex(name, len(r.buckets))
	b := r.buckets[idx]
	return b.createFetch(ctx, name, qtype, qclass, domain, nameservers, opts, policy, fwd)
}

// BucketStat is a point-in-time occupancy snapshot of one bucket, for
// health reporting.
type BucketStat struct {
	Index   int
	Fetches int
	Waiters int
}

// BucketOccupancy snapshots every bucket's live-fctx and waiter counts.
func (r *Resolver) BucketOccupancy() []BucketStat {
	r.mu.Lock()
	buckets := append([]*bucket(nil), r.buckets...)
	r.mu.Unlock()

	stats := make([]BucketStat, len(buckets))
	for i, b := range buckets {
		fetches, waiters := b.occupancy()
		stats[i] = BucketStat{Index: i, Fetches: fetches, Waiters: waiters}
	}
	return stats
}

// CancelFetch removes f from its fctx's waiter list, delivering Canceled
// to it alone; other waiters on the same fctx are unaffected.
func (r *Resolver) CancelFetch(f *Fetch) {
	f.fctx.bucket.cancelFetch(f)
}
