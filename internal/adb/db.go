package adb

import (
	"context"
	"errors"
	"net/netip"
	"sync"
)

// FindOptions mirror the bits spec.md §4.3 passes to ADB.createfind.
type FindOptions uint32

const (
	WantEvent    FindOptions = 1 << iota // caller wants an event if addresses aren't ready yet
	EmptyEvent                           // fire the event even if the final result is empty
	AvoidFetches                         // don't start new network lookups, only return what's cached
	WantINET                             // include IPv4 addresses
	WantINET6                            // include IPv6 addresses
	StartAtRoot                          // NS name is at or below the query domain; start glue search at root
)

// ErrNoAddresses is returned by a completed Find that resolved to zero
// usable addresses.
var ErrNoAddresses = errors.New("adb: no addresses found")

// Find is a pending or completed address lookup for one nameserver name,
// returned by CreateFind. It is safe to read Ready()/Result() from any
// goroutine; the DB closes ready exactly once.
type Find struct {
	Name string

	ready chan struct{}
	addrs []*AddrInfo
	err   error
}

// Ready returns a channel that's closed once Result is safe to call. It is
// already closed for a Find that CreateFind resolved synchronously.
func (f *Find) Ready() <-chan struct{} { return f.ready }

// Result returns the resolved addresses, or the error the lookup failed
// with. Only valid after Ready() is closed.
func (f *Find) Result() ([]*AddrInfo, error) { return f.addrs, f.err }

// Resolve is the seam an ADB uses to turn a nameserver name into raw
// addresses; the real world requires an actual resolution mechanism and
// the spec treats this as external. The default, set by New, consults
// seeded hints first and falls back to the host resolver.
type Resolve func(ctx context.Context, name string) ([]netip.Addr, error)

// DB is the Address Database: it turns nameserver names into addrinfo
// lists and remembers per-address health (SRTT, lameness, learned flags)
// across lookups.
type DB struct {
	resolve Resolve

	mu        sync.Mutex
	addrs     map[netip.AddrPort]*AddrInfo
	hints     map[string][]netip.Addr // static seed, e.g. root hints
	cacheTTLs map[string][]netip.Addr // names resolved before, kept for the process lifetime
}

// New creates an ADB. resolve is the fallback lookup function used for
// names not present in the seeded hints; pass nil to use the host
// resolver (net.DefaultResolver.LookupNetIP).
func New(resolve Resolve) *DB {
	if resolve == nil {
		resolve = defaultResolve
	}
	return &DB{
		resolve:   resolve,
		addrs:     make(map[netip.AddrPort]*AddrInfo),
		hints:     make(map[string][]netip.Addr),
		cacheTTLs: make(map[string][]netip.Addr),
	}
}

// SeedHints installs a static name -> addresses mapping consulted before
// any network resolution is attempted (spec.md §8 scenario 1, "Hints hit").
func (db *DB) SeedHints(name string, addrs []netip.Addr) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hints[normalizeKey(name)] = addrs
}

// FindAddrInfo returns the shared AddrInfo for a literal address,
// creating it if this is the first time the address has been seen. Used
// for forwarders, which are configured by address rather than name
// (spec.md §4.3 "Forwarders").
func (db *DB) FindAddrInfo(addr netip.AddrPort) *AddrInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lockedAddrInfo(addr)
}

func (db *DB) lockedAddrInfo(addr netip.AddrPort) *AddrInfo {
	if existing, ok := db.addrs[addr]; ok {
		return existing
	}
	info := newAddrInfo(addr)
	db.addrs[addr] = info
	return info
}

// CreateFind starts (or completes synchronously) an address lookup for
// name. port is applied to every resolved address. When the name's
// addresses are already known (hinted or previously resolved), the Find
// is returned ready; with AvoidFetches set, an unknown name yields a ready
// Find carrying ErrNoAddresses; otherwise CreateFind spawns a goroutine and
// the caller should watch Ready().
func (db *DB) CreateFind(ctx context.Context, name string, port uint16, opts FindOptions) *Find {
	key := normalizeKey(name)

	db.mu.Lock()
	if addrs, ok := db.hints[key]; ok {
		f := db.readyFind(name, addrs, port)
		db.mu.Unlock()
		return f
	}
	if addrs, ok := db.cacheTTLs[key]; ok {
		f := db.readyFind(name, addrs, port)
		db.mu.Unlock()
		return f
	}
	db.mu.Unlock()

	f := &Find{Name: name, ready: make(chan struct{})}
	if opts&AvoidFetches != 0 {
		f.err = ErrNoAddresses
		close(f.ready)
		return f
	}

	go db.resolveAsync(ctx, f, key, port)
	return f
}

func (db *DB) resolveAsync(ctx context.Context, f *Find, key string, port uint16) {
	defer close(f.ready)
	addrs, err := db.resolve(ctx, f.Name)
	if err != nil {
		f.err = err
		return
	}
	if len(addrs) == 0 {
		f.err = ErrNoAddresses
		return
	}

	db.mu.Lock()
	db.cacheTTLs[key] = addrs
	db.mu.Unlock()

	f.addrs = db.addrInfosFor(addrs, port)
}

func (db *DB) readyFind(name string, addrs []netip.Addr, port uint16) *Find {
	f := &Find{Name: name, ready: make(chan struct{})}
	close(f.ready)
	f.addrs = db.addrInfosFor(addrs, port)
	if len(f.addrs) == 0 {
		f.err = ErrNoAddresses
	}
	return f
}

func (db *DB) addrInfosFor(addrs []netip.Addr, port uint16) []*AddrInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, db.lockedAddrInfo(netip.AddrPortFrom(a, port)))
	}
	return out
}

func normalizeKey(name string) string {
	if name == "" {
		return "."
	}
	return name
}
