// Package adb is the resolver's Address Database: given a nameserver
// name it asynchronously yields candidate addresses with a smoothed
// round-trip time, and tracks per-(address, zone) lameness.
//
// Grounded on the teacher's ForwardingResolver (internal/resolvers/forwarding_resolver.go):
// its upstream health map (upstreamFailedAt/upstreamRecoveryDuration)
// generalizes here into per-domain lame-marking with a TTL. This package
// keeps no UDP connection pool; unknown names are looked up through the
// DB's resolve function.
package adb

import (
	"net/netip"
	"sync"
	"time"
)

// Flags are persistent, address-scoped attributes learned across fetches
// (spec.md §3 "Addrinfo flags"). Mark is intentionally NOT here: it is
// round-scoped and owned by the resolver package, not the ADB.
type Flags uint32

const (
	// Forwarder marks an address that came from the forwarders list
	// rather than NS discovery.
	Forwarder Flags = 1 << iota
	// NoEDNS0 marks an address that has shown it can't handle EDNS0
	// (FORMERR or UNEXPECTEDEND with an OPT record present).
	NoEDNS0
)

// RTT adjustment factors, out of ten, for AdjustSRTT (spec.md §5 "RTT
// accounting"). RTTAdjDefault blends a real round-trip sample into the
// smoothed average; RTTAdjReplace overwrites it, used when the sample
// itself already accounts for retransmission history.
const (
	RTTAdjDefault = 7
	RTTAdjReplace = 10
)

// MaxSRTT caps the smoothed RTT so that a long run of timeouts against a
// server doesn't push it out of consideration forever (spec.md §5: "clamped
// at 10 000 000 µs").
const MaxSRTT = 10 * time.Second

// AddrInfo is one candidate server address. Instances are shared across
// every Find that resolves to the same address, so SRTT, lameness and
// learned flags persist across fetches as spec.md requires.
type AddrInfo struct {
	Addr netip.AddrPort

	mu    sync.Mutex
	srtt  time.Duration
	flags Flags
	lame  map[string]time.Time // zone -> expiry
}

func newAddrInfo(addr netip.AddrPort) *AddrInfo {
	return &AddrInfo{Addr: addr, lame: make(map[string]time.Time)}
}

// SRTT returns the current smoothed round-trip time.
func (a *AddrInfo) SRTT() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.srtt
}

// AdjustSRTT blends rtt into the smoothed average using factor (out of
// ten); see RTTAdjDefault/RTTAdjReplace.
func (a *AddrInfo) AdjustSRTT(rtt time.Duration, factor int) {
	if rtt > MaxSRTT {
		rtt = MaxSRTT
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srtt == 0 {
		a.srtt = rtt
		return
	}
	a.srtt = (a.srtt*time.Duration(10-factor) + rtt*time.Duration(factor)) / 10
}

// ChangeFlags sets and clears bits atomically: flags = (flags &^ mask) | (set & mask).
func (a *AddrInfo) ChangeFlags(set, mask Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flags = (a.flags &^ mask) | (set & mask)
}

// Has reports whether all bits in want are set.
func (a *AddrInfo) Has(want Flags) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags&want == want
}

// MarkLame records that addr claims authority for zone but answered
// non-authoritatively, for the given expiry (spec.md §5: "now + 600
// seconds lifetime").
func (a *AddrInfo) MarkLame(zone string, expire time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lame[zone] = expire
}

// IsLame reports whether addr is currently marked lame for zone.
func (a *AddrInfo) IsLame(zone string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expire, ok := a.lame[zone]
	if !ok {
		return false
	}
	if now.After(expire) {
		delete(a.lame, zone)
		return false
	}
	return true
}
