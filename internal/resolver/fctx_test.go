package resolver

import (
	"net/netip"
	"testing"

	"github.com/jroosing/hydradns/internal/adb"
	"github.com/stretchr/testify/assert"
)

func TestGetAddresses_RestartCapBoundary(t *testing.T) {
	// restarts==10 is the last attempt the spec allows; the 11th call
	// (restarts becomes 11) must fail the fetch (spec.md §8 invariant 3,
	// "restarts > 10 ⇒ SERVFAIL"). The cap check runs before any field on
	// fc.bucket is touched, so a bare fctx exercises it directly.
	fc := &fctx{restarts: maxRestarts}

	assert.Equal(t, addrFail, fc.getAddresses())
	assert.Equal(t, maxRestarts+1, fc.restarts)
}

func TestGetAddresses_RestartOneBelowCapStillSucceeds(t *testing.T) {
	fc := &fctx{
		restarts:   maxRestarts - 1,
		defaultFwd: []netip.AddrPort{netip.MustParseAddrPort("192.0.2.53:53")},
		bucket:     &bucket{resolver: &Resolver{adb: adb.New(nil)}},
	}

	assert.Equal(t, addrSuccess, fc.getAddresses())
	assert.Equal(t, maxRestarts, fc.restarts)
}
