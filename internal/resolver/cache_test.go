package resolver

import (
	"testing"
	"time"

	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFctxWithCache(cache *cachedb.DB) *fctx {
	return &fctx{bucket: &bucket{resolver: &Resolver{cache: cache}}}
}

func aRdataset(t *testing.T, name string) dns.Rdataset {
	t.Helper()
	rds, err := dns.NewRdataset([]dns.Record{
		{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 300, Data: []byte{192, 0, 2, 1}},
	})
	require.NoError(t, err)
	return rds
}

func TestWriteCacheOps_NilCachePassesThrough(t *testing.T) {
	fc := newTestFctxWithCache(nil)
	result := fc.writeCacheOps(Success, []cacheOp{{name: "example.com", positive: true}})
	assert.Equal(t, Success, result)
}

func TestWriteCacheOps_PositiveSharpensToNXDomainOnNegativeExists(t *testing.T) {
	cache := cachedb.New()
	_, err := cache.AddNegative("www.example.com", time.Now(), uint16(dns.TypeANY), 300, cachedb.TrustAuthAuthority)
	require.NoError(t, err)

	fc := newTestFctxWithCache(cache)
	ops := []cacheOp{{name: "www.example.com", positive: true, rds: aRdataset(t, "www.example.com"), trust: cachedb.TrustGlue}}

	result := fc.writeCacheOps(Success, ops)
	assert.Equal(t, NCacheNXDomain, result)
}

func TestWriteCacheOps_PositiveSharpensToNXRRsetOnTypeSpecificNegativeExists(t *testing.T) {
	cache := cachedb.New()
	_, err := cache.AddNegative("www.example.com", time.Now(), uint16(dns.TypeA), 300, cachedb.TrustAuthAuthority)
	require.NoError(t, err)

	fc := newTestFctxWithCache(cache)
	ops := []cacheOp{{name: "www.example.com", positive: true, rds: aRdataset(t, "www.example.com"), trust: cachedb.TrustGlue}}

	result := fc.writeCacheOps(Success, ops)
	assert.Equal(t, NCacheNXRRset, result)
}

func TestWriteCacheOps_NegativeSharpensToSuccessOnPositiveExists(t *testing.T) {
	cache := cachedb.New()
	node := cache.FindNode("www.example.com", true)
	_, _, err := cache.AddRdataset(node, time.Now(), aRdataset(t, "www.example.com"), nil, cachedb.TrustAuthAnswer)
	require.NoError(t, err)

	fc := newTestFctxWithCache(cache)
	ops := []cacheOp{{name: "www.example.com", positive: false, covers: uint16(dns.TypeA), ttl: 300, trust: cachedb.TrustAnswer}}

	result := fc.writeCacheOps(NCacheNXRRset, ops)
	assert.Equal(t, Success, result)
}

func TestWriteCacheOps_NegativeAddedCoversAnyYieldsNXDomain(t *testing.T) {
	fc := newTestFctxWithCache(cachedb.New())
	ops := []cacheOp{{name: "nope.example.com", positive: false, covers: uint16(dns.TypeANY), ttl: 300, trust: cachedb.TrustAuthAuthority}}

	result := fc.writeCacheOps(Servfail, ops)
	assert.Equal(t, NCacheNXDomain, result)
}

func TestWriteCacheOps_NegativeAddedCoversTypeYieldsNXRRset(t *testing.T) {
	fc := newTestFctxWithCache(cachedb.New())
	ops := []cacheOp{{name: "example.com", positive: false, covers: uint16(dns.TypeMX), ttl: 300, trust: cachedb.TrustAuthAuthority}}

	result := fc.writeCacheOps(Servfail, ops)
	assert.Equal(t, NCacheNXRRset, result)
}

func TestWriteCacheOps_DowngradeRefusedKeepsHigherTrustEntry(t *testing.T) {
	cache := cachedb.New()
	node := cache.FindNode("www.example.com", true)
	rds := aRdataset(t, "www.example.com")
	_, _, err := cache.AddRdataset(node, time.Now(), rds, nil, cachedb.TrustAuthAnswer)
	require.NoError(t, err)

	fc := newTestFctxWithCache(cache)
	ops := []cacheOp{{name: "www.example.com", positive: true, rds: rds, trust: cachedb.TrustGlue}}

	result := fc.writeCacheOps(Success, ops)
	assert.Equal(t, Success, result)

	stored, _, ok := cache.Lookup("www.example.com", uint16(dns.TypeA), uint16(dns.ClassIN), time.Now())
	require.True(t, ok)
	assert.Equal(t, rds.Records[0].Data, stored.Records[0].Data)
}
