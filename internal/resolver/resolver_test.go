package resolver_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/jroosing/hydradns/internal/adb"
	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/dispatch"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/resolver"
	"github.com/stretchr/testify/require"
)

// startFakeServer runs a minimal UDP nameserver on loopback that answers
// every query with whatever respond returns, preserving the query's ID. It
// is torn down automatically when the test ends.
func startFakeServer(t *testing.T, respond func(q dns.Packet) dns.Packet) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			data := append([]byte(nil), buf[:n]...)
			q, err := dns.ParsePacket(data)
			if err != nil {
				continue
			}
			resp := respond(q)
			resp.Header.ID = q.Header.ID
			resp.Header.Flags |= dns.QRFlag
			b, err := resp.Marshal()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(b, from)
		}
	}()

	udpAddr := conn.LocalAddr().(*net.UDPAddr)
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(udpAddr.IP.To4())), uint16(udpAddr.Port))
}

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.Listen("udp4", nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// newForwardingResolver builds a Resolver that sends every fetch straight
// to fwd (FwdOnly), the shape that lets a test pin a fake nameserver's
// ephemeral port without needing NS discovery's hardcoded port 53.
func newForwardingResolver(t *testing.T, fwd netip.AddrPort, lifetime time.Duration) *resolver.Resolver {
	t.Helper()
	r := resolver.New(resolver.Config{
		ADB:        adb.New(nil),
		Cache:      cachedb.New(),
		DispatchV4: newTestDispatcher(t),
		Buckets:    1,
		Lifetime:   lifetime,
	})
	require.NoError(t, r.SetForwarders([]netip.AddrPort{fwd}))
	require.NoError(t, r.SetForwardPolicy(resolver.FwdOnly))
	r.Freeze()
	t.Cleanup(r.Shutdown)
	return r
}

func awaitFetch(t *testing.T, f *resolver.Fetch) resolver.FetchResult {
	t.Helper()
	select {
	case res := <-f.Done():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fetch to complete")
		return resolver.FetchResult{}
	}
}

func TestFetch_ForwarderDirectAnswer(t *testing.T) {
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 5}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 5*time.Second)

	f, err := r.CreateFetch(context.Background(), "www.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, resolver.Recursive)
	require.NoError(t, err)

	res := awaitFetch(t, f)
	require.Equal(t, resolver.Success, res.Result)
	require.Len(t, res.Rdataset.Records, 1)
	require.Equal(t, []byte{192, 0, 2, 5}, res.Rdataset.Records[0].Data)
}

func TestFetch_ForwarderNXDomain(t *testing.T) {
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag | uint16(dns.RCodeNXDomain)},
			Questions: q.Questions,
			Authorities: []dns.Record{
				{Name: "test", Type: uint16(dns.TypeSOA), Class: uint16(dns.ClassIN), TTL: 120, Data: []byte("soa")},
			},
		}
	})

	r := newForwardingResolver(t, ns, 5*time.Second)

	f, err := r.CreateFetch(context.Background(), "nope.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	res := awaitFetch(t, f)
	require.Equal(t, resolver.NCacheNXDomain, res.Result)
}

func TestFetch_DuplicateFetchesCoalesceOntoOneFctx(t *testing.T) {
	var hits int
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		hits++
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 9}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 5*time.Second)

	f1, err := r.CreateFetch(context.Background(), "dup.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)
	f2, err := r.CreateFetch(context.Background(), "dup.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	res1 := awaitFetch(t, f1)
	res2 := awaitFetch(t, f2)

	require.Equal(t, resolver.Success, res1.Result)
	require.Equal(t, resolver.Success, res2.Result)
	require.Equal(t, 1, hits, "two CreateFetch calls for the same question should share one underlying query")
}

func TestFetch_UnsharedNeverCoalesces(t *testing.T) {
	var hits int
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		hits++
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 9}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 5*time.Second)

	f1, err := r.CreateFetch(context.Background(), "dup.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, resolver.Unshared)
	require.NoError(t, err)
	f2, err := r.CreateFetch(context.Background(), "dup.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, resolver.Unshared)
	require.NoError(t, err)

	awaitFetch(t, f1)
	awaitFetch(t, f2)

	require.Equal(t, 2, hits, "Unshared fetches must never join an in-flight fctx for the same question")
}

func TestFetch_PlainFetchNeverJoinsUnsharedFetch(t *testing.T) {
	// The fake server's receive loop is single-threaded: it blocks on the
	// first query until unblock closes, so the second query can't be
	// answered until the first is. If a plain CreateFetch wrongly joined
	// the Unshared fctx's fetch, both f1 and f2 would complete off of one
	// query (hits==1); if it correctly starts its own fctx, the second
	// query sits unanswered on the wire until unblock closes, then both
	// complete off of two independent queries (hits==2).
	var hits int
	unblock := make(chan struct{})
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		hits++
		if hits == 1 {
			<-unblock
		}
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 9}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 30*time.Second)

	f1, err := r.CreateFetch(context.Background(), "priv.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, resolver.Unshared)
	require.NoError(t, err)
	f2, err := r.CreateFetch(context.Background(), "priv.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	close(unblock)

	res1 := awaitFetch(t, f1)
	res2 := awaitFetch(t, f2)

	require.Equal(t, resolver.Success, res1.Result)
	require.Equal(t, resolver.Success, res2.Result)
	require.Equal(t, 2, hits, "a plain CreateFetch must never join an in-flight Unshared fctx for the same question")
}

func TestFetch_CancelOneWaiterLeavesOthersRunning(t *testing.T) {
	unblock := make(chan struct{})
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		<-unblock
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 9}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 30*time.Second)

	f1, err := r.CreateFetch(context.Background(), "slow.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)
	f2, err := r.CreateFetch(context.Background(), "slow.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	r.CancelFetch(f1)
	res1 := awaitFetch(t, f1)
	require.Equal(t, resolver.Canceled, res1.Result)

	close(unblock)
	res2 := awaitFetch(t, f2)
	require.Equal(t, resolver.Success, res2.Result)
}

func TestFetch_ForwardOnlyNeverAdoptsReferralAndFailsServfail(t *testing.T) {
	// FwdOnly never runs NS discovery (fctx.getAddresses), so a forwarder
	// that only ever answers with the same referral can't be escaped: the
	// first referral still descends (root -> child.test) and is accepted,
	// but the forwarder is queried again regardless and repeats the exact
	// same referral, which no longer descends past fc.domain and trips the
	// non-descending-referral guard (spec.md §8 invariant 7).
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Authorities: []dns.Record{
				{Name: "child.test", Type: uint16(dns.TypeNS), Class: uint16(dns.ClassIN), TTL: 3600, Data: "ns1.child.test"},
			},
		}
	})

	r := newForwardingResolver(t, ns, 30*time.Second)

	f, err := r.CreateFetch(context.Background(), "www.child.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	res := awaitFetch(t, f)
	require.Equal(t, resolver.Servfail, res.Result)
}

func TestFetch_TruncatedUDPFallsBackToTCP(t *testing.T) {
	udpHits, tcpHits := 0, 0
	ns := startFakeServer(t, func(q dns.Packet) dns.Packet {
		udpHits++
		return dns.Packet{Header: dns.Header{Flags: dns.AAFlag | dns.TCFlag}, Questions: q.Questions}
	})

	tcpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ns.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { tcpLn.Close() })
	go serveTCP(t, tcpLn, func(q dns.Packet) dns.Packet {
		tcpHits++
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 7}},
			},
		}
	})

	r := newForwardingResolver(t, ns, 5*time.Second)

	f, err := r.CreateFetch(context.Background(), "big.test", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)

	res := awaitFetch(t, f)
	require.Equal(t, resolver.Success, res.Result)
	require.Equal(t, 1, udpHits)
	require.Equal(t, 1, tcpHits)
}

// TestFetch_BrokenServerIsMarkedLameAndSkipped exercises lame-marking
// through the fetch state machine end to end: a forwarder whose answer
// fails classification (question mismatch, actBrokenServer) must be
// marked lame for the fetch's domain and skipped in favor of the next
// address, rather than retried forever.
func TestFetch_BrokenServerIsMarkedLameAndSkipped(t *testing.T) {
	lame := startFakeServer(t, func(q dns.Packet) dns.Packet {
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: []dns.Question{{Name: "mismatched.invalid.", Type: q.Questions[0].Type, Class: q.Questions[0].Class}},
		}
	})
	good := startFakeServer(t, func(q dns.Packet) dns.Packet {
		return dns.Packet{
			Header:    dns.Header{Flags: dns.AAFlag},
			Questions: q.Questions,
			Answers: []dns.Record{
				{Name: q.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{192, 0, 2, 5}},
			},
		}
	})

	adbDB := adb.New(nil)
	r := resolver.New(resolver.Config{
		ADB:        adbDB,
		Cache:      cachedb.New(),
		DispatchV4: newTestDispatcher(t),
		Buckets:    1,
		Lifetime:   30 * time.Second,
	})
	require.NoError(t, r.SetForwarders([]netip.AddrPort{lame, good}))
	require.NoError(t, r.SetForwardPolicy(resolver.FwdOnly))
	r.Freeze()
	t.Cleanup(r.Shutdown)

	f, err := r.CreateFetch(context.Background(), "www.example.com", uint16(dns.TypeA), uint16(dns.ClassIN), "", nil, 0)
	require.NoError(t, err)
	res := awaitFetch(t, f)

	require.Equal(t, resolver.Success, res.Result)
	require.True(t, adbDB.FindAddrInfo(lame).IsLame(dns.RootName, time.Now()))
	require.False(t, adbDB.FindAddrInfo(good).IsLame(dns.RootName, time.Now()))
}

func serveTCP(t *testing.T, ln net.Listener, respond func(q dns.Packet) dns.Packet) {
	t.Helper()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			var lenBuf [2]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
			if _, err := io.ReadFull(conn, msg); err != nil {
				return
			}
			q, err := dns.ParsePacket(msg)
			if err != nil {
				return
			}
			resp := respond(q)
			resp.Header.ID = q.Header.ID
			resp.Header.Flags |= dns.QRFlag
			b, err := resp.Marshal()
			if err != nil {
				return
			}
			framed := make([]byte, 2+len(b))
			binary.BigEndian.PutUint16(framed, uint16(len(b)))
			copy(framed[2:], b)
			_, _ = conn.Write(framed)
		}()
	}
}
