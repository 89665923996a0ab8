// Package resolver implements the iterative DNS resolution core: a
// fetch-context state machine that walks the delegation hierarchy from a
// starting zone cut, coalesces duplicate in-flight fetches onto one
// underlying query stream, and fans a single terminal result out to
// every waiter.
//
// No single teacher file plays this role (the teacher's resolvers are
// single-hop forwarders, not iterative); the bucket/task shape is
// grounded on the teacher's internal/server goroutine-per-listener
// pattern, generalized from "one goroutine per socket" to "one goroutine
// per fctx partition".
package resolver

import (
	"github.com/jroosing/hydradns/internal/dns"
)

// Options mirror the bits a caller passes to Resolver.CreateFetch
// (spec.md §6 caller ABI).
type Options uint32

const (
	// Recursive sets RD on outbound queries.
	Recursive Options = 1 << iota
	// ForceTCP forces TCP for the first query instead of UDP.
	ForceTCP
	// NoEDNS0 never advertises EDNS0 for this fetch.
	NoEDNS0
	// Unshared never joins an existing fctx; a private one is created
	// even if an identical fetch is already in flight.
	Unshared
	// NoValidate bypasses the validator hook.
	NoValidate
)

// Has reports whether all bits in want are set.
func (o Options) Has(want Options) bool { return o&want == want }

// Result is the terminal classification of a fetch, delivered to every
// waiter exactly once (spec.md §4.7, §7).
type Result int

const (
	// Success is a positive answer: the rdataset directly answers the
	// question.
	Success Result = iota
	// CNAMEResult is an answer reached through a chain whose last hop was a
	// CNAME. The Rdataset holds the target's rrset when the same response
	// answered it, and is empty when it did not.
	CNAMEResult
	// DNAMEResult is the same for a chain whose last hop was a DNAME.
	DNAMEResult
	// NCacheNXDomain means the name does not exist.
	NCacheNXDomain
	// NCacheNXRRset means the name exists but not with the requested type.
	NCacheNXRRset
	// Canceled means the caller canceled this waiter's interest, or the
	// fetch was shut down while the waiter was still pending.
	Canceled
	// Timedout means the fetch exceeded its absolute lifetime.
	Timedout
	// Servfail means the fetch could not complete: restart cap,
	// unrecoverable classification error, or no addresses available.
	Servfail
	// Shuttingdown names the shutting-down condition. No waiter receives
	// it: CreateFetch reports it as ErrShuttingDown, and waiters pending
	// at shutdown receive Canceled.
	Shuttingdown
)

// String names a Result for logging.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case CNAMEResult:
		return "cname"
	case DNAMEResult:
		return "dname"
	case NCacheNXDomain:
		return "ncache-nxdomain"
	case NCacheNXRRset:
		return "ncache-nxrrset"
	case Canceled:
		return "canceled"
	case Timedout:
		return "timedout"
	case Servfail:
		return "servfail"
	case Shuttingdown:
		return "shuttingdown"
	default:
		return "unknown"
	}
}

// FetchResult is what a waiter receives when its Fetch completes
// (spec.md §3 "Fetch", §4.7 "sendevents").
type FetchResult struct {
	Result      Result
	Name        string
	Rdataset    dns.Rdataset
	SigRdataset *dns.Rdataset
	Err         error
}
