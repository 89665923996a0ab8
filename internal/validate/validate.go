// Package validate is the resolver's DNSSEC validation seam. spec.md §9
// Open Question 3 leaves "validation_done" unimplemented; rather than
// hand-roll partial crypto on the standard library, this package gives
// the resolver a narrow interface it calls at the point BIND9 would
// validate a response, backed today by a no-op that marks everything
// insecure. A real validator (grounded on a proper DNSSEC library, not
// written here) can be swapped in without touching resolver code.
package validate

import "github.com/jroosing/hydradns/internal/dns"

// Status is the outcome of validating a response.
type Status uint8

const (
	// Insecure means no attempt to validate, or the zone is known not
	// to be signed.
	Insecure Status = iota
	// Secure means the response validated against a trust anchor.
	Secure
	// Bogus means validation was attempted and failed.
	Bogus
)

func (s Status) String() string {
	switch s {
	case Secure:
		return "secure"
	case Bogus:
		return "bogus"
	default:
		return "insecure"
	}
}

// Validator is consulted for a positive answer after it has been written
// into the cache; the resolver logs the returned Status and does not
// change the fetch's result from it. It stands where the
// "validation_done" callback sits in bind9's fctx_done.
type Validator interface {
	// Validate checks rrset (owned by qname) and returns its trust
	// status. Implementations may return immediately (Insecure) or
	// perform chain-of-trust verification against DNSKEY/DS records.
	Validate(qname string, rrset []dns.Record) Status
}

// NopValidator never attempts validation; every rrset comes back
// Insecure. It is the default used when no Validator is configured,
// matching a resolver running without "dnssec-validation yes".
type NopValidator struct{}

// Validate implements Validator.
func (NopValidator) Validate(string, []dns.Record) Status { return Insecure }
