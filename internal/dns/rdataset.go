package dns

import "fmt"

// Rdataset groups resource records that share an owner name, type and
// class into a single rrset, mirroring how the wire format represents
// them and how the cache database addresses them. TTL is the minimum TTL
// across the member records, per RFC 2181 Section 5.2.
type Rdataset struct {
	Name    string
	Type    uint16
	Class   uint16
	TTL     uint32
	Records []Record
}

// Covers returns the type covered by a SIG rdataset, or 0 if this is not
// a SIG rdataset or has no members.
func (r Rdataset) Covers() uint16 {
	if RecordType(r.Type) != TypeSIG || len(r.Records) == 0 {
		return 0
	}
	sig, ok := r.Records[0].Data.(SIGData)
	if !ok {
		return 0
	}
	return sig.TypeCovered
}

// NewRdataset groups records sharing the same owner/type/class into an
// Rdataset. Records with a different owner/type/class than the first
// element are rejected; callers are expected to pre-partition records
// coming from a single wire section by (name, type, class).
func NewRdataset(records []Record) (Rdataset, error) {
	if len(records) == 0 {
		return Rdataset{}, fmt.Errorf("%w: empty rdataset", ErrDNSError)
	}
	first := records[0]
	rds := Rdataset{
		Name:  NormalizeName(first.Name),
		Type:  first.Type,
		Class: first.Class,
		TTL:   first.TTL,
	}
	for _, rr := range records {
		if NormalizeName(rr.Name) != rds.Name || rr.Type != rds.Type || rr.Class != rds.Class {
			return Rdataset{}, fmt.Errorf("%w: rdataset members must share owner/type/class", ErrDNSError)
		}
		if rr.TTL < rds.TTL {
			rds.TTL = rr.TTL
		}
	}
	rds.Records = append(rds.Records, records...)
	return rds, nil
}

// SynthesizeDNAMEName builds the new owner name produced by following a
// DNAME at owner with target, for a query name qname that is a subdomain
// of (or equal to) owner (spec.md §4.5 answer_response DNAME row).
//
// The result is prefix + "." + target where prefix is qname's labels above
// owner. If the synthesized name would exceed the 255-octet wire limit,
// ok is false (the source's NOSPACE condition) and chaining stops silently.
func SynthesizeDNAMEName(qname, owner, target string) (name string, ok bool) {
	prefix, matched := RelativeLabels(qname, owner)
	if !matched {
		return "", false
	}
	var synthesized string
	if prefix == RootName {
		synthesized = NormalizeName(target)
	} else {
		synthesized = prefix + "." + NormalizeName(target)
	}
	wire, err := EncodeName(synthesized)
	if err != nil || len(wire) > 255 {
		return "", false
	}
	return synthesized, true
}
