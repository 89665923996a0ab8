package resolver

import (
	"net/netip"

	"github.com/jroosing/hydradns/internal/adb"
	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/dns"
)

// rqAction is what applyOutcome should do with a classified response
// (spec.md §4.5 "resquery_response").
type rqAction int

const (
	actTerminal rqAction = iota
	actReferral
	actRetryEDNS0Off
	actRetryTCP
	actBrokenServer
)

// cacheOp is one pending cache write produced while classifying a
// response; applyOutcome/writeCacheOps apply them after the retry
// decision has already been made, so a broken-server response never
// pollutes the cache.
type cacheOp struct {
	name     string
	positive bool

	rds dns.Rdataset
	sig *dns.Rdataset

	covers uint16
	ttl    uint32

	trust cachedb.Trust
}

// classifyOutcome is what classifyResponse/answerResponse/noanswerResponse
// decide should happen next.
type classifyOutcome struct {
	action rqAction

	// actReferral
	newDomain string
	newNS     []string
	glue      map[string][]netip.Addr

	// actTerminal
	result      Result
	rdataset    dns.Rdataset
	sigRdataset *dns.Rdataset

	cacheOps []cacheOp
}

type rrsetKey struct {
	name  string
	typ   uint16
	class uint16
}

func groupRecords(records []dns.Record) map[rrsetKey][]dns.Record {
	groups := make(map[rrsetKey][]dns.Record)
	for _, r := range records {
		key := rrsetKey{name: dns.NormalizeName(r.Name), typ: r.Type, class: r.Class}
		groups[key] = append(groups[key], r)
	}
	return groups
}

func rdatasetFor(groups map[rrsetKey][]dns.Record, name string, typ, class uint16) (dns.Rdataset, bool) {
	recs, ok := groups[rrsetKey{name: dns.NormalizeName(name), typ: typ, class: class}]
	if !ok {
		return dns.Rdataset{}, false
	}
	rds, err := dns.NewRdataset(recs)
	if err != nil {
		return dns.Rdataset{}, false
	}
	return rds, true
}

func sigFor(groups map[rrsetKey][]dns.Record, name string, covers, class uint16) *dns.Rdataset {
	rds, ok := rdatasetFor(groups, name, uint16(dns.TypeSIG), class)
	if !ok || rds.Covers() != covers {
		return nil
	}
	return &rds
}

// matchAnswer looks up the rrset that answers (name, qtype, qclass). For a
// concrete qtype this is a single lookup. For qtype=ANY (spec.md §4.5,
// "matches fctx.type (or type=ANY) ⇒ accept as final answer") any rrset
// owned by name answers the question, since a wire response never contains
// a literal type-255 record; the first non-SIG rrset found at name is
// returned.
func matchAnswer(groups map[rrsetKey][]dns.Record, name string, qtype, qclass uint16) (dns.Rdataset, *dns.Rdataset, bool) {
	if dns.RecordType(qtype) != dns.TypeANY {
		rds, ok := rdatasetFor(groups, name, qtype, qclass)
		if !ok {
			return dns.Rdataset{}, nil, false
		}
		return rds, sigFor(groups, name, qtype, qclass), true
	}

	normalized := dns.NormalizeName(name)
	for key, recs := range groups {
		if key.name != normalized || key.class != qclass {
			continue
		}
		if dns.RecordType(key.typ) == dns.TypeSIG {
			continue
		}
		rds, err := dns.NewRdataset(recs)
		if err != nil {
			continue
		}
		return rds, sigFor(groups, name, key.typ, qclass), true
	}
	return dns.Rdataset{}, nil, false
}

// isChainForbidden reports whether qtype is one of the meta-types a CNAME
// must never be followed for (spec.md §4.5, "chain suppression").
func isChainForbidden(qtype uint16) bool {
	switch dns.RecordType(qtype) {
	case dns.TypeSIG, dns.TypeKEY, dns.TypeNXT, dns.TypeANY:
		return true
	default:
		return false
	}
}

// classifyResponse is resquery_response: decide what an inbound message
// means for this fctx and what, if anything, should change (spec.md
// §4.5). It never mutates fc directly; applyOutcome does that once the
// decision is made.
func classifyResponse(fc *fctx, rq *resquery, data []byte) classifyOutcome {
	resp, err := dns.ParsePacket(data)
	if err != nil {
		return classifyOutcome{action: actBrokenServer}
	}

	if !rq.tcp && dns.IsTruncated(data) {
		return classifyOutcome{action: actRetryTCP}
	}

	rcode := dns.RCodeFromFlags(resp.Header.Flags)
	edns0Sent := !fc.opts.Has(NoEDNS0) && !rq.addr.Has(adb.NoEDNS0)
	if rcode == dns.RCodeFormErr && edns0Sent && !rq.tcp {
		return classifyOutcome{action: actRetryEDNS0Off}
	}

	if len(resp.Questions) != 1 || !dns.EqualNames(resp.Questions[0].Name, fc.name) {
		return classifyOutcome{action: actBrokenServer}
	}

	aa := resp.Header.Flags&dns.AAFlag != 0

	if len(resp.Answers) > 0 {
		return answerResponse(fc, resp, aa)
	}
	return noanswerResponse(fc, resp, aa, fc.name)
}

// answerResponse handles a response with at least one answer record,
// following CNAME/DNAME chains that terminate within the same message
// (spec.md §4.6 step 5, §8 scenario 4).
func answerResponse(fc *fctx, resp dns.Packet, aa bool) classifyOutcome {
	groups := groupRecords(resp.Answers)
	var ops []cacheOp

	trust := cachedb.TrustAnswer
	if aa {
		trust = cachedb.TrustAuthAnswer
	}

	current := fc.name
	chained := false
	lastChainKind := Success

	for hop := 0; hop < maxChainHops; hop++ {
		if rds, sig, ok := matchAnswer(groups, current, fc.qtype, fc.qclass); ok {
			ops = append(ops, cacheOp{name: current, positive: true, rds: rds, sig: sig, trust: trust})
			result := Success
			if chained {
				result = lastChainKind
			}
			return classifyOutcome{action: actTerminal, result: result, rdataset: rds, sigRdataset: sig, cacheOps: ops}
		}

		if isChainForbidden(fc.qtype) {
			break
		}

		if owner, target, ok := findDNAME(groups, current); ok {
			drds, _ := rdatasetFor(groups, owner, uint16(dns.TypeDNAME), fc.qclass)
			ops = append(ops, cacheOp{name: owner, positive: true, rds: drds, trust: trust})
			next, synthOK := dns.SynthesizeDNAMEName(current, owner, target)
			if !synthOK {
				break
			}
			current = next
			chained = true
			lastChainKind = DNAMEResult
			continue
		}

		if rds, ok := rdatasetFor(groups, current, uint16(dns.TypeCNAME), fc.qclass); ok {
			ops = append(ops, cacheOp{name: current, positive: true, rds: rds, trust: trust})
			target, ok := rds.Records[0].Data.(string)
			if !ok {
				break
			}
			current = dns.NormalizeName(target)
			chained = true
			lastChainKind = CNAMEResult
			continue
		}

		break
	}

	if chained {
		return classifyOutcome{action: actTerminal, result: lastChainKind, cacheOps: ops}
	}

	// Answer section had records but none matched the qtype/chain walk
	// (e.g. an unrelated rrset); treat it as the server misbehaving.
	return classifyOutcome{action: actBrokenServer}
}

// findDNAME looks for a DNAME rrset in groups whose owner is an ancestor
// of (or equal to) qname.
func findDNAME(groups map[rrsetKey][]dns.Record, qname string) (owner, target string, ok bool) {
	for key, recs := range groups {
		if key.typ != uint16(dns.TypeDNAME) {
			continue
		}
		if !dns.IsSubdomain(qname, key.name) {
			continue
		}
		t, isStr := recs[0].Data.(string)
		if !isStr {
			continue
		}
		return key.name, t, true
	}
	return "", "", false
}

// noanswerResponse handles a response with no matching answer: either a
// referral to a more specific zone, or a negative (NXDOMAIN/NODATA)
// result (spec.md §4.6 step 4).
func noanswerResponse(fc *fctx, resp dns.Packet, aa bool, qname string) classifyOutcome {
	authGroups := groupRecords(resp.Authorities)
	rcode := dns.RCodeFromFlags(resp.Header.Flags)

	soaOwner, hasSOA := findSOA(authGroups)

	if hasSOA && dns.IsSubdomain(qname, soaOwner) {
		trust := negTrust(aa)
		ttl := negativeTTL(resp)
		ops := []cacheOp{{name: soaOwner, positive: true, rds: mustRdataset(authGroups, soaOwner, uint16(dns.TypeSOA), fc.qclass), trust: trust}}

		if rcode == dns.RCodeNXDomain {
			ops = append(ops, cacheOp{name: qname, positive: false, covers: uint16(dns.TypeANY), ttl: ttl, trust: trust})
			return classifyOutcome{action: actTerminal, result: NCacheNXDomain, cacheOps: ops}
		}

		ops = append(ops, cacheOp{name: qname, positive: false, covers: fc.qtype, ttl: ttl, trust: trust})
		return classifyOutcome{action: actTerminal, result: NCacheNXRRset, cacheOps: ops}
	}

	owner, nsNames, nsOps := collectAuthorityNS(resp.Authorities, aa)
	if len(nsNames) == 0 {
		return classifyOutcome{action: actBrokenServer}
	}
	if !dns.StrictlyBelow(owner, fc.domain) {
		return classifyOutcome{action: actBrokenServer}
	}

	owners := make(map[string]bool, len(nsNames))
	for _, n := range nsNames {
		owners[n] = true
	}
	glueOps, glue := collectGlue(resp.Additionals, owners, aa)

	return classifyOutcome{
		action:    actReferral,
		newDomain: owner,
		newNS:     nsNames,
		glue:      glue,
		cacheOps:  append(nsOps, glueOps...),
	}
}

func findSOA(groups map[rrsetKey][]dns.Record) (owner string, ok bool) {
	for key := range groups {
		if key.typ == uint16(dns.TypeSOA) {
			return key.name, true
		}
	}
	return "", false
}

func mustRdataset(groups map[rrsetKey][]dns.Record, name string, typ, class uint16) dns.Rdataset {
	rds, _ := rdatasetFor(groups, name, typ, class)
	return rds
}

// negativeTTL approximates the RFC 2308 negative-cache TTL by reading the
// SOA record's own TTL rather than its MINIMUM field, since the parser
// keeps SOA rdata opaque.
func negativeTTL(resp dns.Packet) uint32 {
	for _, r := range resp.Authorities {
		if dns.RecordType(r.Type) == dns.TypeSOA {
			return r.TTL
		}
	}
	return defaultNegativeTTL
}

func negTrust(aa bool) cachedb.Trust {
	if aa {
		return cachedb.TrustAuthAuthority
	}
	return cachedb.TrustAnswer
}

// collectAuthorityNS groups the authority section's NS records by owner
// and returns the delegation owner with the most specific (longest) name,
// its nameserver names, and a cacheOp per owner rrset.
func collectAuthorityNS(authorities []dns.Record, aa bool) (owner string, nsNames []string, ops []cacheOp) {
	groups := groupRecords(authorities)
	trust := cachedb.TrustGlue
	if aa {
		trust = cachedb.TrustAuthAuthority
	}

	bestLabels := -1
	for key, recs := range groups {
		if key.typ != uint16(dns.TypeNS) {
			continue
		}
		labels := dns.LabelCount(key.name)
		if labels <= bestLabels {
			continue
		}
		var names []string
		for _, r := range recs {
			if n, ok := r.Data.(string); ok {
				names = append(names, dns.NormalizeName(n))
			}
		}
		if len(names) == 0 {
			continue
		}
		rds, err := dns.NewRdataset(recs)
		if err != nil {
			continue
		}
		owner = key.name
		nsNames = names
		bestLabels = labels
		ops = []cacheOp{{name: key.name, positive: true, rds: rds, trust: trust}}
	}
	return owner, nsNames, ops
}

// collectGlue pulls A/AAAA records from a referral's additional section
// that belong to one of the referral's own nameserver names (in-bailiwick
// glue, spec.md §4.6 step 4 "Glue trust").
func collectGlue(additionals []dns.Record, owners map[string]bool, aa bool) ([]cacheOp, map[string][]netip.Addr) {
	groups := groupRecords(additionals)
	glue := make(map[string][]netip.Addr)
	var ops []cacheOp

	for key, recs := range groups {
		if !owners[key.name] {
			continue
		}
		if key.typ != uint16(dns.TypeA) && key.typ != uint16(dns.TypeAAAA) {
			continue
		}
		var addrs []netip.Addr
		for _, r := range recs {
			if a, ok := addrFromRecord(r); ok {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) == 0 {
			continue
		}
		glue[key.name] = append(glue[key.name], addrs...)
		rds, err := dns.NewRdataset(recs)
		if err != nil {
			continue
		}
		ops = append(ops, cacheOp{name: key.name, positive: true, rds: rds, trust: cachedb.TrustGlue})
	}
	return ops, glue
}

func addrFromRecord(r dns.Record) (netip.Addr, bool) {
	b, ok := r.Data.([]byte)
	if !ok {
		return netip.Addr{}, false
	}
	switch dns.RecordType(r.Type) {
	case dns.TypeA:
		if len(b) != 4 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(b)), true
	case dns.TypeAAAA:
		if len(b) != 16 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(b)), true
	default:
		return netip.Addr{}, false
	}
}
