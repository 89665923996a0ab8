// Package view answers the one question the iterative resolver asks
// before it can send a single query: "what do I already know about the
// delegation above this name?" It holds the root hints and any locally
// configured stub/static zones, and finds the best (longest-match)
// zone cut for a query name the way a BIND-style view's local
// authoritative data takes priority over the wider internet.
//
// Grounded on the teacher's internal/zone package: ParseText/LoadFile and
// the Zone type's name index are reused verbatim as the master-file
// parser; View adds the delegation-walking behavior the teacher's Zone
// never needed, since the teacher served zones authoritatively instead of
// using them as a resolver's starting point.
package view

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/zone"
)

// Cut is a zone cut: the owner name of a delegation, its nameserver
// names, and any glue addresses shipped alongside the NS records.
type Cut struct {
	Name string
	NS   []string
	Glue map[string][]netip.Addr // NS name -> addresses found in the same zone
}

// View holds the resolver's locally known zones: the root hints zone
// (always present) plus any statically configured stub zones that
// should be consulted before walking the real delegation chain
// (spec.md §4.1 "Zone cut discovery").
type View struct {
	root  *zone.Zone
	stubs []*zone.Zone
}

// New builds an empty View. Call LoadHintsFile or LoadHintsText before
// using it; a View
// with no hints loaded cannot find a starting zone cut for anything.
func New() *View {
	return &View{}
}

// LoadHintsFile parses a root-hints master file (NS + A/AAAA records for
// "."), the same way LoadHintsText parses an in-memory string.
func (v *View) LoadHintsFile(path string) error {
	z, err := zone.LoadFile(path)
	if err != nil {
		return fmt.Errorf("view: loading hints file: %w", err)
	}
	return v.setHints(z)
}

// LoadHintsText parses root hints from an in-memory master-file string,
// the common case for tests and for a compiled-in default hint set.
func (v *View) LoadHintsText(text string) error {
	z, err := zone.ParseText(text)
	if err != nil {
		return fmt.Errorf("view: parsing hints text: %w", err)
	}
	return v.setHints(z)
}

func (v *View) setHints(z *zone.Zone) error {
	if z.Origin != "" {
		return fmt.Errorf("view: hints zone must have origin \".\", got %q", z.Origin)
	}
	v.root = z
	return nil
}

// AddStubZone loads a master file as a stub zone: a zone cut the
// resolver treats as authoritative-delegation information without
// actually serving the zone's contents (spec.md §12, "stub zones").
func (v *View) AddStubZone(path string) error {
	z, err := zone.LoadFile(path)
	if err != nil {
		return fmt.Errorf("view: loading stub zone %s: %w", path, err)
	}
	v.stubs = append(v.stubs, z)
	return nil
}

// FindClosestCut returns the zone cut that is the longest known match
// for qname: the deepest configured stub zone qname falls under, or
// else the root hints. This is the resolver's "get_nameservers"
// starting point before it walks any live delegation (spec.md §4.1).
func (v *View) FindClosestCut(qname string) (*Cut, error) {
	var best *zone.Zone
	bestLabels := -1

	for _, z := range v.stubs {
		if !z.ContainsName(qname) {
			continue
		}
		labels := dns.LabelCount(z.Origin)
		if labels > bestLabels {
			best = z
			bestLabels = labels
		}
	}

	if best == nil {
		if v.root == nil {
			return nil, fmt.Errorf("view: no root hints loaded")
		}
		best = v.root
	}

	return cutFromZone(best)
}

func cutFromZone(z *zone.Zone) (*Cut, error) {
	owner := z.Origin
	if owner == "" {
		owner = dns.RootName
	}
	nsRecords := z.Lookup(owner, uint16(dns.TypeNS), classIN)
	if len(nsRecords) == 0 {
		return nil, fmt.Errorf("view: zone %q has no NS records at its apex", z.Origin)
	}

	cut := &Cut{Name: owner, Glue: make(map[string][]netip.Addr)}
	for _, rr := range nsRecords {
		nsName, ok := rr.RData.(string)
		if !ok {
			continue
		}
		cut.NS = append(cut.NS, nsName)
		cut.Glue[nsName] = glueAddrsFor(z, nsName)
	}
	return cut, nil
}

func glueAddrsFor(z *zone.Zone, name string) []netip.Addr {
	var out []netip.Addr
	for _, rr := range z.Lookup(name, uint16(dns.TypeA), classIN) {
		if s, ok := rr.RData.(string); ok {
			if a, err := netip.ParseAddr(s); err == nil {
				out = append(out, a)
			}
		}
	}
	for _, rr := range z.Lookup(name, uint16(dns.TypeAAAA), classIN) {
		if s, ok := rr.RData.(string); ok {
			if a, err := netip.ParseAddr(s); err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}

const classIN = 1

// IsBelow reports whether qname falls under cut's owner name, used by
// the resolver to decide whether a referral actually moves it closer to
// the answer (spec.md §4.5, referral sanity check).
func (c *Cut) IsBelow(qname string) bool {
	return dns.IsSubdomain(qname, c.Name)
}

// String renders a cut for log lines.
func (c *Cut) String() string {
	if c.Name == dns.RootName {
		return fmt.Sprintf("<root> (%d ns)", len(c.NS))
	}
	return fmt.Sprintf("%s (%d ns)", strings.TrimSuffix(c.Name, "."), len(c.NS))
}
