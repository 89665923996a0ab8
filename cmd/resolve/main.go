// Command resolve is a thin CLI harness over internal/resolver: it builds
// one Resolver from config.Config, runs a single fetch for a name/type,
// and prints the terminal result. It replaces cmd/dnsquery, which only
// ever sent one UDP query to one server and never walked a delegation
// chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jroosing/hydradns/internal/adb"
	"github.com/jroosing/hydradns/internal/cachedb"
	"github.com/jroosing/hydradns/internal/config"
	"github.com/jroosing/hydradns/internal/dispatch"
	"github.com/jroosing/hydradns/internal/dns"
	"github.com/jroosing/hydradns/internal/health"
	"github.com/jroosing/hydradns/internal/logging"
	"github.com/jroosing/hydradns/internal/resolver"
	"github.com/jroosing/hydradns/internal/view"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	name       string
	qtypeRaw   string
	server     string
	timeout    time.Duration
	forceTCP   bool
	noEDNS0    bool
	unshared   bool
	health     bool
	quiet      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.name, "name", "example.com.", "Query name")
	flag.StringVar(&f.qtypeRaw, "type", "A", "Query type (name or numeric, e.g. A, AAAA, 28)")
	flag.StringVar(&f.server, "server", "", "One-off forwarder HOST:PORT; overrides config forwarders for this query")
	flag.DurationVar(&f.timeout, "timeout", 5*time.Second, "Fetch timeout")
	flag.BoolVar(&f.forceTCP, "tcp", false, "Force TCP for the first query")
	flag.BoolVar(&f.noEDNS0, "no-edns0", false, "Never advertise EDNS0")
	flag.BoolVar(&f.unshared, "unshared", false, "Never join an in-flight fetch for the same question")
	flag.BoolVar(&f.health, "health", false, "Print a resolver health snapshot after the query")
	flag.BoolVar(&f.quiet, "quiet", false, "Suppress output; exit status indicates success")
	flag.Parse()
	return f
}

// applyCLIOverrides layers one-off CLI forwarder selection on top of the
// loaded config. Unlike the rest of config, --server is never persisted;
// it only affects this invocation.
func applyCLIOverrides(cfg *config.Config, f cliFlags) error {
	if f.server == "" {
		return nil
	}
	addr := f.server
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "53")
	}
	if _, err := netip.ParseAddrPort(addr); err != nil {
		return fmt.Errorf("invalid --server %q: %w", f.server, err)
	}
	cfg.Resolver.Forwarders = []string{addr}
	cfg.Resolver.ForwardPolicy = config.ForwardOnly
	return nil
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyCLIOverrides(cfg, flags); err != nil {
		return err
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	traceID := uuid.New().String()[:8]

	qtype, err := parseQType(flags.qtypeRaw)
	if err != nil {
		return err
	}

	v, err := buildView(cfg)
	if err != nil {
		return fmt.Errorf("building view: %w", err)
	}

	v4, err := dispatch.Listen("udp4", logging.Named(logger, "dispatch.v4"))
	if err != nil {
		return fmt.Errorf("opening v4 dispatcher: %w", err)
	}
	defer v4.Close()

	v6, err := dispatch.Listen("udp6", logging.Named(logger, "dispatch.v6"))
	if err != nil {
		logger.Warn("ipv6 dispatcher unavailable, continuing v4-only", "trace_id", traceID, "err", err)
		v6 = nil
	} else {
		defer v6.Close()
	}

	r := resolver.New(resolver.Config{
		View:       v,
		ADB:        adb.New(nil),
		Cache:      cachedb.New(),
		DispatchV4: v4,
		DispatchV6: v6,
		Buckets:    cfg.Resolver.Buckets,
		Logger:     logging.Named(logger, "resolver"),
		Lifetime:   cfg.Resolver.Lifetime,
	})

	fwdPolicy, fwdAddrs, err := resolveForwarders(cfg)
	if err != nil {
		return err
	}
	if err := r.SetForwarders(fwdAddrs); err != nil {
		return err
	}
	if err := r.SetForwardPolicy(fwdPolicy); err != nil {
		return err
	}
	r.Freeze()
	defer func() {
		r.Shutdown()
		<-r.WhenShutdown()
	}()

	stats := health.New(time.Now())
	stats.RecordQuery()

	opts := resolver.Recursive
	if flags.forceTCP {
		opts |= resolver.ForceTCP
	}
	if flags.noEDNS0 {
		opts |= resolver.NoEDNS0
	}
	if flags.unshared {
		opts |= resolver.Unshared
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	logger.Info("starting fetch", "trace_id", traceID, "name", flags.name, "qtype", qtype)

	fetch, err := r.CreateFetch(ctx, flags.name, qtype, uint16(dns.ClassIN), "", nil, opts)
	if err != nil {
		return fmt.Errorf("creating fetch: %w", err)
	}

	var res resolver.FetchResult
	select {
	case res = <-fetch.Done():
	case <-ctx.Done():
		r.CancelFetch(fetch)
		res = <-fetch.Done()
	}

	if res.Result == resolver.Success || res.Result == resolver.CNAMEResult || res.Result == resolver.DNAMEResult {
		stats.RecordCacheMiss()
	} else if res.Err != nil {
		stats.RecordFetchFailure()
	}

	if flags.quiet {
		if res.Result != resolver.Success && res.Result != resolver.CNAMEResult && res.Result != resolver.DNAMEResult {
			return fmt.Errorf("resolve failed: %s", res.Result)
		}
		return nil
	}

	printResult(res)
	if flags.health {
		printHealth(stats, r)
	}

	if res.Result != resolver.Success && res.Result != resolver.CNAMEResult && res.Result != resolver.DNAMEResult {
		return fmt.Errorf("resolve failed: %s", res.Result)
	}
	return nil
}

// buildView loads root hints (from the configured file, or the compiled-in
// default set) plus any configured stub zones.
func buildView(cfg *config.Config) (*view.View, error) {
	v := view.New()
	if cfg.Resolver.HintsFile != "" {
		if err := v.LoadHintsFile(cfg.Resolver.HintsFile); err != nil {
			return nil, err
		}
	} else {
		if err := v.LoadHintsText(defaultRootHints); err != nil {
			return nil, fmt.Errorf("loading built-in root hints: %w", err)
		}
	}
	for _, path := range cfg.Resolver.StubZones {
		if err := v.AddStubZone(path); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func resolveForwarders(cfg *config.Config) (resolver.ForwardPolicy, []netip.AddrPort, error) {
	var policy resolver.ForwardPolicy
	switch cfg.Resolver.ForwardPolicy {
	case config.ForwardFirst:
		policy = resolver.FwdFirst
	case config.ForwardOnly:
		policy = resolver.FwdOnly
	default:
		policy = resolver.FwdNone
	}

	addrs := make([]netip.AddrPort, 0, len(cfg.Resolver.Forwarders))
	for _, s := range cfg.Resolver.Forwarders {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, "53")
		}
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid forwarder %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return policy, addrs, nil
}

var typeNames = map[string]uint16{
	"A":     uint16(dns.TypeA),
	"NS":    uint16(dns.TypeNS),
	"CNAME": uint16(dns.TypeCNAME),
	"SOA":   uint16(dns.TypeSOA),
	"PTR":   uint16(dns.TypePTR),
	"MX":    uint16(dns.TypeMX),
	"TXT":   uint16(dns.TypeTXT),
	"AAAA":  uint16(dns.TypeAAAA),
	"DNAME": uint16(dns.TypeDNAME),
	"ANY":   uint16(dns.TypeANY),
}

func parseQType(raw string) (uint16, error) {
	if t, ok := typeNames[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unrecognized query type %q", raw)
	}
	return uint16(n), nil
}

func printResult(res resolver.FetchResult) {
	fmt.Printf("result=%s name=%s\n", res.Result, res.Name)
	if res.Err != nil {
		fmt.Printf("  error: %v\n", res.Err)
	}
	rows := make([]string, 0, len(res.Rdataset.Records))
	for _, rr := range res.Rdataset.Records {
		rows = append(rows, formatRR(rr))
	}
	sort.Strings(rows)
	for _, s := range rows {
		fmt.Println(s)
	}
}

func formatRR(rr dns.Record) string {
	name := rr.Name
	if name == dns.RootName {
		name = "."
	}
	switch dns.RecordType(rr.Type) {
	case dns.TypeA:
		if b, ok := rr.Data.([]byte); ok && len(b) == 4 {
			return fmt.Sprintf("%s %d IN A %d.%d.%d.%d", name, rr.TTL, b[0], b[1], b[2], b[3])
		}
	case dns.TypeAAAA:
		if b, ok := rr.Data.([]byte); ok && len(b) == 16 {
			return fmt.Sprintf("%s %d IN AAAA %s", name, rr.TTL, net.IP(b).String())
		}
	case dns.TypeCNAME:
		if s, ok := rr.Data.(string); ok {
			return fmt.Sprintf("%s %d IN CNAME %s", name, rr.TTL, s)
		}
	case dns.TypeNS:
		if s, ok := rr.Data.(string); ok {
			return fmt.Sprintf("%s %d IN NS %s", name, rr.TTL, s)
		}
	}
	return fmt.Sprintf("%s %d IN TYPE%d (unparsed)", name, rr.TTL, rr.Type)
}

func printHealth(stats *health.Stats, r *resolver.Resolver) {
	var occupancy []health.BucketOccupancy
	for _, b := range r.BucketOccupancy() {
		occupancy = append(occupancy, health.BucketOccupancy{Bucket: b.Index, Fetches: b.Fetches, Waiters: b.Waiters})
	}
	snap := stats.Snapshot(occupancy)
	fmt.Printf("--- health ---\n")
	fmt.Printf("uptime=%ds queries=%d cache_hits=%d cache_misses=%d fetches_sent=%d fetches_failed=%d\n",
		snap.UptimeSeconds, snap.QueriesTotal, snap.CacheHits, snap.CacheMisses, snap.FetchesSent, snap.FetchesFail)
	fmt.Printf("cpu=%.1f%% mem=%.1f/%.1fMB (%.1f%%) numcpu=%d\n",
		snap.CPUPercent, snap.MemUsedMB, snap.MemTotalMB, snap.MemUsedPct, snap.NumCPU)
	busy := 0
	for _, b := range snap.Buckets {
		if b.Fetches > 0 {
			busy++
		}
	}
	fmt.Printf("buckets=%d busy=%d\n", len(snap.Buckets), busy)
}

// defaultRootHints is a compiled-in subset of the IANA root hints
// (named.cache), used when resolver.hints_file is not configured. It is not meant to be exhaustive, only enough nameservers
// for the resolver to bootstrap zone-cut discovery from the root.
const defaultRootHints = `$ORIGIN .
@ 3600000 IN NS a.root-servers.net.
@ 3600000 IN NS b.root-servers.net.
@ 3600000 IN NS c.root-servers.net.
@ 3600000 IN NS d.root-servers.net.
@ 3600000 IN NS e.root-servers.net.
a.root-servers.net. 3600000 IN A 198.41.0.4
b.root-servers.net. 3600000 IN A 199.9.14.201
c.root-servers.net. 3600000 IN A 192.33.4.12
d.root-servers.net. 3600000 IN A 199.7.91.13
e.root-servers.net. 3600000 IN A 192.203.230.10
`
