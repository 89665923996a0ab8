package resolver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/jroosing/hydradns/internal/adb"
	"github.com/jroosing/hydradns/internal/dispatch"
	"github.com/jroosing/hydradns/internal/dns"
)

// state is the fctx lifecycle state (spec.md §3 "state").
type state int

const (
	stateInit state = iota
	stateActive
	stateDone
)

const (
	edns0UDPSize       = 2048
	maxRestarts        = 10
	maxChainHops       = 16
	defaultNegativeTTL = 300
	tcpQueryTimeout    = 10 * time.Second
	lameServerTTL      = 600 * time.Second
)

var (
	errNoAddresses           = errors.New("resolver: no addresses available")
	errBrokenServer          = errors.New("resolver: server response could not be used")
	errLifetimeExceeded      = errors.New("resolver: fetch exceeded its lifetime")
	errNonDescendingReferral = errors.New("resolver: referral did not descend the delegation")
)

// addrResult is the outcome of one fctx_getaddresses call.
type addrResult int

const (
	addrSuccess addrResult = iota
	addrWait
	addrFail
)

// fctx is the per-question state machine (spec.md §3 "Fetch Context").
// Bucket-locked fields (st, waiters) are guarded by bucket.mu; every
// other field is task-serialized and touched only from the owning
// bucket's goroutine.
type fctx struct {
	bucket *bucket
	key    string

	name   string
	qtype  uint16
	qclass uint16
	opts   Options

	seedDomain string
	seedNS     []string
	policy     ForwardPolicy
	defaultFwd []netip.AddrPort

	// bucket-locked
	st      state
	waiters []*Fetch

	// task-serialized
	domain      string
	nsNames     []string
	forwarders  []*adb.AddrInfo
	finds       []*adb.Find
	marked      map[*adb.AddrInfo]bool
	restarts    int
	firstQuery  bool
	pendingADB  int
	queries     []*resquery
	expiry      time.Time
	retryTimer  *time.Timer
	lifeTimer   *time.Timer
	timerEpoch  int
}

func newFctx(b *bucket, key, name string, qtype, qclass uint16, domain string, nameservers []string, opts Options, policy ForwardPolicy, defaultFwd []netip.AddrPort) *fctx {
	return &fctx{
		bucket:     b,
		key:        key,
		name:       dns.NormalizeName(name),
		qtype:      qtype,
		qclass:     qclass,
		opts:       opts,
		seedDomain: domain,
		seedNS:     nameservers,
		policy:     policy,
		defaultFwd: defaultFwd,
		marked:     make(map[*adb.AddrInfo]bool),
		firstQuery: true,
	}
}

func (fc *fctx) state() state {
	fc.bucket.mu.Lock()
	defer fc.bucket.mu.Unlock()
	return fc.st
}

// join attaches a new waiter. Must run with bucket.mu held (bucket.createFetch
// holds it across the lookup-or-create decision).
func (fc *fctx) join() *Fetch {
	f := newFetch()
	f.fctx = fc
	fc.waiters = append(fc.waiters, f)
	return f
}

// start resolves the initial zone cut and begins the fetch cycle
// (spec.md §4.2 "fctx_create").
func (fc *fctx) start() {
	fc.bucket.mu.Lock()
	fc.st = stateActive
	fc.bucket.mu.Unlock()

	if fc.seedDomain != "" || len(fc.seedNS) > 0 {
		fc.domain = dns.NormalizeName(fc.seedDomain)
		fc.nsNames = fc.seedNS
	} else if fc.policy == FwdOnly {
		fc.domain = dns.RootName
		fc.nsNames = nil
	} else if fc.bucket.resolver.view != nil {
		cut, err := fc.bucket.resolver.view.FindClosestCut(fc.name)
		if err == nil {
			fc.domain = dns.NormalizeName(cut.Name)
			fc.nsNames = cut.NS
			fc.seedGlue(cut.Glue)
		}
	}

	fc.expiry = time.Now().Add(fc.bucket.resolver.lifetime)
	fc.armLifeTimer(fc.bucket.resolver.lifetime)

	switch fc.getAddresses() {
	case addrWait:
		return
	case addrFail:
		fc.done(Servfail, dns.Rdataset{}, nil, errNoAddresses)
		return
	case addrSuccess:
		fc.try()
	}
}

func (fc *fctx) seedGlue(glue map[string][]netip.Addr) {
	for name, addrs := range glue {
		if len(addrs) > 0 {
			fc.bucket.resolver.adb.SeedHints(name, addrs)
		}
	}
}

// try issues a query to the next unmarked address, restarting the
// acquisition cycle when every known address has been tried
// (spec.md §4.3 "fctx_nextaddress"/"fctx_try").
func (fc *fctx) try() {
	if fc.state() == stateDone {
		return
	}
	if addr := fc.nextAddress(); addr != nil {
		fc.query(addr, fc.opts.Has(ForceTCP) && fc.firstQuery)
		return
	}
	if fc.pendingADB > 0 {
		return
	}
	switch fc.getAddresses() {
	case addrWait:
		return
	case addrFail:
		fc.done(Servfail, dns.Rdataset{}, nil, errNoAddresses)
		return
	case addrSuccess:
		addr := fc.nextAddress()
		if addr == nil {
			fc.done(Servfail, dns.Rdataset{}, nil, errNoAddresses)
			return
		}
		fc.query(addr, fc.opts.Has(ForceTCP) && fc.firstQuery)
	}
}

// getAddresses assembles forwarders and delegation-NS addresses
// (spec.md §4.3). restarts > 10 fails the fetch (invariant 3).
func (fc *fctx) getAddresses() addrResult {
	fc.restarts++
	if fc.restarts > maxRestarts {
		return addrFail
	}

	fc.forwarders = nil
	fc.finds = nil
	fc.marked = make(map[*adb.AddrInfo]bool)
	fc.pendingADB = 0

	for _, addr := range fc.effectiveForwarders() {
		info := fc.bucket.resolver.adb.FindAddrInfo(addr)
		info.ChangeFlags(adb.Forwarder, adb.Forwarder)
		fc.forwarders = append(fc.forwarders, info)
	}

	haveAddrs := len(fc.forwarders) > 0

	if fc.policy != FwdOnly {
		for _, ns := range fc.nsNames {
			findOpts := adb.WantEvent | adb.EmptyEvent
			if fc.bucket.resolver.v4 != nil {
				findOpts |= adb.WantINET
			}
			if fc.bucket.resolver.v6 != nil {
				findOpts |= adb.WantINET6
			}
			if dns.IsSubdomain(ns, fc.domain) {
				findOpts |= adb.StartAtRoot
			}
			find := fc.bucket.resolver.adb.CreateFind(context.Background(), ns, 53, findOpts)
			fc.finds = append(fc.finds, find)
			select {
			case <-find.Ready():
				if addrs, err := find.Result(); err == nil && len(addrs) > 0 {
					haveAddrs = true
				}
			default:
				fc.pendingADB++
				go fc.awaitFind(find)
			}
		}
	}

	if haveAddrs {
		return addrSuccess
	}
	if fc.pendingADB > 0 {
		return addrWait
	}
	return addrFail
}

func (fc *fctx) awaitFind(find *adb.Find) {
	<-find.Ready()
	fc.bucket.events <- bucketEvent{kind: evAddrReady, fc: fc}
}

func (fc *fctx) addressesReady() {
	if fc.state() == stateDone {
		return
	}
	if fc.pendingADB > 0 {
		fc.pendingADB--
	}
	fc.try()
}

func (fc *fctx) effectiveForwarders() []netip.AddrPort {
	if len(fc.defaultFwd) > 0 {
		return fc.defaultFwd
	}
	return nil
}

// nextAddress returns the next unmarked, non-lame addrinfo, forwarders
// first, then ready finds in order, marking it as tried this round. An
// address currently marked lame for fc.domain (spec.md Glossary "Lame
// server") is skipped rather than tried, since its lameness persists
// across fetches and restarts independent of this round's marks.
func (fc *fctx) nextAddress() *adb.AddrInfo {
	now := time.Now()
	for _, info := range fc.forwarders {
		if fc.marked[info] || info.IsLame(fc.domain, now) {
			continue
		}
		fc.marked[info] = true
		return info
	}
	for _, find := range fc.finds {
		select {
		case <-find.Ready():
		default:
			continue
		}
		addrs, err := find.Result()
		if err != nil {
			continue
		}
		for _, info := range addrs {
			if fc.marked[info] || info.IsLame(fc.domain, now) {
				continue
			}
			fc.marked[info] = true
			return info
		}
	}
	return nil
}

// query issues a resquery (spec.md §4.4). The retry interval formula is
// max(doubled SRTT, schedule) clamped to 30s, satisfying invariant 4.
func (fc *fctx) query(addr *adb.AddrInfo, tcp bool) {
	fc.firstQuery = false
	schedule := 2 * time.Second
	if fc.restarts > 2 {
		shift := fc.restarts
		if shift > 4 { // 2^5s already exceeds the 30s clamp
			shift = 4
		}
		schedule = time.Duration(1<<uint(shift)) * time.Second
	}
	interval := schedule
	if doubled := addr.SRTT() * 2; doubled > interval {
		interval = doubled
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	fc.armRetryTimer(interval)

	msg, err := fc.buildQuery(addr)
	if err != nil {
		fc.done(Servfail, dns.Rdataset{}, nil, err)
		return
	}

	rq := &resquery{addr: addr, start: time.Now(), tcp: tcp}
	fc.queries = append(fc.queries, rq)

	if tcp {
		go fc.sendTCP(rq, msg)
		return
	}
	fc.sendUDP(rq, msg)
}

func (fc *fctx) buildQuery(addr *adb.AddrInfo) ([]byte, error) {
	flags := uint16(0)
	if fc.opts.Has(Recursive) || addr.Has(adb.Forwarder) {
		flags |= dns.RDFlag
	}
	pkt := dns.Packet{
		Header:    dns.Header{ID: randomID(), Flags: flags},
		Questions: []dns.Question{{Name: fc.name, Type: fc.qtype, Class: fc.qclass}},
	}
	msg, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	if !fc.opts.Has(NoEDNS0) && !addr.Has(adb.NoEDNS0) {
		msg = dns.AddEDNSToRequestBytes(pkt, msg, edns0UDPSize)
	}
	return msg, nil
}

func randomID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (fc *fctx) dispatcherFor(addr netip.AddrPort) *dispatch.Dispatcher {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return fc.bucket.resolver.v4
	}
	return fc.bucket.resolver.v6
}

func (fc *fctx) sendUDP(rq *resquery, msg []byte) {
	d := fc.dispatcherFor(rq.addr.Addr)
	if d == nil {
		fc.removeQuery(rq)
		fc.brokenServer(rq, errBrokenServer)
		return
	}
	id, ch, err := d.Register(rq.addr.Addr)
	if err != nil {
		fc.removeQuery(rq)
		fc.brokenServer(rq, err)
		return
	}
	rq.id = id
	binary.BigEndian.PutUint16(msg[0:2], id)
	if err := d.Send(rq.addr.Addr, msg); err != nil {
		d.Unregister(id, rq.addr.Addr)
		fc.removeQuery(rq)
		fc.brokenServer(rq, err)
		return
	}
	rq.cancel = func() { d.Unregister(id, rq.addr.Addr) }
	go func() {
		resp := <-ch
		fc.bucket.events <- bucketEvent{kind: evQueryResponse, fc: fc, rq: rq, data: resp.Data, err: resp.Err}
	}()
}

func (fc *fctx) sendTCP(rq *resquery, msg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), tcpQueryTimeout)
	rq.cancel = cancel
	defer cancel()
	resp, err := dispatch.TCPQuery(ctx, rq.addr.Addr, msg, tcpQueryTimeout)
	fc.bucket.events <- bucketEvent{kind: evQueryResponse, fc: fc, rq: rq, data: resp, err: err}
}

func (fc *fctx) hasQuery(rq *resquery) bool {
	for _, q := range fc.queries {
		if q == rq {
			return true
		}
	}
	return false
}

func (fc *fctx) removeQuery(rq *resquery) {
	for i, q := range fc.queries {
		if q == rq {
			fc.queries = append(fc.queries[:i], fc.queries[i+1:]...)
			return
		}
	}
}

// handleQueryResult classifies one response and applies the outcome
// (spec.md §4.5).
func (fc *fctx) handleQueryResult(rq *resquery, data []byte, err error) {
	if fc.state() == stateDone || !fc.hasQuery(rq) {
		return
	}
	fc.removeQuery(rq)

	if err != nil {
		fc.brokenServer(rq, err)
		return
	}

	outcome := classifyResponse(fc, rq, data)
	fc.applyOutcome(rq, outcome)
}

func (fc *fctx) applyOutcome(rq *resquery, oc classifyOutcome) {
	switch oc.action {
	case actRetryEDNS0Off:
		rq.addr.ChangeFlags(adb.NoEDNS0, adb.NoEDNS0)
		fc.resendSameAddr(rq, rq.tcp)
	case actRetryTCP:
		fc.resendSameAddr(rq, true)
	case actBrokenServer:
		fc.brokenServer(rq, errBrokenServer)
	case actReferral:
		fc.adjustRTTSuccess(rq)
		fc.writeCacheOps(Success, oc.cacheOps)
		if !dns.StrictlyBelow(oc.newDomain, fc.domain) {
			fc.done(Servfail, dns.Rdataset{}, nil, errNonDescendingReferral)
			return
		}
		fc.domain = oc.newDomain
		fc.nsNames = oc.newNS
		fc.seedGlue(oc.glue)
		fc.cycleAfterReferral()
	case actTerminal:
		fc.adjustRTTSuccess(rq)
		result := fc.writeCacheOps(oc.result, oc.cacheOps)
		fc.validateTerminal(result, oc.rdataset)
		fc.done(result, oc.rdataset, oc.sigRdataset, nil)
	}
}

// validateTerminal runs the DNSSEC validation hook over a positive answer
// unless the caller asked to skip it; the result is logged only, since
// the validator this repo ships (internal/validate) never downgrades a
// fetch's outcome on its own (spec.md §9, validation is advisory here).
func (fc *fctx) validateTerminal(result Result, rds dns.Rdataset) {
	if result != Success || fc.opts.Has(NoValidate) {
		return
	}
	v := fc.bucket.resolver.validator
	if v == nil {
		return
	}
	status := v.Validate(fc.name, rds.Records)
	fc.bucket.resolver.logger.Debug("resolver: validated answer",
		"name", fc.name, "qtype", fc.qtype, "status", status)
}

func (fc *fctx) resendSameAddr(rq *resquery, tcp bool) {
	fc.query(rq.addr, tcp)
}

func (fc *fctx) cycleAfterReferral() {
	switch fc.getAddresses() {
	case addrWait:
		return
	case addrFail:
		fc.done(Servfail, dns.Rdataset{}, nil, errNoAddresses)
	case addrSuccess:
		addr := fc.nextAddress()
		if addr == nil {
			fc.done(Servfail, dns.Rdataset{}, nil, errNoAddresses)
			return
		}
		fc.query(addr, false)
	}
}

// brokenServer handles a per-query failure: never fails the fetch
// outright, just marks the server lame for the zone it failed to answer
// for and tries the next address (spec.md §5 "Retry & failure policy",
// Glossary "Lame server").
func (fc *fctx) brokenServer(rq *resquery, _ error) {
	fc.penalizeTimeout(rq)
	rq.addr.MarkLame(fc.domain, time.Now().Add(lameServerTTL))
	fc.try()
}

// penalizeTimeout applies the non-response RTT formula without advancing
// to the next address; callers that need to penalize several queries at
// once (idleTimeout) call try() themselves exactly once afterward.
func (fc *fctx) penalizeTimeout(rq *resquery) {
	rtt := rq.addr.SRTT() + time.Duration(100_000*fc.restarts)*time.Microsecond
	if rtt > adb.MaxSRTT {
		rtt = adb.MaxSRTT
	}
	rq.addr.AdjustSRTT(rtt, adb.RTTAdjReplace)
}

func (fc *fctx) adjustRTTSuccess(rq *resquery) {
	rq.addr.AdjustSRTT(rq.rtt(time.Now()), adb.RTTAdjDefault)
}

// idleTimeout fires when a query's retry interval elapses without a
// response; it never ends the fetch (spec.md §5), just advances to the
// next address. epoch must match the timer that was current when it was
// armed, so a timer already superseded by a fresh query can't fire late
// and cancel queries it knows nothing about.
func (fc *fctx) idleTimeout(epoch int) {
	if epoch != fc.timerEpoch {
		return
	}
	if fc.state() == stateDone {
		return
	}
	timedOut := fc.queries
	fc.queries = nil
	for _, rq := range timedOut {
		if rq.cancel != nil {
			rq.cancel()
		}
		fc.penalizeTimeout(rq)
	}
	fc.try()
}

func (fc *fctx) lifeTimeout() {
	if fc.state() == stateDone {
		return
	}
	fc.done(Timedout, dns.Rdataset{}, nil, errLifetimeExceeded)
}

func (fc *fctx) armRetryTimer(d time.Duration) {
	if fc.retryTimer != nil {
		fc.retryTimer.Stop()
	}
	fc.timerEpoch++
	epoch := fc.timerEpoch
	fc.retryTimer = time.AfterFunc(d, func() {
		fc.bucket.events <- bucketEvent{kind: evIdleTimeout, fc: fc, epoch: epoch}
	})
}

func (fc *fctx) armLifeTimer(d time.Duration) {
	fc.lifeTimer = time.AfterFunc(d, func() {
		fc.bucket.events <- bucketEvent{kind: evLifeTimeout, fc: fc}
	})
}

func (fc *fctx) stopTimers() {
	if fc.retryTimer != nil {
		fc.retryTimer.Stop()
	}
	if fc.lifeTimer != nil {
		fc.lifeTimer.Stop()
	}
}

func (fc *fctx) cancelOutstandingQueries() {
	for _, rq := range fc.queries {
		if rq.cancel != nil {
			rq.cancel()
		}
	}
	fc.queries = nil
}

// done delivers result to every current waiter exactly once and removes
// the fctx from its bucket (spec.md §4.7 "sendevents").
func (fc *fctx) done(result Result, rds dns.Rdataset, sig *dns.Rdataset, err error) {
	fc.stopTimers()
	fc.cancelOutstandingQueries()

	fc.bucket.mu.Lock()
	if fc.st == stateDone {
		fc.bucket.mu.Unlock()
		return
	}
	fc.st = stateDone
	waiters := fc.waiters
	fc.waiters = nil
	fc.bucket.mu.Unlock()

	if result == Servfail || result == Timedout {
		fc.bucket.resolver.logger.Warn("resolver: fetch failed",
			"name", fc.name, "qtype", fc.qtype, "result", result, "restarts", fc.restarts, "error", err)
	}

	for _, w := range waiters {
		w.deliver(FetchResult{Result: result, Name: fc.name, Rdataset: rds, SigRdataset: sig, Err: err})
	}
	fc.bucket.reap(fc)
}

// cancelWaiter removes one waiter (spec.md §4.2 "cancelfetch"). If it
// was the last waiter, the fctx shuts down rather than continuing to
// consume network resources for nobody.
func (fc *fctx) cancelWaiter(f *Fetch) {
	fc.bucket.mu.Lock()
	if fc.st == stateDone {
		fc.bucket.mu.Unlock()
		return
	}
	idx := -1
	for i, w := range fc.waiters {
		if w == f {
			idx = i
			break
		}
	}
	if idx == -1 {
		fc.bucket.mu.Unlock()
		return
	}
	fc.waiters = append(fc.waiters[:idx], fc.waiters[idx+1:]...)
	remaining := len(fc.waiters)
	fc.bucket.mu.Unlock()

	f.deliver(FetchResult{Result: Canceled, Name: fc.name})

	if remaining == 0 {
		fc.doShutdown()
	}
}

// doShutdown runs fctx_doshutdown: stop everything, transition to done,
// fan CANCELED to whoever is left (spec.md §4.2, invariant 2).
func (fc *fctx) doShutdown() {
	fc.stopTimers()
	fc.cancelOutstandingQueries()

	fc.bucket.mu.Lock()
	if fc.st == stateDone {
		fc.bucket.mu.Unlock()
		return
	}
	fc.st = stateDone
	waiters := fc.waiters
	fc.waiters = nil
	fc.bucket.mu.Unlock()

	for _, w := range waiters {
		w.deliver(FetchResult{Result: Canceled, Name: fc.name})
	}
	fc.bucket.reap(fc)
}
