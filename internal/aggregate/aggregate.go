// Package aggregate owns the report while a run is in progress. Every
// producer hands it Events; a single goroutine applies them.
package aggregate

import (
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnsrecon/internal/resolver"
	"dnsrecon/internal/wildcard"
)

type Kind int

const (
	KindResolution Kind = iota
	KindTransfer
	KindFinding
	KindSnoop
	KindWildcard
	KindPlanned
	KindNetRanges
	KindCancelled
)

type Event struct {
	Kind       Kind
	Source     string
	Result     resolver.Result
	Suppressed bool
	Server     string
	Records    []dns.RR
	Finding    Finding
	Snoop      SnoopEntry
	Wildcard   wildcard.Signature
	Planned    int
	NetRanges  []string
}

// Sink is what producers need from the aggregator.
type Sink interface {
	Submit(Event)
}

func Resolution(source string, res resolver.Result) Event {
	return Event{Kind: KindResolution, Source: source, Result: res}
}

// WildcardHit is a resolution that matched the wildcard signature.
func WildcardHit(source string, res resolver.Result) Event {
	return Event{Kind: KindResolution, Source: source, Result: res, Suppressed: true}
}

func Transfer(server string, rrs []dns.RR) Event {
	return Event{Kind: KindTransfer, Source: "axfr", Server: server, Records: rrs}
}

func Found(f Finding) Event {
	return Event{Kind: KindFinding, Finding: f}
}

// Snooped carries a cache probe. The probe counts as a query but its
// records stay with the entry instead of becoming hosts.
func Snooped(res resolver.Result, e SnoopEntry) Event {
	return Event{Kind: KindSnoop, Result: res, Snoop: e}
}

func WildcardDetected(sig wildcard.Signature) Event {
	return Event{Kind: KindWildcard, Wildcard: sig}
}

func Planned(n int) Event {
	return Event{Kind: KindPlanned, Planned: n}
}

func NetRanges(ranges []string) Event {
	return Event{Kind: KindNetRanges, NetRanges: ranges}
}

func Cancelled() Event {
	return Event{Kind: KindCancelled}
}

type Progress struct {
	Issued    int
	Planned   int
	Remaining int
	Hits      int
}

type Options struct {
	Domain      string
	Mode        string
	Nameservers []string
	// Verbose keeps NXDOMAIN names and wildcard-suppressed names.
	Verbose bool
	// OnProgress runs on the aggregator goroutine after each resolution.
	OnProgress func(Progress)
}

type recordKey struct {
	name, rtype, data string
}

type hostState struct {
	records map[recordKey]Record
	sources map[string]struct{}
}

type Aggregator struct {
	opts   Options
	events chan Event
	done   chan struct{}

	report   *Report
	hosts    map[string]*hostState
	progress Progress
}

func New(opts Options) *Aggregator {
	a := &Aggregator{
		opts:   opts,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		hosts:  make(map[string]*hostState),
		report: &Report{
			Domain:      Canonical(opts.Domain),
			Mode:        opts.Mode,
			Nameservers: slices.Clone(opts.Nameservers),
			Wildcard:    Wildcard{Status: "unchecked"},
			StartedAt:   time.Now(),
		},
	}
	go a.loop()
	return a
}

// Submit queues an event. It must not be called after Finish.
func (a *Aggregator) Submit(e Event) {
	a.events <- e
}

// Finish waits for queued events to be applied and returns the report.
func (a *Aggregator) Finish() *Report {
	close(a.events)
	<-a.done
	return a.report
}

func (a *Aggregator) loop() {
	defer close(a.done)
	for e := range a.events {
		a.apply(e)
	}
	a.finalize()
}

func (a *Aggregator) apply(e Event) {
	r := a.report
	switch e.Kind {
	case KindResolution:
		a.resolution(e)
		a.notify()
	case KindTransfer:
		r.Stats.Transfers++
		for _, rr := range e.Records {
			a.merge(rr.Header().Name, e.Source, rr)
		}
	case KindFinding:
		r.Findings = append(r.Findings, e.Finding)
	case KindSnoop:
		a.count(e.Result)
		r.Snoop = append(r.Snoop, e.Snoop)
		a.notify()
	case KindWildcard:
		r.Wildcard = Wildcard{
			Status:       e.Wildcard.Status.String(),
			Fingerprints: e.Wildcard.Fingerprints,
			Probes:       e.Wildcard.Probes,
		}
	case KindPlanned:
		a.progress.Planned += e.Planned
		a.notify()
	case KindNetRanges:
		r.NetRanges = append(r.NetRanges, e.NetRanges...)
	case KindCancelled:
		r.Cancelled = true
	}
}

func (a *Aggregator) resolution(e Event) {
	res := e.Result
	name := Canonical(res.Query.Name)
	a.count(res)

	switch res.Status {
	case resolver.StatusAnswered:
		if len(res.Records) == 0 {
			return
		}
		if e.Suppressed {
			a.report.Stats.Suppressed++
			if a.opts.Verbose {
				a.report.WildcardHits = append(a.report.WildcardHits, name)
			}
			return
		}
		for _, rr := range res.Records {
			a.merge(name, e.Source, rr)
		}
	case resolver.StatusNameError:
		if a.opts.Verbose {
			a.report.Misses = append(a.report.Misses, name)
		}
	}
}

func (a *Aggregator) count(res resolver.Result) {
	s := &a.report.Stats
	s.Queries++
	a.progress.Issued++

	switch res.Status {
	case resolver.StatusAnswered:
		if len(res.Records) == 0 {
			s.NoData++
		} else {
			s.Answered++
		}
	case resolver.StatusNameError:
		s.NameErrors++
	case resolver.StatusTimeout:
		s.Failed++
		s.Timeouts++
	case resolver.StatusServerFailure:
		s.Failed++
		s.ServerFailures++
	case resolver.StatusRefused:
		s.Failed++
		s.Refused++
	case resolver.StatusTruncated:
		s.Failed++
		s.Truncated++
	}
}

func (a *Aggregator) merge(name, source string, rr dns.RR) {
	name = Canonical(name)
	h, ok := a.hosts[name]
	if !ok {
		h = &hostState{
			records: make(map[recordKey]Record),
			sources: make(map[string]struct{}),
		}
		a.hosts[name] = h
	}

	rec := RecordFrom(rr)
	key := recordKey{rec.Name, rec.Type, rec.Data}
	if _, dup := h.records[key]; !dup {
		h.records[key] = rec
	}
	if source != "" {
		h.sources[source] = struct{}{}
	}
}

func (a *Aggregator) notify() {
	if a.opts.OnProgress == nil {
		return
	}
	p := a.progress
	p.Hits = len(a.hosts)
	p.Remaining = max(p.Planned-p.Issued, 0)
	a.opts.OnProgress(p)
}

func (a *Aggregator) finalize() {
	r := a.report

	names := make([]string, 0, len(a.hosts))
	for name := range a.hosts {
		names = append(names, name)
	}
	slices.Sort(names)

	r.Hosts = make([]Host, 0, len(names))
	for _, name := range names {
		st := a.hosts[name]
		h := Host{Name: name}
		for _, rec := range st.records {
			h.Records = append(h.Records, rec)
		}
		slices.SortFunc(h.Records, compareRecords)
		for src := range st.sources {
			h.Sources = append(h.Sources, src)
		}
		slices.Sort(h.Sources)
		r.Hosts = append(r.Hosts, h)
	}

	slices.SortStableFunc(r.Findings, func(x, y Finding) int {
		if d := severityRank[x.Severity] - severityRank[y.Severity]; d != 0 {
			return d
		}
		if c := strings.Compare(x.Kind, y.Kind); c != 0 {
			return c
		}
		return strings.Compare(x.Server, y.Server)
	})
	slices.SortStableFunc(r.Snoop, func(x, y SnoopEntry) int {
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return strings.Compare(x.Server, y.Server)
	})

	r.Misses = sortedUnique(r.Misses)
	r.WildcardHits = sortedUnique(r.WildcardHits)
	r.NetRanges = sortedUnique(r.NetRanges)
	r.Elapsed = time.Since(r.StartedAt)
}

func compareRecords(x, y Record) int {
	if c := strings.Compare(x.Type, y.Type); c != 0 {
		return c
	}
	if c := strings.Compare(x.Name, y.Name); c != 0 {
		return c
	}
	return strings.Compare(x.Data, y.Data)
}

func sortedUnique(in []string) []string {
	slices.Sort(in)
	return slices.Compact(in)
}
