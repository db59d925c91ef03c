// Package engine wires the components of one run together according to
// the selected enumeration mode.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/config"
	"dnsrecon/internal/netrange"
	"dnsrecon/internal/resolver"
	"dnsrecon/internal/scheduler"
	"dnsrecon/internal/snoop"
	"dnsrecon/internal/standard"
	"dnsrecon/internal/target"
	"dnsrecon/internal/wildcard"
	"dnsrecon/internal/wordlist"
)

// ErrTargetUnreachable means no nameserver answered the initial probes.
var ErrTargetUnreachable = errors.New("target unreachable")

type Options struct {
	OnProgress func(aggregate.Progress)
	// Whois overrides the whois client used by the netrange pass.
	Whois netrange.Querier
}

type Engine struct {
	cfg    config.Config
	target target.Target
	client *resolver.Client
	opts   Options
	log    logrus.FieldLogger
}

func New(cfg config.Config, tgt target.Target, opts Options, log logrus.FieldLogger) *Engine {
	client := resolver.New(resolver.Options{
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
		Backoff: cfg.Backoff,
	})
	return &Engine{cfg: cfg, target: tgt, client: client, opts: opts, log: log}
}

// Run executes the configured mode. A non-nil error means no report could
// be produced: bad input or an unreachable target. A cancelled run still
// returns its partial report.
func (e *Engine) Run(ctx context.Context) (*aggregate.Report, error) {
	types, err := e.cfg.Types()
	if err != nil {
		return nil, err
	}

	var mode func(context.Context, aggregate.Sink) error
	switch e.cfg.Mode {
	case config.ModeStandard:
		mode = e.standard
	case config.ModeBrute:
		src, err := e.wordlist(e.cfg.Wordlist)
		if err != nil {
			return nil, err
		}
		mode = func(ctx context.Context, sink aggregate.Sink) error {
			return e.brute(ctx, sink, src, types)
		}
	case config.ModeSnoop:
		src, err := e.wordlist(e.cfg.SnoopList)
		if err != nil {
			return nil, err
		}
		mode = func(ctx context.Context, sink aggregate.Sink) error {
			return e.snoop(ctx, sink, src)
		}
	case config.ModeReverse:
		addrs, err := netrange.Expand(e.cfg.Range)
		if err != nil {
			return nil, err
		}
		mode = func(ctx context.Context, sink aggregate.Sink) error {
			return e.reverse(ctx, sink, addrs)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported mode %s", config.ErrInvalidInput, e.cfg.Mode)
	}

	domain := e.target.Domain
	if e.cfg.Mode == config.ModeReverse {
		domain = e.cfg.Range
	}
	agg := aggregate.New(aggregate.Options{
		Domain:      domain,
		Mode:        e.cfg.Mode.String(),
		Nameservers: e.target.Nameservers,
		Verbose:     e.cfg.Verbose,
		OnProgress:  e.opts.OnProgress,
	})
	sink := &collector{next: agg}

	e.log.WithFields(logrus.Fields{
		"mode":        e.cfg.Mode,
		"domain":      domain,
		"nameservers": e.target.Nameservers,
	}).Info("starting enumeration")

	if err := mode(ctx, sink); err != nil {
		agg.Finish()
		return nil, err
	}

	if ctx.Err() == nil && e.cfg.Whois {
		e.whois(ctx, sink)
	}
	if ctx.Err() != nil {
		agg.Submit(aggregate.Cancelled())
	}

	rep := agg.Finish()
	e.log.WithFields(logrus.Fields{
		"hosts":   len(rep.Hosts),
		"queries": rep.Stats.Queries,
		"failed":  rep.Stats.Failed,
		"status":  rep.Status(),
		"elapsed": rep.Elapsed,
	}).Info("enumeration finished")
	return rep, nil
}

func (e *Engine) wordlist(path string) (*wordlist.Source, error) {
	src, err := wordlist.Load(wordlist.ResolvePath(path))
	if err != nil {
		return nil, err
	}
	if src.Skipped() > 0 {
		e.log.WithFields(logrus.Fields{
			"path":    path,
			"skipped": src.Skipped(),
		}).Warn("skipped malformed wordlist lines")
	}
	return src, nil
}

func (e *Engine) component(name string) logrus.FieldLogger {
	return e.log.WithField("component", name)
}

func (e *Engine) standard(ctx context.Context, sink aggregate.Sink) error {
	en := standard.New(e.client, e.client, sink, standard.Options{AXFR: e.cfg.AXFR}, e.component("standard"))
	err := en.Run(ctx, e.target.Domain, e.target.Nameservers)
	if errors.Is(err, standard.ErrUnreachable) {
		return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	return err
}

func (e *Engine) brute(ctx context.Context, sink aggregate.Sink, src *wordlist.Source, types []uint16) error {
	if !e.reachable(ctx) {
		if !e.target.Explicit {
			return fmt.Errorf("%w: no nameserver answered for %s", ErrTargetUnreachable, e.target.Domain)
		}
		e.log.Warn("target did not answer the SOA probe, continuing with the given nameservers")
	}

	sig := wildcard.New(e.client, e.target.Nameservers, wildcard.Options{
		Probes: e.cfg.WildcardProbes,
		Types:  types,
	}, e.component("wildcard")).Detect(ctx, e.target.Domain)
	sink.Submit(aggregate.WildcardDetected(sig))

	switch sig.Status {
	case wildcard.StatusPresent:
		e.log.WithField("signature", sig.Fingerprints).Warn("wildcard DNS detected, matching answers will be suppressed")
	case wildcard.StatusUndetermined:
		e.log.Warn("wildcard status undetermined, results are not filtered")
	}

	return e.schedule(ctx, sink, scheduler.Job{
		Zone:       e.target.Domain,
		Servers:    e.target.Nameservers,
		Candidates: src.All(),
		Planned:    src.Len(),
		Wildcard:   sig,
	}, types, "brute")
}

func (e *Engine) reverse(ctx context.Context, sink aggregate.Sink, addrs []netip.Addr) error {
	zone, _, err := netrange.PTRLabel(addrs[0])
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidInput, err)
	}

	labels := iter.Seq[string](func(yield func(string) bool) {
		for _, a := range addrs {
			_, label, err := netrange.PTRLabel(a)
			if err != nil {
				continue
			}
			if !yield(label) {
				return
			}
		}
	})

	return e.schedule(ctx, sink, scheduler.Job{
		Zone:       zone,
		Servers:    e.target.Nameservers,
		Candidates: labels,
		Planned:    len(addrs),
	}, []uint16{dns.TypePTR}, "reverse")
}

func (e *Engine) schedule(ctx context.Context, sink aggregate.Sink, job scheduler.Job, types []uint16, source string) error {
	sched := scheduler.New(e.client, sink, scheduler.Options{
		Concurrency: e.cfg.Concurrency,
		Rate:        e.cfg.Rate,
		Types:       types,
		Grace:       e.cfg.Grace,
		Source:      source,
	}, e.component("scheduler"))

	stats, err := sched.Run(ctx, job)
	e.log.WithFields(logrus.Fields{
		"dispatched":    stats.Dispatched,
		"peak_inflight": stats.PeakInFlight,
	}).Debug("scheduler finished")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (e *Engine) snoop(ctx context.Context, sink aggregate.Sink, src *wordlist.Source) error {
	p := snoop.New(e.client, sink, snoop.Options{Concurrency: e.cfg.Concurrency}, e.component("snoop"))
	sink.Submit(aggregate.Planned(src.Len()))
	if err := p.Run(ctx, e.target.Domain, e.target.Nameservers[0], src.All()); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// reachable sends one SOA query per nameserver until any of them answers.
func (e *Engine) reachable(ctx context.Context) bool {
	for _, server := range e.target.Nameservers {
		res, err := e.client.Resolve(ctx, resolver.Query{
			Name:             e.target.Domain,
			Type:             dns.TypeSOA,
			Server:           server,
			RecursionDesired: true,
		})
		if err == nil && res.Responded() {
			return true
		}
	}
	return false
}

func (e *Engine) whois(ctx context.Context, sink *collector) {
	ranges := netrange.Lookup(ctx, sink.addresses(), netrange.Options{
		Concurrency: min(e.cfg.Concurrency, 4),
		Delay:       e.cfg.WhoisDelay,
		Querier:     e.opts.Whois,
	}, e.component("whois"))

	var blocks []string
	for _, r := range ranges {
		blocks = append(blocks, r.Block)
		e.log.WithFields(logrus.Fields{
			"ip":    r.IP,
			"block": r.Block,
			"whois": r.Whois,
		}).Info("netrange")
	}
	sink.Submit(aggregate.NetRanges(blocks))
}

// collector remembers the addresses that flow past on their way to the
// aggregator so the whois pass does not need to read the report back.
type collector struct {
	next aggregate.Sink

	mu    sync.Mutex
	addrs []string
}

func (c *collector) Submit(ev aggregate.Event) {
	var rrs []dns.RR
	switch ev.Kind {
	case aggregate.KindResolution:
		if !ev.Suppressed {
			rrs = ev.Result.Records
		}
	case aggregate.KindTransfer:
		rrs = ev.Records
	}
	if len(rrs) > 0 {
		c.mu.Lock()
		for _, rr := range rrs {
			if a, ok := rr.(*dns.A); ok {
				c.addrs = append(c.addrs, a.A.String())
			}
		}
		c.mu.Unlock()
	}
	c.next.Submit(ev)
}

func (c *collector) addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.addrs...)
}
