// Package snoop infers resolver cache contents with non-recursive queries.
package snoop

import (
	"context"
	"iter"
	"math"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/resolver"
	"dnsrecon/internal/wildcard"
)

type Status string

const (
	Cached        Status = "cached"
	NotCached     Status = "not-cached"
	Authoritative Status = "authoritative"
	// Indeterminate is a positive answer from a resolver that recursed
	// even though recursion was not requested.
	Indeterminate Status = "indeterminate"
	Refused       Status = "refused"
	Failed        Status = "failed"
)

type Options struct {
	Concurrency int
}

type Prober struct {
	res  resolver.Resolver
	sink aggregate.Sink
	opts Options
	log  logrus.FieldLogger
}

func New(res resolver.Resolver, sink aggregate.Sink, opts Options, log logrus.FieldLogger) *Prober {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Prober{res: res, sink: sink, opts: opts, log: log}
}

// Recurses sends a query for a random name under domain with recursion
// cleared. A server that still produces a non-authoritative verdict for a
// name nobody could have cached is resolving on our behalf.
func (p *Prober) Recurses(ctx context.Context, domain, server string) bool {
	name := wildcard.RandomLabel() + "." + dns.Fqdn(domain)
	res, err := p.res.Resolve(ctx, resolver.Query{Name: name, Type: dns.TypeA, Server: server})
	if err != nil {
		return false
	}

	recursed := (res.Status == resolver.StatusNameError && !res.Authoritative) ||
		(res.Status == resolver.StatusAnswered && len(res.Records) > 0 && !res.Authoritative)
	p.log.WithFields(logrus.Fields{
		"server":   server,
		"control":  name,
		"status":   res.Status,
		"recursed": recursed,
	}).Info("snoop control query")
	return recursed
}

// Run probes every name against server and reports one entry per name.
func (p *Prober) Run(ctx context.Context, domain, server string, names iter.Seq[string]) error {
	recursing := p.Recurses(ctx, domain, server)
	if recursing {
		p.log.WithField("server", server).Warn("resolver ignores the recursion flag, positive answers are not cache evidence")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for name := range names {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.probe(gctx, dns.Fqdn(name), server, recursing)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (p *Prober) probe(ctx context.Context, name, server string, recursing bool) {
	if ctx.Err() != nil {
		return
	}
	res, err := p.res.Resolve(ctx, resolver.Query{Name: name, Type: dns.TypeA, Server: server})
	if err != nil {
		p.log.WithError(err).Debug("skipping snoop name")
		return
	}
	if ctx.Err() != nil && res.Failed() {
		// cut short by cancellation, the server never gave a verdict
		return
	}

	status := Classify(res, recursing)
	entry := aggregate.SnoopEntry{
		Name:   aggregate.Canonical(name),
		Server: server,
		Status: string(status),
	}
	if status == Cached || status == Authoritative || status == Indeterminate {
		entry.TTL = minTTL(res.Records)
		for _, rr := range res.Records {
			entry.Records = append(entry.Records, aggregate.RecordFrom(rr))
		}
	}
	if status == Cached {
		p.log.WithFields(logrus.Fields{"name": entry.Name, "ttl": entry.TTL}).Info("name is cached")
	}
	p.sink.Submit(aggregate.Snooped(res, entry))
}

func Classify(res resolver.Result, recursing bool) Status {
	switch {
	case res.Status == resolver.StatusRefused:
		return Refused
	case res.Failed():
		return Failed
	case res.Status == resolver.StatusNameError, len(res.Records) == 0:
		return NotCached
	case res.Authoritative:
		return Authoritative
	case recursing:
		return Indeterminate
	}
	return Cached
}

func minTTL(rrs []dns.RR) uint32 {
	if len(rrs) == 0 {
		return 0
	}
	ttl := uint32(math.MaxUint32)
	for _, rr := range rrs {
		ttl = min(ttl, rr.Header().Ttl)
	}
	return ttl
}
