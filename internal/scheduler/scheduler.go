// Package scheduler drives brute-force resolution through a bounded pool of
// workers.
package scheduler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/resolver"
	"dnsrecon/internal/wildcard"
)

const (
	DefaultConcurrency = 50
	DefaultGrace       = 3 * time.Second
)

type Options struct {
	Concurrency int
	// Rate caps queries per second across all workers. Zero means no cap.
	Rate  int
	Types []uint16
	// Grace is how long in-flight queries may finish after cancellation.
	// Zero abandons them at once, a negative value selects DefaultGrace.
	Grace time.Duration
	// Source tags every resolution handed to the aggregator.
	Source string
}

type Job struct {
	Zone       string
	Servers    []string
	Candidates iter.Seq[string]
	// Planned is the candidate count, used only for progress reporting.
	Planned  int
	Wildcard wildcard.Signature
}

type Stats struct {
	Dispatched   int64
	PeakInFlight int64
}

type Scheduler struct {
	res     resolver.Resolver
	sink    aggregate.Sink
	opts    Options
	log     logrus.FieldLogger
	limiter *rate.Limiter

	dispatched atomic.Int64
	inflight   atomic.Int64
	peak       atomic.Int64
}

func New(res resolver.Resolver, sink aggregate.Sink, opts Options, log logrus.FieldLogger) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if len(opts.Types) == 0 {
		opts.Types = []uint16{dns.TypeA}
	}
	if opts.Grace < 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Source == "" {
		opts.Source = "brute"
	}

	s := &Scheduler{res: res, sink: sink, opts: opts, log: log}
	if opts.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(1, opts.Rate/10))
	}
	return s
}

// Run resolves every candidate of job. It returns once the candidates are
// exhausted and all queries finished, or once ctx is done and in-flight
// queries have drained or the grace period ran out. In the latter case the
// error is ctx.Err().
func (s *Scheduler) Run(ctx context.Context, job Job) (Stats, error) {
	if len(job.Servers) == 0 {
		return s.Stats(), errors.New("scheduler: no nameservers")
	}
	if job.Planned > 0 {
		s.sink.Submit(aggregate.Planned(job.Planned * len(s.opts.Types)))
	}

	drain, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()
	finished := make(chan struct{})
	defer close(finished)
	go s.watch(ctx, finished, abandon)

	tasks := make(chan resolver.Query)
	var wg sync.WaitGroup
	for range s.opts.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q := range tasks {
				if ctx.Err() != nil {
					continue
				}
				s.resolve(drain, q, job.Wildcard)
			}
		}()
	}

	zone := dns.Fqdn(job.Zone)
	n := 0
dispatch:
	for label := range job.Candidates {
		name := label + "." + zone
		for _, qtype := range s.opts.Types {
			if ctx.Err() != nil {
				break dispatch
			}
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					break dispatch
				}
			}
			q := resolver.Query{
				Name:             name,
				Type:             qtype,
				Server:           job.Servers[n%len(job.Servers)],
				RecursionDesired: true,
			}
			n++
			select {
			case tasks <- q:
			case <-ctx.Done():
				break dispatch
			}
		}
	}
	close(tasks)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		s.log.WithFields(logrus.Fields{
			"dispatched": s.dispatched.Load(),
		}).Warn("enumeration cancelled")
		return s.Stats(), err
	}
	return s.Stats(), nil
}

func (s *Scheduler) Stats() Stats {
	return Stats{Dispatched: s.dispatched.Load(), PeakInFlight: s.peak.Load()}
}

// watch abandons in-flight queries once the grace period after
// cancellation has passed.
func (s *Scheduler) watch(ctx context.Context, finished <-chan struct{}, abandon context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}

	t := time.NewTimer(s.opts.Grace)
	defer t.Stop()
	select {
	case <-finished:
	case <-t.C:
		s.log.WithField("grace", s.opts.Grace).Warn("abandoning in-flight queries")
		abandon()
	}
}

func (s *Scheduler) resolve(ctx context.Context, q resolver.Query, sig wildcard.Signature) {
	s.dispatched.Add(1)
	n := s.inflight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	res, err := s.res.Resolve(ctx, q)
	s.inflight.Add(-1)

	if err != nil {
		s.log.WithError(err).WithField("name", q.Name).Debug("skipping candidate")
		return
	}
	if ctx.Err() != nil {
		// abandoned after the grace period
		return
	}

	if res.Failed() {
		s.log.WithFields(logrus.Fields{
			"name":   q.Name,
			"server": q.Server,
			"status": res.Status,
		}).Debug("query failed")
	}

	if res.Hit() && sig.Matches(res.Records) {
		s.sink.Submit(aggregate.WildcardHit(s.opts.Source, res))
		return
	}
	s.sink.Submit(aggregate.Resolution(s.opts.Source, res))
}
