// Package standard runs the fixed battery of infrastructure lookups
// against a domain: SOA, NS, MX, TXT, address and SRV records, SOA serial
// consistency across nameservers and zone transfer attempts.
package standard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/resolver"
)

const source = "standard"

// ErrUnreachable means neither the SOA nor the NS query got any answer.
var ErrUnreachable = errors.New("no nameserver answered the SOA or NS query")

// SRVNames are the service records looked up under the apex.
var SRVNames = []string{
	"_sip._tcp", "_sip._udp", "_sips._tcp",
	"_ldap._tcp",
	"_kerberos._tcp", "_kerberos._udp",
	"_xmpp-server._tcp", "_xmpp-client._tcp",
	"_autodiscover._tcp",
	"_caldav._tcp", "_carddav._tcp",
	"_submission._tcp", "_imaps._tcp",
}

type Transferer interface {
	Transfer(ctx context.Context, zone, server string) ([]dns.RR, error)
}

type Options struct {
	AXFR bool
}

type Enumerator struct {
	res  resolver.Resolver
	xfr  Transferer
	sink aggregate.Sink
	opts Options
	log  logrus.FieldLogger
}

func New(res resolver.Resolver, xfr Transferer, sink aggregate.Sink, opts Options, log logrus.FieldLogger) *Enumerator {
	return &Enumerator{res: res, xfr: xfr, sink: sink, opts: opts, log: log}
}

type nameserver struct {
	name string
	addr string
}

func (e *Enumerator) Run(ctx context.Context, domain string, servers []string) error {
	if len(servers) == 0 {
		return ErrUnreachable
	}
	apex := dns.Fqdn(strings.ToLower(domain))

	soa := e.lookup(ctx, servers, apex, dns.TypeSOA)
	ns := e.lookup(ctx, servers, apex, dns.TypeNS)
	if ctx.Err() != nil {
		return nil
	}
	if !soa.Responded() && !ns.Responded() {
		return fmt.Errorf("%w: %s", ErrUnreachable, strings.TrimSuffix(apex, "."))
	}
	e.log.WithFields(logrus.Fields{
		"soa": soa.Status,
		"ns":  ns.Status,
	}).Info("target reachable")

	mx := e.lookup(ctx, servers, apex, dns.TypeMX)
	txt := e.lookup(ctx, servers, apex, dns.TypeTXT)
	e.checkSPF(txt)

	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCAA} {
		e.lookup(ctx, servers, apex, t)
	}
	for _, srv := range SRVNames {
		e.lookup(ctx, servers, srv+"."+apex, dns.TypeSRV)
	}
	if ctx.Err() != nil {
		return nil
	}

	for _, host := range targets(mx.Records) {
		e.addresses(ctx, servers, host)
	}
	var nameservers []nameserver
	port := portOf(servers[0])
	for _, host := range targets(ns.Records) {
		for _, ip := range e.addresses(ctx, servers, host) {
			nameservers = append(nameservers, nameserver{name: host, addr: net.JoinHostPort(ip, port)})
		}
	}
	if len(nameservers) == 0 {
		e.log.Warn("no nameserver addresses found, skipping serial check and zone transfer")
		return nil
	}

	e.checkSerials(ctx, apex, nameservers)
	if e.opts.AXFR {
		e.transfer(ctx, apex, nameservers)
	}
	return nil
}

// lookup asks each server in turn until one produces a verdict. Only the
// deciding result is reported. Nothing is sent once ctx is done, and a
// failure caused by the cancellation itself is not reported.
func (e *Enumerator) lookup(ctx context.Context, servers []string, name string, qtype uint16) resolver.Result {
	var (
		res  resolver.Result
		sent bool
	)
	for _, server := range servers {
		if ctx.Err() != nil {
			break
		}
		r, err := e.res.Resolve(ctx, resolver.Query{
			Name:             name,
			Type:             qtype,
			Server:           server,
			RecursionDesired: true,
		})
		if err != nil {
			e.log.WithError(err).WithField("name", name).Debug("skipping lookup")
			return r
		}
		if ctx.Err() != nil && r.Failed() {
			break
		}
		res, sent = r, true
		if res.Responded() {
			break
		}
		e.log.WithFields(logrus.Fields{
			"name":   name,
			"type":   dns.TypeToString[qtype],
			"server": server,
		}).Debug("no answer, trying next server")
	}
	if sent {
		e.sink.Submit(aggregate.Resolution(source, res))
	}
	return res
}

func (e *Enumerator) addresses(ctx context.Context, servers []string, host string) []string {
	var ips []string
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		res := e.lookup(ctx, servers, host, t)
		for _, rr := range res.Records {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A.String())
			case *dns.AAAA:
				ips = append(ips, v.AAAA.String())
			}
		}
	}
	return ips
}

func (e *Enumerator) checkSPF(txt resolver.Result) {
	for _, rr := range txt.Records {
		t, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := strings.Join(t.Txt, "")
		if strings.HasPrefix(strings.ToLower(joined), "v=spf1") {
			e.sink.Submit(aggregate.Found(aggregate.Finding{
				Severity: aggregate.SeverityInfo,
				Kind:     "spf",
				Detail:   joined,
			}))
		}
	}
}

// checkSerials asks every nameserver for the SOA without recursion. A
// zone served with different serials is out of sync between servers.
func (e *Enumerator) checkSerials(ctx context.Context, apex string, nameservers []nameserver) {
	var (
		mu      sync.Mutex
		serials = make(map[string]uint32)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range nameservers {
		g.Go(func() error {
			res, err := e.res.Resolve(gctx, resolver.Query{Name: apex, Type: dns.TypeSOA, Server: ns.addr})
			if err != nil || (gctx.Err() != nil && res.Failed()) {
				return nil
			}
			e.sink.Submit(aggregate.Resolution(source, res))
			for _, rr := range res.Records {
				if soa, ok := rr.(*dns.SOA); ok {
					mu.Lock()
					serials[ns.name+" ("+ns.addr+")"] = soa.Serial
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	distinct := make(map[uint32]bool)
	var parts []string
	for server, serial := range serials {
		distinct[serial] = true
		parts = append(parts, fmt.Sprintf("%s=%d", server, serial))
	}
	if len(distinct) <= 1 {
		return
	}
	slices.Sort(parts)
	e.log.WithField("serials", strings.Join(parts, ", ")).Warn("nameservers disagree on SOA serial")
	e.sink.Submit(aggregate.Found(aggregate.Finding{
		Severity: aggregate.SeverityWarning,
		Kind:     "soa-serial",
		Detail:   "nameservers serve different SOA serials: " + strings.Join(parts, ", "),
	}))
}

func (e *Enumerator) transfer(ctx context.Context, apex string, nameservers []nameserver) {
	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range nameservers {
		g.Go(func() error {
			log := e.log.WithFields(logrus.Fields{"nameserver": ns.name, "addr": ns.addr})
			rrs, err := e.xfr.Transfer(gctx, apex, ns.addr)
			if err != nil {
				log.WithError(err).Info("zone transfer failed")
				return nil
			}
			names := ownerNames(rrs)
			log.WithField("names", len(names)).Warn("zone transfer succeeded")

			e.sink.Submit(aggregate.Transfer(ns.addr, rrs))
			e.sink.Submit(aggregate.Found(aggregate.Finding{
				Severity: aggregate.SeverityCritical,
				Kind:     "axfr",
				Server:   ns.name + " (" + ns.addr + ")",
				Detail:   fmt.Sprintf("zone transfer permitted, %d records", len(rrs)),
				Names:    names,
			}))
			return nil
		})
	}
	_ = g.Wait()
}

// targets returns the sorted host names referenced by NS and MX records.
func targets(rrs []dns.RR) []string {
	var out []string
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.NS:
			out = append(out, strings.ToLower(v.Ns))
		case *dns.MX:
			if v.Mx != "." {
				out = append(out, strings.ToLower(v.Mx))
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func ownerNames(rrs []dns.RR) []string {
	var out []string
	for _, rr := range rrs {
		out = append(out, aggregate.Canonical(rr.Header().Name))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func portOf(server string) string {
	if _, port, err := net.SplitHostPort(server); err == nil {
		return port
	}
	return "53"
}
