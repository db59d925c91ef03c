// Package wildcard detects zones that answer for arbitrary names.
package wildcard

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"dnsrecon/internal/resolver"
)

const (
	DefaultProbes = 3
	labelLength   = 12
	labelChars    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type Status int

const (
	StatusAbsent Status = iota
	StatusPresent
	StatusUndetermined
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPresent:
		return "present"
	case StatusUndetermined:
		return "undetermined"
	}
	return "unknown"
}

// Signature is computed once per target and only read afterwards.
type Signature struct {
	Status Status
	// Fingerprints is the answer set shared by every probe.
	Fingerprints []string
	// Pool is every fingerprint any probe returned. A wildcard that rotates
	// through several addresses shows up here rather than in Fingerprints.
	Pool   []string
	Probes []string
}

func (s Signature) Detected() bool {
	return s.Status == StatusPresent
}

// Matches reports whether records look like a wildcard answer: their
// fingerprints are non-empty and all drawn from the probe answers.
func (s Signature) Matches(rrs []dns.RR) bool {
	if s.Status != StatusPresent {
		return false
	}
	fps := Fingerprints(rrs)
	if len(fps) == 0 {
		return false
	}
	for _, fp := range fps {
		if _, ok := slices.BinarySearch(s.Pool, fp); !ok {
			return false
		}
	}
	return true
}

// Fingerprints returns the sorted, unique TYPE:value strings of the
// address and alias records in rrs.
func Fingerprints(rrs []dns.RR) []string {
	var out []string
	for _, rr := range rrs {
		var fp string
		switch v := rr.(type) {
		case *dns.A:
			fp = "A:" + v.A.String()
		case *dns.AAAA:
			fp = "AAAA:" + v.AAAA.String()
		case *dns.CNAME:
			fp = "CNAME:" + strings.ToLower(dns.Fqdn(v.Target))
		default:
			continue
		}
		out = append(out, fp)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RandomLabel returns a label that is valid but very unlikely to exist.
func RandomLabel() string {
	var sb strings.Builder
	sb.Grow(labelLength)
	for range labelLength {
		sb.WriteByte(labelChars[rand.IntN(len(labelChars))])
	}
	return sb.String()
}

type Options struct {
	Probes int
	Types  []uint16
}

type Detector struct {
	res     resolver.Resolver
	servers []string
	opts    Options
	log     logrus.FieldLogger
}

func New(res resolver.Resolver, servers []string, opts Options, log logrus.FieldLogger) *Detector {
	if opts.Probes < 1 {
		opts.Probes = DefaultProbes
	}
	if len(opts.Types) == 0 {
		opts.Types = []uint16{dns.TypeA}
	}
	return &Detector{res: res, servers: servers, opts: opts, log: log}
}

// Detect resolves Probes random names under domain. All probes answering
// with a common record set means a wildcard; any transport failure leaves
// the status undetermined.
func (d *Detector) Detect(ctx context.Context, domain string) Signature {
	sig := Signature{Status: StatusAbsent}
	if len(d.servers) == 0 {
		sig.Status = StatusUndetermined
		return sig
	}

	var (
		common   []string
		pool     []string
		answered = 0
		failed   = 0
	)

	for i := range d.opts.Probes {
		name := RandomLabel() + "." + dns.Fqdn(domain)
		sig.Probes = append(sig.Probes, name)
		server := d.servers[i%len(d.servers)]

		var fps []string
		for _, qtype := range d.opts.Types {
			res, err := d.res.Resolve(ctx, resolver.Query{
				Name:             name,
				Type:             qtype,
				Server:           server,
				RecursionDesired: true,
			})
			if err != nil || res.Failed() {
				failed++
				d.log.WithFields(logrus.Fields{
					"probe":  name,
					"server": server,
					"status": res.Status,
				}).Debug("wildcard probe failed")
				continue
			}
			fps = append(fps, Fingerprints(res.Records)...)
		}

		slices.Sort(fps)
		fps = slices.Compact(fps)
		if len(fps) == 0 {
			continue
		}
		answered++
		pool = append(pool, fps...)
		if answered == 1 {
			common = fps
		} else {
			common = intersect(common, fps)
		}
	}

	switch {
	case failed > 0:
		sig.Status = StatusUndetermined
	case answered == d.opts.Probes && len(common) > 0:
		sig.Status = StatusPresent
		sig.Fingerprints = common
		slices.Sort(pool)
		sig.Pool = slices.Compact(pool)
	}

	d.log.WithFields(logrus.Fields{
		"domain":       domain,
		"status":       sig.Status,
		"fingerprints": strings.Join(sig.Fingerprints, ","),
	}).Info("wildcard detection finished")
	return sig
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if _, ok := slices.BinarySearch(b, x); ok {
			out = append(out, x)
		}
	}
	return out
}
