package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/config"
	"dnsrecon/internal/dnstest"
	"dnsrecon/internal/target"
)

func writeList(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func testConfig(mode config.Mode, list string) config.Config {
	cfg := config.Default()
	cfg.Domain = "example.com"
	cfg.Mode = mode
	cfg.Wordlist = list
	cfg.SnoopList = list
	cfg.Timeout = time.Second
	cfg.Retries = 1
	cfg.Backoff = 10 * time.Millisecond
	cfg.Grace = time.Second
	cfg.Concurrency = 10
	return cfg
}

func exampleZone(t *testing.T, extra ...string) *dnstest.Zone {
	rrs := append([]string{
		"example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 7 7200 3600 1209600 300",
		"example.com. 3600 IN NS ns1.example.com.",
		"ns1.example.com. 3600 IN A 127.0.0.1",
		"www.example.com. 300 IN A 10.0.0.10",
		"mail.example.com. 300 IN A 10.0.0.20",
	}, extra...)
	return dnstest.NewZone(t, "example.com.", rrs...)
}

func explicit(addr string) target.Target {
	return target.Target{Domain: "example.com", Nameservers: []string{addr}, Explicit: true}
}

func TestBruteForce(t *testing.T) {
	srv := dnstest.Start(t, exampleZone(t))
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, writeList(t, "www", "mail", "doesnotexist123xyz", "WWW"))

	rep, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"mail.example.com", "www.example.com"}, rep.Names())
	assert.Equal(t, 3, rep.Stats.Queries)
	assert.Equal(t, 1, rep.Stats.NameErrors)
	assert.Equal(t, "absent", rep.Wildcard.Status)
	assert.Equal(t, "brute", rep.Mode)
	assert.Equal(t, aggregate.RunSuccess, rep.Status())
	assert.False(t, rep.Cancelled)
}

func TestBruteForceIsIdempotent(t *testing.T) {
	srv := dnstest.Start(t, exampleZone(t))
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, writeList(t, "www", "mail", "ns1", "nope", "ftp"))

	first, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)
	second, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Hosts, second.Hosts)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestBruteForceWildcardZone(t *testing.T) {
	srv := dnstest.Start(t, exampleZone(t, "*.example.com. 300 IN A 10.0.0.1"))
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, writeList(t, "www", "random1", "random2"))
	cfg.Verbose = true

	rep, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "present", rep.Wildcard.Status)
	assert.Equal(t, []string{"A:10.0.0.1"}, rep.Wildcard.Fingerprints)
	assert.Equal(t, []string{"www.example.com"}, rep.Names())
	assert.Equal(t, 2, rep.Stats.Suppressed)
	assert.Equal(t, []string{"random1.example.com", "random2.example.com"}, rep.WildcardHits)
}

func TestBruteForceUnreachable(t *testing.T) {
	zone := exampleZone(t)
	zone.Drop = 1000
	srv := dnstest.Start(t, zone)
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, writeList(t, "www", "mail"))
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retries = 0

	tgt := explicit(srv.Addr)
	tgt.Explicit = false
	_, err := New(cfg, tgt, Options{}, log).Run(context.Background())
	assert.ErrorIs(t, err, ErrTargetUnreachable)

	// explicit nameservers keep brute force going
	rep, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "undetermined", rep.Wildcard.Status)
	assert.Equal(t, 2, rep.Stats.Timeouts)
	assert.Equal(t, aggregate.RunPartial, rep.Status())
}

func TestCancelledRunIsPartial(t *testing.T) {
	zone := exampleZone(t)
	srv := dnstest.Start(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		time.Sleep(2 * time.Millisecond)
		zone.ServeDNS(w, r)
	}))
	log, _ := test.NewNullLogger()

	var lines []string
	for i := range 1000 {
		lines = append(lines, fmt.Sprintf("host%d", i))
	}
	cfg := testConfig(config.ModeBrute, writeList(t, lines...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := Options{OnProgress: func(p aggregate.Progress) {
		if p.Issued >= 500 {
			cancel()
		}
	}}

	start := time.Now()
	rep, err := New(cfg, explicit(srv.Addr), opts, log).Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, rep.Cancelled)
	assert.Equal(t, aggregate.RunPartial, rep.Status())
	assert.GreaterOrEqual(t, rep.Stats.Queries, 500)
	assert.Less(t, rep.Stats.Queries, 1000)
	assert.Equal(t, rep.Stats.Queries, rep.Stats.NameErrors+rep.Stats.Answered+rep.Stats.NoData+rep.Stats.Failed)
}

func TestStandardZoneTransfer(t *testing.T) {
	zone := exampleZone(t)
	zone.AllowTransfer = true
	srv := dnstest.Start(t, zone)
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeStandard, "")

	rep, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, rep.Findings)
	assert.Equal(t, aggregate.SeverityCritical, rep.Findings[0].Severity)
	assert.Equal(t, "axfr", rep.Findings[0].Kind)
	assert.Contains(t, rep.Findings[0].Names, "www.example.com")
	_, ok := rep.Host("mail.example.com")
	assert.True(t, ok)
}

func TestStandardUnreachable(t *testing.T) {
	zone := exampleZone(t)
	zone.Drop = 1000
	srv := dnstest.Start(t, zone)
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeStandard, "")
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retries = 0

	_, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	assert.ErrorIs(t, err, ErrTargetUnreachable)
}

func TestInvalidWordlistFailsBeforeQueries(t *testing.T) {
	zone := exampleZone(t)
	srv := dnstest.Start(t, zone)
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, filepath.Join(t.TempDir(), "missing.txt"))

	_, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidInput)
	assert.Zero(t, zone.Queries("example.com"))
}

func TestReverseSweep(t *testing.T) {
	zone := dnstest.NewZone(t, "2.0.192.in-addr.arpa.",
		"1.2.0.192.in-addr.arpa. 300 IN PTR host1.example.com.",
		"3.2.0.192.in-addr.arpa. 300 IN PTR host3.example.com.",
	)
	srv := dnstest.Start(t, zone)
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeReverse, "")
	cfg.Domain = ""
	cfg.Range = "192.0.2.0/30"

	rep, err := New(cfg, target.Target{Nameservers: []string{srv.Addr}, Explicit: true}, Options{}, log).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1.2.0.192.in-addr.arpa", "3.2.0.192.in-addr.arpa"}, rep.Names())
	host, _ := rep.Host("1.2.0.192.in-addr.arpa")
	require.Len(t, host.Records, 1)
	assert.Equal(t, "PTR", host.Records[0].Type)
	assert.Equal(t, "host1.example.com.", host.Records[0].Data)
	assert.Equal(t, 4, rep.Stats.Queries)
	assert.Equal(t, 2, rep.Stats.NameErrors)
	assert.Equal(t, "unchecked", rep.Wildcard.Status)
}

func TestReverseRejectsHugeRange(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeReverse, "")
	cfg.Range = "10.0.0.0/8"

	_, err := New(cfg, target.Target{Nameservers: []string{"127.0.0.1:1"}}, Options{}, log).Run(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidInput)
}

func TestSnoopMode(t *testing.T) {
	srv := dnstest.Start(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if strings.EqualFold(r.Question[0].Name, "www.google.com.") && !r.RecursionDesired {
			rr, _ := dns.NewRR("www.google.com. 99 IN A 142.250.0.1")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	}))
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeSnoop, writeList(t, "# popular names", "www.google.com", "www.example.org"))

	rep, err := New(cfg, explicit(srv.Addr), Options{}, log).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Snoop, 2)
	assert.Equal(t, "www.example.org", rep.Snoop[0].Name)
	assert.Equal(t, "not-cached", rep.Snoop[0].Status)
	assert.Equal(t, "www.google.com", rep.Snoop[1].Name)
	assert.Equal(t, "cached", rep.Snoop[1].Status)
	assert.EqualValues(t, 99, rep.Snoop[1].TTL)
}

type fakeWhois map[string]string

func (f fakeWhois) Query(_ context.Context, ip string) (string, error) {
	if body, ok := f[ip]; ok {
		return body, nil
	}
	return "", fmt.Errorf("no whois for %s", ip)
}

func TestWhoisPass(t *testing.T) {
	srv := dnstest.Start(t, exampleZone(t, "cdn.example.com. 300 IN A 198.51.100.7"))
	log, _ := test.NewNullLogger()
	cfg := testConfig(config.ModeBrute, writeList(t, "www", "cdn"))
	cfg.Whois = true
	cfg.WhoisDelay = 60 * time.Millisecond

	opts := Options{Whois: fakeWhois{"198.51.100.0": "NetRange: 198.51.100.0 - 198.51.100.255\n"}}
	start := time.Now()
	rep, err := New(cfg, explicit(srv.Addr), opts, log).Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), cfg.WhoisDelay/2)

	// 10.0.0.10 is private and never sent to whois
	assert.Equal(t, []string{"198.51.100.0/24"}, rep.NetRanges)
}
