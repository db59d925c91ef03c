package resolver

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsrecon/internal/dnstest"
)

func testZone(t *testing.T) *dnstest.Zone {
	return dnstest.NewZone(t, "example.com.",
		"example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2024010101 7200 3600 1209600 300",
		"example.com. 3600 IN NS ns1.example.com.",
		"www.example.com. 300 IN A 10.0.0.10",
		"mail.example.com. 300 IN A 10.0.0.20",
		"ftp.example.com. 300 IN CNAME www.example.com.",
	)
}

func fastClient() *Client {
	return New(Options{Timeout: 300 * time.Millisecond, Retries: 2, Backoff: 10 * time.Millisecond})
}

func TestResolveAnswered(t *testing.T) {
	srv := dnstest.Start(t, testZone(t))

	res, err := fastClient().Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, res.Status)
	assert.True(t, res.Hit())
	assert.True(t, res.Authoritative)
	assert.Equal(t, "udp", res.Transport)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "10.0.0.10", res.Records[0].(*dns.A).A.String())
}

func TestResolveFollowsCNAMEInAnswer(t *testing.T) {
	srv := dnstest.Start(t, testZone(t))

	res, err := fastClient().Resolve(context.Background(), Query{Name: "ftp.example.com.", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, dns.TypeCNAME, res.Records[0].Header().Rrtype)
	assert.Equal(t, dns.TypeA, res.Records[1].Header().Rrtype)
}

func TestResolveNameError(t *testing.T) {
	zone := testZone(t)
	srv := dnstest.Start(t, zone)

	res, err := fastClient().Resolve(context.Background(), Query{Name: "doesnotexist123xyz.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusNameError, res.Status)
	assert.False(t, res.Hit())
	assert.False(t, res.Failed())
	assert.Equal(t, 1, zone.Queries("doesnotexist123xyz.example.com"))
}

func TestResolveTruncatedFallsBackToTCP(t *testing.T) {
	zone := testZone(t)
	zone.TruncateUDP = true
	srv := dnstest.Start(t, zone)

	res, err := fastClient().Resolve(context.Background(), Query{Name: "mail.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, res.Status)
	assert.Equal(t, "tcp", res.Transport)
	require.Len(t, res.Records, 1)
}

func TestResolveRetriesDroppedQuery(t *testing.T) {
	zone := testZone(t)
	zone.Drop = 1
	srv := dnstest.Start(t, zone)

	res, err := fastClient().Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestResolveTimeoutAfterRetries(t *testing.T) {
	zone := testZone(t)
	zone.Drop = 100
	srv := dnstest.Start(t, zone)

	c := New(Options{Timeout: 100 * time.Millisecond, Retries: 1, Backoff: 5 * time.Millisecond})
	res, err := c.Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.Failed())
	assert.False(t, res.Responded())
	assert.Error(t, res.Err)
}

func TestResolveRetriesServerFailure(t *testing.T) {
	var calls atomic.Int32
	srv := dnstest.Start(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		calls.Add(1)
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
	}))

	res, err := fastClient().Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusServerFailure, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestResolveRefusedIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := dnstest.Start(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		calls.Add(1)
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	}))

	res, err := fastClient().Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr})
	require.NoError(t, err)
	assert.Equal(t, StatusRefused, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Responded())
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolveRejectsInvalidNameBeforeIO(t *testing.T) {
	_, err := fastClient().Resolve(context.Background(), Query{Name: "bad name.example.com", Type: dns.TypeA, Server: "192.0.2.1:53"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestResolveRecursionFlag(t *testing.T) {
	var rd atomic.Bool
	rd.Store(true)
	srv := dnstest.Start(t, dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		rd.Store(r.RecursionDesired)
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	}))

	res, err := fastClient().Resolve(context.Background(), Query{Name: "www.example.com", Type: dns.TypeA, Server: srv.Addr, RecursionDesired: false})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, res.Status)
	assert.False(t, res.Hit())
	assert.False(t, rd.Load())
}

func TestTransfer(t *testing.T) {
	zone := testZone(t)
	zone.AllowTransfer = true
	srv := dnstest.Start(t, zone)

	rrs, err := fastClient().Transfer(context.Background(), "example.com", srv.Addr)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, rr := range rrs {
		names[strings.ToLower(rr.Header().Name)] = true
	}
	assert.True(t, names["www.example.com."])
	assert.True(t, names["mail.example.com."])
	assert.True(t, names["ftp.example.com."])
}

func TestTransferRefused(t *testing.T) {
	srv := dnstest.Start(t, testZone(t))

	_, err := fastClient().Transfer(context.Background(), "example.com", srv.Addr)
	assert.Error(t, err)
}

func TestTransferCancelledReleasesReader(t *testing.T) {
	zone := testZone(t)
	zone.AllowTransfer = true
	srv := dnstest.Start(t, zone)
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastClient().Transfer(ctx, "example.com", srv.Addr)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestValidateName(t *testing.T) {
	long := strings.Repeat("a", 63)
	tests := []struct {
		name string
		ok   bool
	}{
		{"example.com", true},
		{"example.com.", true},
		{"_sip._tcp.example.com", true},
		{"xn--bcher-kva.example", true},
		{long + ".example.com", true},
		{long + "a.example.com", false},
		{strings.Repeat(long+".", 4) + "com", false},
		{"", false},
		{".", false},
		{"a..b", false},
		{"white space.com", false},
		{"star*.example.com", false},
	}

	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.ok {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, tt.name)
		}
	}
}

func TestWithPort(t *testing.T) {
	assert.Equal(t, "8.8.8.8:53", withPort("8.8.8.8"))
	assert.Equal(t, "8.8.8.8:5353", withPort("8.8.8.8:5353"))
	assert.Equal(t, "[2001:db8::1]:53", withPort("2001:db8::1"))
	assert.Equal(t, "[2001:db8::1]:53", withPort("[2001:db8::1]"))
}
