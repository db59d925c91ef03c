// Package dnstest runs in-process DNS servers for tests, in the spirit of
// net/http/httptest.
package dnstest

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// Server listens on UDP and TCP on the same loopback port.
type Server struct {
	Addr string
	udp  *dns.Server
	tcp  *dns.Server
}

func Start(t testing.TB, h dns.Handler) *Server {
	t.Helper()

	var (
		pc  net.PacketConn
		l   net.Listener
		err error
	)
	for i := 0; i < 10; i++ {
		pc, err = net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen udp: %v", err)
		}
		l, err = net.Listen("tcp", pc.LocalAddr().String())
		if err == nil {
			break
		}
		pc.Close()
	}
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}

	s := &Server{
		Addr: pc.LocalAddr().String(),
		udp:  &dns.Server{PacketConn: pc, Handler: h},
		tcp:  &dns.Server{Listener: l, Handler: h},
	}

	started := make(chan struct{}, 2)
	s.udp.NotifyStartedFunc = func() { started <- struct{}{} }
	s.tcp.NotifyStartedFunc = func() { started <- struct{}{} }
	go func() { _ = s.udp.ActivateAndServe() }()
	go func() { _ = s.tcp.ActivateAndServe() }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("dns test server did not start")
		}
	}

	t.Cleanup(func() {
		_ = s.udp.Shutdown()
		_ = s.tcp.Shutdown()
	})
	return s
}

// Zone is a tiny authoritative server backed by a record map. Names are
// matched case-insensitively; "*.<parent>" entries act as wildcards.
type Zone struct {
	Origin        string
	AllowTransfer bool
	TruncateUDP   bool
	// Drop makes the server swallow the first Drop queries for a name.
	Drop int

	mu      sync.Mutex
	records map[string][]dns.RR
	seen    map[string]int
}

func NewZone(t testing.TB, origin string, rrs ...string) *Zone {
	t.Helper()

	z := &Zone{
		Origin:  dns.Fqdn(strings.ToLower(origin)),
		records: make(map[string][]dns.RR),
		seen:    make(map[string]int),
	}
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			t.Fatalf("bad record %q: %v", s, err)
		}
		z.Add(rr)
	}
	return z
}

func (z *Zone) Add(rr dns.RR) {
	z.mu.Lock()
	defer z.mu.Unlock()
	name := strings.ToLower(rr.Header().Name)
	z.records[name] = append(z.records[name], rr)
}

// Queries returns how many times name was asked about.
func (z *Zone) Queries(name string) int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.seen[dns.Fqdn(strings.ToLower(name))]
}

func (z *Zone) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}
	q := r.Question[0]
	name := strings.ToLower(q.Name)

	z.mu.Lock()
	z.seen[name]++
	drop := z.seen[name] <= z.Drop
	z.mu.Unlock()
	if drop {
		return
	}

	if q.Qtype == dns.TypeAXFR {
		z.transfer(w, r)
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if z.TruncateUDP && w.LocalAddr().Network() == "udp" {
		msg.Truncated = true
		_ = w.WriteMsg(msg)
		return
	}

	rrs, ok := z.lookup(name)
	if !ok {
		msg.SetRcode(r, dns.RcodeNameError)
		msg.Authoritative = true
		_ = w.WriteMsg(msg)
		return
	}

	for _, rr := range rrs {
		if rr.Header().Rrtype == q.Qtype {
			msg.Answer = append(msg.Answer, rr)
			continue
		}
		cname, isCNAME := rr.(*dns.CNAME)
		if !isCNAME {
			continue
		}
		msg.Answer = append(msg.Answer, rr)
		if target, ok := z.lookup(strings.ToLower(cname.Target)); ok {
			for _, trr := range target {
				if trr.Header().Rrtype == q.Qtype {
					msg.Answer = append(msg.Answer, trr)
				}
			}
		}
	}
	_ = w.WriteMsg(msg)
}

func (z *Zone) lookup(name string) ([]dns.RR, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if rrs, ok := z.records[name]; ok {
		return rrs, true
	}

	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 {
		return nil, false
	}
	wild, ok := z.records["*."+parts[1]]
	if !ok {
		return nil, false
	}

	var out []dns.RR
	for _, rr := range wild {
		cp := dns.Copy(rr)
		cp.Header().Name = name
		out = append(out, cp)
	}
	return out, true
}

func (z *Zone) transfer(w dns.ResponseWriter, r *dns.Msg) {
	if !z.AllowTransfer || w.LocalAddr().Network() != "tcp" {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(msg)
		return
	}

	z.mu.Lock()
	var soa dns.RR
	var body []dns.RR
	for _, rrs := range z.records {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeSOA && strings.EqualFold(rr.Header().Name, z.Origin) {
				soa = rr
				continue
			}
			body = append(body, rr)
		}
	}
	z.mu.Unlock()

	if soa == nil {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(msg)
		return
	}

	ch := make(chan *dns.Envelope)
	go func() {
		ch <- &dns.Envelope{RR: []dns.RR{soa}}
		ch <- &dns.Envelope{RR: body}
		ch <- &dns.Envelope{RR: []dns.RR{soa}}
		close(ch)
	}()
	tr := new(dns.Transfer)
	_ = tr.Out(w, r, ch)
}
