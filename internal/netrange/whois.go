package netrange

import (
	"context"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Querier fetches the raw whois record for an address.
type Querier interface {
	Query(ctx context.Context, ip string) (string, error)
}

type whoisQuerier struct{}

func (whoisQuerier) Query(ctx context.Context, ip string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return whois.Whois(ip)
}

type Options struct {
	Concurrency int
	// Delay paces whois queries to stay under registry rate limits: each
	// query waits a random time between Delay/2 and Delay first.
	Delay   time.Duration
	Querier Querier
}

type Range struct {
	IP    string `json:"ip"`
	Block string `json:"block"`
	// Whois is false when the /24 fallback was used.
	Whois bool `json:"whois"`
}

type set struct {
	mu       sync.Mutex
	prefixes []*net.IPNet
}

func (s *set) contains(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *set) add(p *net.IPNet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.prefixes {
		if n.String() == p.String() {
			return false
		}
	}
	s.prefixes = append(s.prefixes, p)
	return true
}

// Lookup asks whois which netrange each public IPv4 address belongs to.
// Addresses are grouped by /24 first and a /24 already covered by an
// earlier answer is not queried again.
func Lookup(ctx context.Context, ips []string, opts Options, log logrus.FieldLogger) []Range {
	if opts.Querier == nil {
		opts.Querier = whoisQuerier{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	seen := make(map[string]bool)
	var bases []string
	for _, ip := range SortIPs(ips) {
		if IsPrivate(ip) {
			continue
		}
		octets := strings.Split(ip, ".")
		base := strings.Join(octets[:3], ".") + ".0"
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}

	var (
		known = &set{}
		mu    sync.Mutex
		out   []Range
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, base := range bases {
		g.Go(func() error {
			r, ok := lookupOne(gctx, base, known, opts, log)
			if ok {
				mu.Lock()
				out = append(out, r)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(out, func(a, b Range) int {
		return strings.Compare(a.Block, b.Block)
	})
	return out
}

func lookupOne(ctx context.Context, ip string, known *set, opts Options, log logrus.FieldLogger) (Range, bool) {
	addr := net.ParseIP(ip)
	if addr == nil || known.contains(addr) || ctx.Err() != nil {
		return Range{}, false
	}

	if opts.Delay > 0 {
		select {
		case <-ctx.Done():
			return Range{}, false
		case <-time.After(opts.Delay/2 + rand.N(opts.Delay/2+1)):
		}
	}

	r := Range{IP: ip}
	var block *net.IPNet
	body, err := opts.Querier.Query(ctx, ip)
	if err == nil {
		block = parseWhoisRange(body)
	}
	if block != nil {
		r.Whois = true
	} else {
		mask := net.CIDRMask(24, 32)
		block = &net.IPNet{IP: addr.Mask(mask), Mask: mask}
		log.WithFields(logrus.Fields{"ip": ip, "block": block}).WithError(err).
			Debug("whois netrange lookup failed, using class C default")
	}

	if !known.add(block) {
		return Range{}, false
	}
	r.Block = block.String()
	return r, true
}

// parseWhoisRange finds the first inetnum, NetRange or CIDR line and turns
// it into a block. A start-end range that is not exactly one CIDR is widened
// to the smallest block starting at start that covers it.
func parseWhoisRange(body string) *net.IPNet {
	for _, line := range strings.Split(body, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		if key != "inetnum" && key != "netrange" && key != "cidr" {
			continue
		}
		val := strings.TrimSpace(parts[1])

		if strings.Contains(val, "/") {
			first := strings.TrimSpace(strings.Split(val, ",")[0])
			if _, block, err := net.ParseCIDR(first); err == nil {
				return block
			}
		}

		if strings.Contains(val, "-") {
			bounds := rangeBounds(val)
			if len(bounds) != 2 || !bounds[0].Is4() || !bounds[1].Is4() {
				continue
			}
			start := ipToUint32(net.IP(bounds[0].AsSlice()))
			end := ipToUint32(net.IP(bounds[1].AsSlice()))
			if end < start {
				continue
			}
			if blocks := RangeToCIDR(start, end); len(blocks) == 1 {
				if _, block, err := net.ParseCIDR(blocks[0]); err == nil {
					return block
				}
			}
			if block := coverRange(start, end); block != nil {
				return block
			}
		}
	}
	return nil
}

func coverRange(s, e uint32) *net.IPNet {
	for mask := 32; mask > 0; mask-- {
		network := s & ^uint32((1<<(32-uint(mask)))-1)
		broadcast := uint64(network) + (1 << (32 - uint(mask))) - 1
		if network == s && broadcast >= uint64(e) {
			return &net.IPNet{
				IP:   uint32ToIP(network).To4(),
				Mask: net.CIDRMask(mask, 32),
			}
		}
	}
	return nil
}
