// Package netrange does the address arithmetic behind reverse sweeps and
// whois netrange folding.
package netrange

import (
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"dnsrecon/internal/config"
)

// MaxExpand bounds how many addresses a single range may produce.
const MaxExpand = 65536

// Expand turns a CIDR block, a "start-end" range or a single address into
// the list of addresses it covers.
func Expand(expr string) ([]netip.Addr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty range", config.ErrInvalidInput)
	}

	var start, end netip.Addr
	switch {
	case strings.Contains(expr, "/"):
		prefix, err := netip.ParsePrefix(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: range %q: %v", config.ErrInvalidInput, expr, err)
		}
		prefix = prefix.Masked()
		hostBits := prefix.Addr().BitLen() - prefix.Bits()
		if hostBits > bits.Len(MaxExpand-1) {
			return nil, fmt.Errorf("%w: range %q is larger than %d addresses", config.ErrInvalidInput, expr, MaxExpand)
		}
		start = prefix.Addr()
		end = lastAddr(prefix)
	case strings.Contains(expr, "-"):
		bounds := rangeBounds(expr)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%w: range %q is not start-end", config.ErrInvalidInput, expr)
		}
		start, end = bounds[0], bounds[1]
		if start.BitLen() != end.BitLen() || end.Less(start) {
			return nil, fmt.Errorf("%w: range %q is reversed or mixes families", config.ErrInvalidInput, expr)
		}
	default:
		addr, err := netip.ParseAddr(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: range %q: %v", config.ErrInvalidInput, expr, err)
		}
		start, end = addr, addr
	}

	var out []netip.Addr
	for a := start; ; a = a.Next() {
		if len(out) == MaxExpand {
			return nil, fmt.Errorf("%w: range %q is larger than %d addresses", config.ErrInvalidInput, expr, MaxExpand)
		}
		out = append(out, a)
		if a == end {
			break
		}
	}
	return out, nil
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// PTRLabel splits the reverse name of addr into the arpa zone and the
// label in front of it.
func PTRLabel(addr netip.Addr) (zone, label string, err error) {
	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", "", err
	}
	zone = "in-addr.arpa."
	if addr.Is6() && !addr.Is4In6() {
		zone = "ip6.arpa."
	}
	return zone, strings.TrimSuffix(rev, "."+zone), nil
}

func rangeBounds(text string) []netip.Addr {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '-' || r == ' '
	})
	if len(parts) < 2 {
		return nil
	}
	start, err := netip.ParseAddr(parts[0])
	if err != nil {
		return nil
	}
	end, err := netip.ParseAddr(parts[1])
	if err != nil {
		return nil
	}
	return []netip.Addr{start, end}
}

// IsPrivate reports loopback, link-local and RFC 1918 IPv4 addresses.
func IsPrivate(ipStr string) bool {
	o := net.ParseIP(ipStr).To4()
	if o == nil {
		return false
	}
	return o[0] == 10 ||
		o[0] == 127 ||
		(o[0] == 169 && o[1] == 254) ||
		(o[0] == 172 && o[1] > 15 && o[1] < 32) ||
		(o[0] == 192 && o[1] == 168)
}

// SortIPs returns the unique IPv4 addresses in numeric order. Anything
// else is dropped.
func SortIPs(ips []string) []string {
	var nums []uint32
	seen := make(map[uint32]bool)
	for _, ip := range ips {
		parsed := net.ParseIP(ip).To4()
		if parsed == nil {
			continue
		}
		val := ipToUint32(parsed)
		if seen[val] {
			continue
		}
		seen[val] = true
		nums = append(nums, val)
	}

	sort.Slice(nums, func(i, j int) bool {
		return nums[i] < nums[j]
	})

	out := make([]string, 0, len(nums))
	for _, n := range nums {
		out = append(out, uint32ToIP(n).String())
	}
	return out
}

// RangeToCIDR splits the inclusive range [start, end] into CIDR blocks.
func RangeToCIDR(start, end uint32) []string {
	var blocks []string
	for start <= end {
		maxMask := 32 - bits.TrailingZeros32(start)
		remain := uint64(end) - uint64(start) + 1
		for uint64(1)<<(32-maxMask) > remain {
			maxMask++
		}

		blocks = append(blocks, fmt.Sprintf("%s/%d", uint32ToIP(start), maxMask))
		next := uint64(start) + uint64(1)<<(32-maxMask)
		if next > uint64(end) {
			break
		}
		start = uint32(next)
	}
	return blocks
}

func ipToUint32(ip net.IP) uint32 {
	o := ip.To4()
	if o == nil {
		return 0
	}
	return uint32(o[0])<<24 |
		uint32(o[1])<<16 |
		uint32(o[2])<<8 |
		uint32(o[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}
