// Package target builds the immutable description of what a run queries.
package target

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"dnsrecon/internal/config"
	"dnsrecon/internal/resolver"
)

const DefaultResolvConf = "/etc/resolv.conf"

// Target is resolved once per run and shared read-only.
type Target struct {
	Domain      string
	Nameservers []string
	// Explicit is set when the nameservers came from the user rather than
	// the system resolver configuration.
	Explicit bool
}

type Options struct {
	Domain      string
	Nameservers []string
	ResolvConf  string
}

func New(ctx context.Context, opts Options) (Target, error) {
	var t Target
	if opts.Domain != "" {
		domain, err := NormalizeDomain(opts.Domain)
		if err != nil {
			return t, err
		}
		t.Domain = domain
	}

	if len(opts.Nameservers) > 0 {
		servers, err := parseServers(ctx, opts.Nameservers)
		if err != nil {
			return t, err
		}
		t.Nameservers = servers
		t.Explicit = true
		return t, nil
	}

	path := opts.ResolvConf
	if path == "" {
		path = DefaultResolvConf
	}
	servers, err := SystemNameservers(path)
	if err != nil {
		return t, err
	}
	t.Nameservers = servers
	return t, nil
}

// NormalizeDomain converts an internationalized domain to its ASCII form,
// lowercases it and rejects names that are public suffixes.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: domain %q: %v", config.ErrInvalidInput, domain, err)
	}
	ascii = strings.ToLower(ascii)
	if err := resolver.ValidateName(ascii); err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrInvalidInput, err)
	}
	if suffix, icann := publicsuffix.PublicSuffix(ascii); icann && suffix == ascii {
		return "", fmt.Errorf("%w: %q is a public suffix, not a domain", config.ErrInvalidInput, ascii)
	}
	return ascii, nil
}

// SystemNameservers reads the nameserver lines of a resolv.conf file.
func SystemNameservers(path string) ([]string, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolver config: %v", config.ErrInvalidInput, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w: no nameservers in %s", config.ErrInvalidInput, path)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers, nil
}

func parseServers(ctx context.Context, in []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range in {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			host, port, err := splitHostPort(s)
			if err != nil {
				return nil, fmt.Errorf("%w: nameserver %q: %v", config.ErrInvalidInput, s, err)
			}
			if net.ParseIP(host) == nil {
				ip, err := lookupIP(ctx, host)
				if err != nil {
					return nil, fmt.Errorf("%w: nameserver %q: %v", config.ErrInvalidInput, s, err)
				}
				host = ip
			}
			addr := net.JoinHostPort(host, port)
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no nameservers given", config.ErrInvalidInput)
	}
	return out, nil
}

func splitHostPort(host string) (string, string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), "53", nil
	}
	if strings.Contains(host, ":") {
		return net.SplitHostPort(host)
	}
	return host, "53", nil
}

func lookupIP(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no address for %s", host)
	}
	return ips[0].String(), nil
}
