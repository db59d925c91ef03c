package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 250 * time.Millisecond

	udpBufferSize = 4096
)

var ErrInvalidName = errors.New("invalid dns name")

// Resolver is what every query-producing component depends on.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (Result, error)
}

type Query struct {
	Name             string
	Type             uint16
	Server           string
	RecursionDesired bool
	Timeout          time.Duration
}

func (q Query) String() string {
	return fmt.Sprintf("%s %s @%s", q.Name, dns.TypeToString[q.Type], q.Server)
}

type Options struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

type Client struct {
	opts Options
	udp  *dns.Client
	tcp  *dns.Client
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}

	return &Client{
		opts: opts,
		udp:  &dns.Client{Net: "udp", Timeout: opts.Timeout, UDPSize: udpBufferSize},
		tcp:  &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}
}

func (c *Client) Options() Options {
	return c.opts
}

// Resolve sends q over UDP, switching to TCP when the answer comes back
// truncated. Timeouts and server failures are retried with linear backoff.
// The returned error is only ever ErrInvalidName; network trouble is
// reported through Result.Status.
func (c *Client) Resolve(ctx context.Context, q Query) (Result, error) {
	if err := ValidateName(q.Name); err != nil {
		return Result{}, err
	}
	if q.Timeout <= 0 {
		q.Timeout = c.opts.Timeout
	}
	q.Server = withPort(q.Server)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.Name), q.Type)
	msg.RecursionDesired = q.RecursionDesired
	msg.SetEdns0(udpBufferSize, false)

	var res Result
	for attempt := 1; attempt <= c.opts.Retries+1; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*c.opts.Backoff); err != nil {
				break
			}
		}

		res = c.exchange(ctx, q, msg)
		res.Attempts = attempt
		if !res.retryable() || ctx.Err() != nil {
			break
		}
	}
	return res, nil
}

func (c *Client) exchange(ctx context.Context, q Query, msg *dns.Msg) Result {
	res := Result{Query: q, Transport: "udp"}

	qctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	start := time.Now()
	resp, _, err := c.udp.ExchangeContext(qctx, msg, q.Server)
	if err == nil && resp != nil && resp.Truncated {
		res.Transport = "tcp"
		tctx, tcancel := context.WithTimeout(ctx, q.Timeout)
		resp, _, err = c.tcp.ExchangeContext(tctx, msg, q.Server)
		tcancel()
		if err != nil {
			res.Status = StatusTruncated
			res.Err = err
			res.RTT = time.Since(start)
			return res
		}
	}
	res.RTT = time.Since(start)

	if err != nil || resp == nil {
		res.Status = StatusTimeout
		res.Err = err
		if res.Err == nil {
			res.Err = errors.New("no response")
		}
		return res
	}

	res.Rcode = resp.Rcode
	res.Authoritative = resp.Authoritative
	res.RecursionAvailable = resp.RecursionAvailable

	switch resp.Rcode {
	case dns.RcodeSuccess:
		res.Status = StatusAnswered
		res.Records = resp.Answer
	case dns.RcodeNameError:
		res.Status = StatusNameError
	case dns.RcodeRefused:
		res.Status = StatusRefused
	default:
		res.Status = StatusServerFailure
		res.Err = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	return res
}

// Transfer requests a full zone copy from server. Any failure, including a
// refused transfer, is returned as an error.
func (c *Client) Transfer(ctx context.Context, zone, server string) ([]dns.RR, error) {
	if err := ValidateName(zone); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetAxfr(dns.Fqdn(zone))

	tr := &dns.Transfer{
		DialTimeout:  c.opts.Timeout,
		ReadTimeout:  c.opts.Timeout,
		WriteTimeout: c.opts.Timeout,
	}

	envs, err := tr.In(msg, withPort(server))
	if err != nil {
		return nil, fmt.Errorf("axfr %s: %w", server, err)
	}

	var rrs []dns.RR
	for {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case env, ok := <-envs:
			if !ok {
				if len(rrs) == 0 {
					return nil, fmt.Errorf("axfr %s: empty transfer", server)
				}
				return rrs, nil
			}
			if env.Error != nil {
				return nil, fmt.Errorf("axfr %s: %w", server, env.Error)
			}
			rrs = append(rrs, env.RR...)
		}
	}

	// the transfer goroutine only exits once its channel is read to the end
	go func() {
		for range envs {
		}
	}()
	return nil, ctx.Err()
}

// ValidateName accepts names of at most 253 octets made of 1..63 octet
// labels drawn from letters, digits, hyphen and underscore.
func ValidateName(name string) error {
	clean := strings.TrimSuffix(name, ".")
	if clean == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(clean) > 253 {
		return fmt.Errorf("%w: %q is longer than 253 octets", ErrInvalidName, name)
	}
	for _, label := range strings.Split(clean, ".") {
		if err := ValidateLabel(label); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
		}
	}
	return nil
}

func ValidateLabel(label string) error {
	if label == "" {
		return errors.New("empty label")
	}
	if len(label) > 63 {
		return fmt.Errorf("label %q is longer than 63 octets", label)
	}
	for i := 0; i < len(label); i++ {
		ch := label[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return fmt.Errorf("label %q has invalid character %q", label, ch)
		}
	}
	return nil
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
