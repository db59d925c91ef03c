package resolver

import (
	"time"

	"github.com/miekg/dns"
)

type Status int

const (
	StatusAnswered Status = iota
	StatusNameError
	StatusServerFailure
	StatusTimeout
	StatusTruncated
	StatusRefused
)

var statusNames = map[Status]string{
	StatusAnswered:      "answered",
	StatusNameError:     "nxdomain",
	StatusServerFailure: "servfail",
	StatusTimeout:       "timeout",
	StatusTruncated:     "truncated",
	StatusRefused:       "refused",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Result is the immutable outcome of one Query, after retries.
type Result struct {
	Query              Query
	Status             Status
	Records            []dns.RR
	Rcode              int
	Authoritative      bool
	RecursionAvailable bool
	Transport          string
	Attempts           int
	RTT                time.Duration
	Err                error
}

// Hit reports an answer carrying at least one record.
func (r Result) Hit() bool {
	return r.Status == StatusAnswered && len(r.Records) > 0
}

// Failed reports a query that produced no usable verdict about the name.
func (r Result) Failed() bool {
	switch r.Status {
	case StatusServerFailure, StatusTimeout, StatusTruncated, StatusRefused:
		return true
	}
	return false
}

// Responded reports whether a server produced a DNS verdict, even a refusal.
func (r Result) Responded() bool {
	return r.Status != StatusTimeout && r.Status != StatusTruncated
}

func (r Result) retryable() bool {
	return r.Status == StatusTimeout || r.Status == StatusServerFailure
}
