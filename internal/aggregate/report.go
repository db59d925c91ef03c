package aggregate

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

type Finding struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Server   string   `json:"server,omitempty"`
	Detail   string   `json:"detail"`
	Names    []string `json:"names,omitempty"`
}

type Record struct {
	Name string `json:"name"`
	Type string `json:"type"`
	TTL  uint32 `json:"ttl"`
	Data string `json:"data"`
}

// RecordFrom flattens a resource record into its owner, type and rdata text.
func RecordFrom(rr dns.RR) Record {
	h := rr.Header()
	return Record{
		Name: Canonical(h.Name),
		Type: dns.TypeToString[h.Rrtype],
		TTL:  h.Ttl,
		Data: strings.TrimSpace(strings.TrimPrefix(rr.String(), h.String())),
	}
}

type Host struct {
	Name    string   `json:"name"`
	Records []Record `json:"records"`
	Sources []string `json:"sources"`
}

// Addresses returns the A and AAAA data of the host.
func (h Host) Addresses() []string {
	var out []string
	for _, r := range h.Records {
		if r.Type == "A" || r.Type == "AAAA" {
			out = append(out, r.Data)
		}
	}
	return out
}

type SnoopEntry struct {
	Name    string   `json:"name"`
	Server  string   `json:"server"`
	Status  string   `json:"status"`
	TTL     uint32   `json:"ttl,omitempty"`
	Records []Record `json:"records,omitempty"`
}

type Wildcard struct {
	Status       string   `json:"status"`
	Fingerprints []string `json:"fingerprints,omitempty"`
	Probes       []string `json:"probes,omitempty"`
}

type Stats struct {
	Queries        int `json:"queries"`
	Answered       int `json:"answered"`
	NoData         int `json:"no_data"`
	NameErrors     int `json:"name_errors"`
	Failed         int `json:"failed"`
	Timeouts       int `json:"timeouts"`
	ServerFailures int `json:"server_failures"`
	Refused        int `json:"refused"`
	Truncated      int `json:"truncated"`
	Suppressed     int `json:"suppressed"`
	Transfers      int `json:"transfers"`
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
)

// Report is the finished run. Nothing modifies it after Finish returns.
type Report struct {
	Domain       string        `json:"domain"`
	Mode         string        `json:"mode"`
	Nameservers  []string      `json:"nameservers"`
	Hosts        []Host        `json:"hosts"`
	Findings     []Finding     `json:"findings,omitempty"`
	Snoop        []SnoopEntry  `json:"snoop,omitempty"`
	NetRanges    []string      `json:"netranges,omitempty"`
	Misses       []string      `json:"misses,omitempty"`
	WildcardHits []string      `json:"wildcard_hits,omitempty"`
	Wildcard     Wildcard      `json:"wildcard"`
	Stats        Stats         `json:"stats"`
	Cancelled    bool          `json:"cancelled"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Status is partial when the run was cancelled or any query failed.
func (r *Report) Status() RunStatus {
	if r.Cancelled || r.Stats.Failed > 0 {
		return RunPartial
	}
	return RunSuccess
}

func (r *Report) Host(name string) (Host, bool) {
	name = Canonical(name)
	for _, h := range r.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

func (r *Report) Names() []string {
	out := make([]string, 0, len(r.Hosts))
	for _, h := range r.Hosts {
		out = append(out, h.Name)
	}
	return out
}

// Canonical lowercases a name and drops the root dot.
func Canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
