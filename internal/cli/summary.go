package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"dnsrecon/internal/aggregate"
)

var (
	headerColor   = color.New(color.FgBlue, color.Bold)
	criticalColor = color.New(color.FgRed, color.Bold)
	warningColor  = color.New(color.FgYellow)
	infoColor     = color.New(color.FgCyan)
	hostColor     = color.New(color.FgGreen)
	dimColor      = color.New(color.FgHiBlack)
)

func header(w io.Writer, text string) {
	headerColor.Fprintf(w, "\n%s\n%s\n", text, strings.Repeat("_", len(text)))
}

// printReport writes the human readable summary of a finished run.
func printReport(w io.Writer, rep *aggregate.Report) {
	headerColor.Fprintf(w, "\n-----   %s (%s)   -----\n", rep.Domain, rep.Mode)

	if rep.Wildcard.Status != "unchecked" {
		fmt.Fprintf(w, "\nwildcard: %s", rep.Wildcard.Status)
		if len(rep.Wildcard.Fingerprints) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(rep.Wildcard.Fingerprints, ", "))
		}
		fmt.Fprintln(w)
	}

	if len(rep.Findings) > 0 {
		header(w, "Findings")
		for _, f := range rep.Findings {
			c := infoColor
			switch f.Severity {
			case aggregate.SeverityCritical:
				c = criticalColor
			case aggregate.SeverityWarning:
				c = warningColor
			}
			c.Fprintf(w, "[%s]", f.Severity)
			fmt.Fprintf(w, " %s", f.Kind)
			if f.Server != "" {
				fmt.Fprintf(w, " %s", f.Server)
			}
			fmt.Fprintf(w, ": %s\n", f.Detail)
		}
	}

	if len(rep.Hosts) > 0 {
		header(w, "Hosts")
		for _, h := range rep.Hosts {
			for _, r := range h.Records {
				hostColor.Fprintf(w, "%-40s", r.Name)
				fmt.Fprintf(w, " %-8d %-6s %s\n", r.TTL, r.Type, r.Data)
			}
		}
	}

	if len(rep.Snoop) > 0 {
		header(w, "Cache snooping")
		for _, s := range rep.Snoop {
			c := dimColor
			if s.Status == "cached" {
				c = hostColor
			}
			c.Fprintf(w, "%-40s %-14s", s.Name, s.Status)
			if s.TTL > 0 {
				fmt.Fprintf(w, " ttl=%d", s.TTL)
			}
			fmt.Fprintln(w)
		}
	}

	if len(rep.NetRanges) > 0 {
		header(w, "Netranges")
		for _, block := range rep.NetRanges {
			fmt.Fprintf(w, " %s\n", block)
		}
	}

	if len(rep.Misses) > 0 {
		header(w, "NXDOMAIN")
		for _, name := range rep.Misses {
			dimColor.Fprintf(w, " %s\n", name)
		}
	}
	if len(rep.WildcardHits) > 0 {
		header(w, "Wildcard matches")
		for _, name := range rep.WildcardHits {
			dimColor.Fprintf(w, " %s\n", name)
		}
	}

	s := rep.Stats
	status := string(rep.Status())
	if rep.Cancelled {
		status += ", cancelled"
	}
	fmt.Fprintf(w, "\n%d hosts, %d queries (%d answered, %d nxdomain, %d failed, %d suppressed) in %s [%s]\n",
		len(rep.Hosts), s.Queries, s.Answered, s.NameErrors, s.Failed, s.Suppressed,
		rep.Elapsed.Round(time.Millisecond), status)
}
