package cli

import (
	"strings"
	"time"

	"github.com/spf13/pflag"

	"dnsrecon/internal/config"
)

// normalizeLongFlags rewrites "-domain" style arguments to "--domain" when
// the name is a known long flag, so both spellings work.
func normalizeLongFlags(fs *pflag.FlagSet, args []string) []string {
	var out []string
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if strings.HasPrefix(arg, "-") &&
			!strings.HasPrefix(arg, "--") &&
			len(arg) > 2 {
			name, _, _ := strings.Cut(arg[1:], "=")
			if fs.Lookup(name) != nil {
				out = append(out, "-"+arg)
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

type options struct {
	configPath string

	domain      string
	mode        string
	nameservers []string
	rng         string
	wordlist    string
	snoopList   string

	concurrency    int
	rate           int
	timeout        time.Duration
	retries        int
	backoff        time.Duration
	grace          time.Duration
	recordTypes    []string
	wildcardProbes int
	noAXFR         bool
	whois          bool
	whoisDelay     time.Duration

	json   string
	xml    string
	sqlite string

	verbose bool
	quiet   bool
	noColor bool
}

func (o *options) register(fs *pflag.FlagSet) {
	def := config.Default()

	fs.StringVar(&o.configPath, "config", "", "YAML configuration file, flags override its values")

	fs.StringVarP(&o.domain, "domain", "d", "", "target domain")
	fs.StringVarP(&o.mode, "type", "t", "std", "enumeration type: std, brt, snoop or rvl")
	fs.StringSliceVarP(&o.nameservers, "nameservers", "n", nil, "nameservers to query, comma separated (default: system resolvers)")
	fs.StringVarP(&o.rng, "range", "r", "", "IP range for reverse lookups, CIDR or start-end")
	fs.StringVarP(&o.wordlist, "dict", "D", def.Wordlist, "wordlist for brute force")
	fs.StringVar(&o.snoopList, "snoop-list", def.SnoopList, "names to probe in cache snooping")

	fs.IntVarP(&o.concurrency, "concurrency", "c", def.Concurrency, "maximum queries in flight")
	fs.IntVar(&o.rate, "rate", def.Rate, "queries per second, 0 = unlimited")
	fs.DurationVar(&o.timeout, "timeout", def.Timeout, "per query timeout")
	fs.IntVar(&o.retries, "retries", def.Retries, "retries after a timeout or SERVFAIL")
	fs.DurationVar(&o.backoff, "backoff", def.Backoff, "base delay between retries")
	fs.DurationVar(&o.grace, "grace", def.Grace, "time in-flight queries get to finish after cancellation")
	fs.StringSliceVar(&o.recordTypes, "record-types", def.RecordTypes, "record types queried for each candidate")
	fs.IntVar(&o.wildcardProbes, "wildcard-probes", def.WildcardProbes, "random names used to detect wildcard DNS")
	fs.BoolVar(&o.noAXFR, "no-axfr", false, "skip zone transfer attempts")
	fs.BoolVar(&o.whois, "whois", false, "look up netranges of discovered public addresses")
	fs.DurationVar(&o.whoisDelay, "whois-delay", def.WhoisDelay, "upper bound of the random pause before each whois query")

	fs.StringVarP(&o.json, "json", "j", "", "write the report as JSON")
	fs.StringVarP(&o.xml, "xml", "x", "", "write the report as XML")
	fs.StringVarP(&o.sqlite, "sqlite", "s", "", "append the report to a SQLite database")

	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging, keep misses and wildcard hits")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "only log warnings and errors, no progress bar")
	fs.BoolVar(&o.noColor, "nocolor", false, "disable colored output")
}

// config loads the file given with --config, or the defaults, and applies
// every flag the user set explicitly on top.
func (o *options) config(fs *pflag.FlagSet, args []string) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "domain":
			cfg.Domain = o.domain
		case "type":
			cfg.Mode, err = config.ParseMode(o.mode)
		case "nameservers":
			cfg.Nameservers = o.nameservers
		case "range":
			cfg.Range = o.rng
		case "dict":
			cfg.Wordlist = o.wordlist
		case "snoop-list":
			cfg.SnoopList = o.snoopList
		case "concurrency":
			cfg.Concurrency = o.concurrency
		case "rate":
			cfg.Rate = o.rate
		case "timeout":
			cfg.Timeout = o.timeout
		case "retries":
			cfg.Retries = o.retries
		case "backoff":
			cfg.Backoff = o.backoff
		case "grace":
			cfg.Grace = o.grace
		case "record-types":
			cfg.RecordTypes = o.recordTypes
		case "wildcard-probes":
			cfg.WildcardProbes = o.wildcardProbes
		case "no-axfr":
			cfg.AXFR = !o.noAXFR
		case "whois":
			cfg.Whois = o.whois
		case "whois-delay":
			cfg.WhoisDelay = o.whoisDelay
		case "json":
			cfg.JSON = o.json
		case "xml":
			cfg.XML = o.xml
		case "sqlite":
			cfg.SQLite = o.sqlite
		case "verbose":
			cfg.Verbose = o.verbose
		}
	})
	if err != nil {
		return cfg, err
	}

	// dnsrecon style: a bare positional argument is the domain
	if cfg.Domain == "" && len(args) > 0 {
		cfg.Domain = args[0]
	}
	return cfg, cfg.Validate()
}
