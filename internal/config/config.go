package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWordlist  = "data/subdomains-top1mil-5000.txt"
	DefaultSnoopList = "data/snoop.txt"

	maxTimeout = 128 * time.Second
)

// ErrInvalidInput marks problems with what the user asked for, reported
// before any query leaves the host.
var ErrInvalidInput = errors.New("invalid input")

type Mode int

const (
	ModeStandard Mode = iota
	ModeBrute
	ModeSnoop
	ModeReverse
)

var modeNames = map[Mode]string{
	ModeStandard: "standard",
	ModeBrute:    "brute",
	ModeSnoop:    "snoop",
	ModeReverse:  "reverse",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode accepts both the long names and the short dnsrecon type codes.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "std", "standard", "zonewalk", "":
		return ModeStandard, nil
	case "brt", "brute":
		return ModeBrute, nil
	case "snoop":
		return ModeSnoop, nil
	case "rvl", "reverse":
		return ModeReverse, nil
	}
	return ModeStandard, fmt.Errorf("%w: unknown enumeration type %q", ErrInvalidInput, s)
}

func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Config struct {
	Domain      string   `yaml:"domain"`
	Mode        Mode     `yaml:"mode"`
	Nameservers []string `yaml:"nameservers"`
	Range       string   `yaml:"range"`

	Wordlist  string `yaml:"wordlist"`
	SnoopList string `yaml:"snoop_list"`

	Concurrency int           `yaml:"concurrency"`
	Rate        int           `yaml:"rate"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	Grace       time.Duration `yaml:"grace"`

	WildcardProbes int      `yaml:"wildcard_probes"`
	RecordTypes    []string `yaml:"record_types"`
	AXFR           bool     `yaml:"axfr"`
	Verbose        bool     `yaml:"verbose"`

	Whois bool `yaml:"whois"`
	// WhoisDelay bounds the random pause before each whois query.
	WhoisDelay time.Duration `yaml:"whois_delay"`

	JSON   string `yaml:"json"`
	XML    string `yaml:"xml"`
	SQLite string `yaml:"sqlite"`
}

func Default() Config {
	return Config{
		Mode:           ModeStandard,
		Wordlist:       DefaultWordlist,
		SnoopList:      DefaultSnoopList,
		Concurrency:    50,
		Timeout:        5 * time.Second,
		Retries:        2,
		Backoff:        250 * time.Millisecond,
		Grace:          3 * time.Second,
		WildcardProbes: 3,
		RecordTypes:    []string{"A"},
		AXFR:           true,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: read config: %v", ErrInvalidInput, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse config %s: %v", ErrInvalidInput, path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Mode != ModeReverse && strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: a domain is required for %s enumeration", ErrInvalidInput, c.Mode)
	}
	if c.Mode == ModeReverse && strings.TrimSpace(c.Range) == "" {
		return fmt.Errorf("%w: a range is required for reverse enumeration", ErrInvalidInput)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidInput, c.Concurrency)
	}
	if c.Rate < 0 {
		return fmt.Errorf("%w: rate must not be negative", ErrInvalidInput)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidInput)
	}
	if c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidInput)
	}
	if c.Backoff < 0 || c.Grace < 0 || c.WhoisDelay < 0 {
		return fmt.Errorf("%w: backoff, grace and whois delay must not be negative", ErrInvalidInput)
	}
	if c.WildcardProbes < 1 {
		return fmt.Errorf("%w: wildcard probes must be at least 1", ErrInvalidInput)
	}
	if _, err := c.Types(); err != nil {
		return err
	}
	return nil
}

// Types maps the configured record type names to wire values.
func (c *Config) Types() ([]uint16, error) {
	if len(c.RecordTypes) == 0 {
		return []uint16{dns.TypeA}, nil
	}

	seen := make(map[uint16]bool)
	var out []uint16
	for _, name := range c.RecordTypes {
		t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown record type %q", ErrInvalidInput, name)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}
