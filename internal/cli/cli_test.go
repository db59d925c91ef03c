package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsrecon/internal/config"
	"dnsrecon/internal/dnstest"
)

func TestNormalizeLongFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	(&options{}).register(fs)

	in := []string{"-domain", "example.com", "-concurrency=5", "-v", "-dexample.org", "--json", "out.json", "--", "-xml"}
	got := normalizeLongFlags(fs, in)
	want := []string{"--domain", "example.com", "--concurrency=5", "-v", "-dexample.org", "--json", "out.json", "--", "-xml"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalizeLongFlags() = %v, want %v", got, want)
	}
}

func parse(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	opts := &options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.register(fs)
	require.NoError(t, fs.Parse(args))
	return opts.config(fs, fs.Args())
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsrecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain: example.org
mode: brute
concurrency: 7
timeout: 2s
record_types: [A, AAAA]
axfr: false
`), 0o644))

	cfg, err := parse(t, "--config", path, "-c", "3")
	require.NoError(t, err)
	assert.Equal(t, "example.org", cfg.Domain)
	assert.Equal(t, config.ModeBrute, cfg.Mode)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"A", "AAAA"}, cfg.RecordTypes)
	assert.False(t, cfg.AXFR)
	// unset flags keep the file's values, not the flag defaults
	assert.Equal(t, 2, cfg.Retries)
}

func TestFlagsWithoutConfigFile(t *testing.T) {
	cfg, err := parse(t, "-t", "rvl", "-r", "192.0.2.0/28", "--no-axfr", "--timeout", "500s")
	require.NoError(t, err)
	assert.Equal(t, config.ModeReverse, cfg.Mode)
	assert.Equal(t, "192.0.2.0/28", cfg.Range)
	assert.False(t, cfg.AXFR)
	assert.Equal(t, 128*time.Second, cfg.Timeout)

	cfg, err = parse(t, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Domain)
	assert.Equal(t, config.ModeStandard, cfg.Mode)

	cfg, err = parse(t, "-d", "example.com", "-t", "zonewalk", "--whois", "--whois-delay", "2s", "--grace", "0s")
	require.NoError(t, err)
	assert.Equal(t, config.ModeStandard, cfg.Mode)
	assert.True(t, cfg.Whois)
	assert.Equal(t, 2*time.Second, cfg.WhoisDelay)
	assert.Zero(t, cfg.Grace)
}

func TestFlagsRejectBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"-d", "example.com", "-t", "walk"},
		{"-d", "example.com", "--whois-delay=-1s"},
		{"-d", "example.com", "-c", "0"},
		{"-d", "example.com", "--record-types", "BOGUS"},
		{"-t", "brt"},
		{"-t", "rvl"},
	} {
		_, err := parse(t, args...)
		assert.ErrorIs(t, err, config.ErrInvalidInput, args)
	}
}

func exampleZone(t *testing.T) *dnstest.Zone {
	return dnstest.NewZone(t, "example.com.",
		"example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 300",
		"example.com. 3600 IN NS ns1.example.com.",
		"ns1.example.com. 3600 IN A 127.0.0.1",
		"www.example.com. 300 IN A 10.0.0.10",
	)
}

func wordlist(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("www\nftp\n"), 0o644))
	return path
}

func TestExecuteBrute(t *testing.T) {
	srv := dnstest.Start(t, exampleZone(t))
	out := filepath.Join(t.TempDir(), "report.json")

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{
		"-domain", "example.com", "-t", "brt", "-n", srv.Addr,
		"-D", wordlist(t), "--json", out, "-q", "--nocolor",
	}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	assert.Contains(t, stdout.String(), "www.example.com")
	assert.Contains(t, stdout.String(), "[success]")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var rep struct {
		Status string `json:"status"`
		Hosts  []struct {
			Name string `json:"name"`
		} `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, "success", rep.Status)
	require.Len(t, rep.Hosts, 1)
	assert.Equal(t, "www.example.com", rep.Hosts[0].Name)
}

func TestExecutePartial(t *testing.T) {
	zone := exampleZone(t)
	zone.Drop = 1000
	srv := dnstest.Start(t, zone)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{
		"-d", "example.com", "-t", "brt", "-n", srv.Addr, "-D", wordlist(t),
		"--timeout", "50ms", "--retries", "0", "-q", "--nocolor",
	}, &stdout, &stderr)
	assert.Equal(t, ExitPartial, code, stderr.String())
	assert.Contains(t, stdout.String(), "[partial]")
}

func TestExecuteFatal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"-d", "example.com", "-t", "walk", "--nocolor"}, &stdout, &stderr)
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, stderr.String(), "invalid input")
	assert.Empty(t, stdout.String())
}
