// Package wordlist supplies brute-force candidates.
package wordlist

import (
	"bufio"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"dnsrecon/internal/config"
	"dnsrecon/internal/resolver"
)

// Source is an ordered, deduplicated, restartable list of candidates.
type Source struct {
	entries []string
	skipped int
}

// Load reads one candidate per line. Blank lines and lines starting with
// '#' are ignored; lines that are not valid DNS labels are skipped.
func Load(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: wordlist: %v", config.ErrInvalidInput, err)
	}
	defer f.Close()

	b := newBuilder()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		b.add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: wordlist %s: %v", config.ErrInvalidInput, path, err)
	}
	return b.source(), nil
}

func FromSlice(lines []string) *Source {
	b := newBuilder()
	for _, line := range lines {
		b.add(line)
	}
	return b.source()
}

// All yields every candidate from the start. Each call is a fresh pass.
func (s *Source) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

func (s *Source) Len() int {
	return len(s.entries)
}

// Skipped counts malformed lines dropped while loading.
func (s *Source) Skipped() int {
	return s.skipped
}

// ResolvePath returns path if it exists, otherwise looks for the same file
// name in the working directory and its data/ subdirectory.
func ResolvePath(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	base := filepath.Base(path)
	for _, candidate := range []string{
		filepath.Join(wd, base),
		filepath.Join(wd, "data", base),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

type builder struct {
	seen    map[string]struct{}
	entries []string
	skipped int
}

func newBuilder() *builder {
	return &builder{seen: make(map[string]struct{})}
}

func (b *builder) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	line = strings.ToLower(strings.Trim(line, "."))
	if !valid(line) {
		b.skipped++
		return
	}
	if _, dup := b.seen[line]; dup {
		return
	}
	b.seen[line] = struct{}{}
	b.entries = append(b.entries, line)
}

func (b *builder) source() *Source {
	return &Source{entries: b.entries, skipped: b.skipped}
}

func valid(entry string) bool {
	if entry == "" {
		return false
	}
	for _, label := range strings.Split(entry, ".") {
		if resolver.ValidateLabel(label) != nil {
			return false
		}
	}
	return true
}
