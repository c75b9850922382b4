// Package mirror keeps newline-delimited flat files of imported IPs under the
// data directory: one file per source and one per detection month. They serve
// as a fallback index for point lookups and feed external exporters.
package mirror

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"ipthreat/internal/support"
)

const (
	sourcesDir = "sources"
	monthlyDir = "monthly"
	fileSuffix = ".txt"

	MonthLayout = "2006-01"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Hit is one mirror file containing the searched IP. Exactly one of Source or
// Month is set.
type Hit struct {
	Source string `json:"source,omitempty"`
	Month  string `json:"month,omitempty"`
}

// Writer owns the mirror directory tree rooted at Dir.
type Writer struct {
	dir string
	mu  sync.RWMutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Dir() string { return w.dir }

// WriteSource replaces the IP list for source.
func (w *Writer) WriteSource(source string, ips []string) error {
	return w.write(filepath.Join(w.dir, sourcesDir, fileName(source)), ips)
}

// WriteMonthly replaces the IP list for month (YYYY-MM).
func (w *Writer) WriteMonthly(month string, ips []string) error {
	return w.write(filepath.Join(w.dir, monthlyDir, fileName(month)), ips)
}

func (w *Writer) write(path string, ips []string) error {
	unique := dedupe(ips)

	var buf bytes.Buffer
	for _, ip := range unique {
		buf.WriteString(ip)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := support.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("mirror: write %s: %w", path, err)
	}
	return nil
}

// Search returns every mirror file that lists ip on its own line.
func (w *Writer) Search(ip string) ([]Hit, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var hits []Hit
	for _, kind := range []string{sourcesDir, monthlyDir} {
		files, err := filepath.Glob(filepath.Join(w.dir, kind, "*"+fileSuffix))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)

		for _, path := range files {
			found, err := containsLine(path, ip)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return hits, fmt.Errorf("mirror: read %s: %w", path, err)
			}
			if !found {
				continue
			}
			label := strings.TrimSuffix(filepath.Base(path), fileSuffix)
			if kind == sourcesDir {
				hits = append(hits, Hit{Source: label})
			} else {
				hits = append(hits, Hit{Month: label})
			}
		}
	}
	return hits, nil
}

func containsLine(path, ip string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == ip {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Clear removes every mirror file and returns how many were deleted.
func (w *Writer) Clear() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	var errs []error
	for _, kind := range []string{sourcesDir, monthlyDir} {
		files, err := filepath.Glob(filepath.Join(w.dir, kind, "*"+fileSuffix))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range files {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

type exportEntry struct {
	IP         string `json:"ip"`
	Type       string `json:"type"`
	Confidence string `json:"confidence"`
}

// ExportJSON writes ips as the downstream blocklist format.
func ExportJSON(out io.Writer, ips []string) error {
	entries := make([]exportEntry, 0, len(ips))
	for _, ip := range dedupe(ips) {
		entries = append(entries, exportEntry{IP: ip, Type: "malicious", Confidence: "high"})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

func fileName(label string) string {
	label = unsafeName.ReplaceAllString(strings.TrimSpace(label), "_")
	if label == "" || label == "." || label == ".." {
		label = "unknown"
	}
	return label + fileSuffix
}

func dedupe(ips []string) []string {
	seen := make(map[string]struct{}, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}
