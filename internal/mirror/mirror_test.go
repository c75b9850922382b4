package mirror

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndSearch(t *testing.T) {
	w := NewWriter(t.TempDir())

	if err := w.WriteSource("REGTECH", []string{"1.2.3.4", "11.2.3.45", "1.2.3.4"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	if err := w.WriteMonthly("2025-01", []string{"1.2.3.4"}); err != nil {
		t.Fatalf("WriteMonthly: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), "sources", "REGTECH.txt"))
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	if string(data) != "1.2.3.4\n11.2.3.45\n" {
		t.Fatalf("source file = %q", data)
	}

	hits, err := w.Search("1.2.3.4")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 || hits[0].Source != "REGTECH" || hits[1].Month != "2025-01" {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	// substrings of listed addresses must not match
	hits, err = w.Search("1.2.3.45")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}

func TestWriteSourceOverwrites(t *testing.T) {
	w := NewWriter(t.TempDir())
	if err := w.WriteSource("X", []string{"10.0.0.1"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	if err := w.WriteSource("X", []string{"10.0.0.2"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	if hits, _ := w.Search("10.0.0.1"); len(hits) != 0 {
		t.Fatalf("stale IP still mirrored: %+v", hits)
	}
	if hits, _ := w.Search("10.0.0.2"); len(hits) != 1 {
		t.Fatalf("new IP missing: %+v", hits)
	}
}

func TestSanitizesFileNames(t *testing.T) {
	w := NewWriter(t.TempDir())
	if err := w.WriteSource("../evil source", []string{"8.8.8.8"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), "sources", ".._evil_source.txt")); err != nil {
		t.Fatalf("expected sanitized file: %v", err)
	}
}

func TestClear(t *testing.T) {
	w := NewWriter(t.TempDir())
	_ = w.WriteSource("A", []string{"1.1.1.1"})
	_ = w.WriteSource("B", []string{"2.2.2.2"})
	_ = w.WriteMonthly("2024-12", []string{"1.1.1.1"})

	removed, err := w.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if hits, _ := w.Search("1.1.1.1"); len(hits) != 0 {
		t.Fatalf("hits after clear: %+v", hits)
	}

	removed, err = w.Clear()
	if err != nil || removed != 0 {
		t.Fatalf("second Clear = %d, %v", removed, err)
	}
}

func TestExportJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportJSON(&buf, []string{"5.5.5.5", "4.4.4.4", "5.5.5.5"}); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var entries []map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["ip"] != "4.4.4.4" || entries[0]["type"] != "malicious" || entries[0]["confidence"] != "high" {
		t.Fatalf("unexpected entry: %v", entries[0])
	}

	buf.Reset()
	if err := ExportJSON(&buf, nil); err != nil {
		t.Fatalf("ExportJSON(nil): %v", err)
	}
	if bytes.TrimSpace(buf.Bytes())[0] != '[' {
		t.Fatalf("empty export must be an array, got %q", buf.String())
	}
}
