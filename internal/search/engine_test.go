package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/database/databasetest"
	"ipthreat/internal/domain"
	"ipthreat/internal/geolite"
	"ipthreat/internal/mirror"
)

func seed(t *testing.T, backend database.Backend, records ...domain.ThreatRecord) {
	t.Helper()
	if _, err := backend.UpsertRecords(context.Background(), records); err != nil {
		t.Fatalf("seed records: %v", err)
	}
}

func record(ip, source, country string, detected time.Time) domain.ThreatRecord {
	return domain.ThreatRecord{IP: ip, Source: source, Country: country, DetectionDate: detected, IsActive: true, ConfidenceScore: 0.8}
}

func TestSearchSingleAggregatesDetections(t *testing.T) {
	backend := databasetest.NewBackend(t, "search")
	jan := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	seed(t, backend, record("1.2.3.4", "REGTECH", "US", jan))
	seed(t, backend, record("1.2.3.4", "SECUDIUM", "KR", mar))

	m := mirror.NewWriter(t.TempDir())
	if err := m.WriteSource("BLOCKLIST", []string{"1.2.3.4"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}

	engine := NewEngine(backend, cache.NewMemory(100), m)
	result := engine.SearchSingle(context.Background(), "1.2.3.4", false)
	engine.Wait()

	if !result.Found || result.Error != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	want := []string{"BLOCKLIST", "REGTECH", "SECUDIUM"}
	if len(result.Sources) != len(want) {
		t.Fatalf("sources = %v, want %v", result.Sources, want)
	}
	for i := range want {
		if result.Sources[i] != want[i] {
			t.Fatalf("sources = %v, want %v", result.Sources, want)
		}
	}
	if result.DetectionCount != 2 {
		t.Fatalf("detection count = %d, want 2", result.DetectionCount)
	}
	if result.Country != "KR" {
		t.Fatalf("country = %q, want most recent KR", result.Country)
	}
	if !result.FirstDetection.Equal(jan) || !result.LastDetection.Equal(mar) {
		t.Fatalf("detection range = %v..%v", result.FirstDetection, result.LastDetection)
	}
	if result.Geo != nil {
		t.Fatalf("geo must be empty when not requested")
	}
}

func TestSearchSingleMirrorOnlyMatch(t *testing.T) {
	backend := databasetest.NewBackend(t, "mirror-only")
	m := mirror.NewWriter(t.TempDir())
	if err := m.WriteSource("FEED", []string{"9.9.9.9"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}

	engine := NewEngine(backend, nil, m)
	result := engine.SearchSingle(context.Background(), "9.9.9.9", false)
	engine.Wait()

	if !result.Found || result.DetectionCount != 0 || len(result.Sources) != 1 || result.Sources[0] != "FEED" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.FirstDetection != nil {
		t.Fatalf("mirror-only match has no detection range")
	}
}

func TestSearchSingleInvalidSkipsStorage(t *testing.T) {
	failing := &databasetest.FailingBackend{}
	c := cache.NewMemory(10)
	engine := NewEngine(failing, c, nil)

	result := engine.SearchSingle(context.Background(), "not-an-ip", true)
	if result.Found || result.Error != "invalid format" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if failing.Calls.Load() != 0 {
		t.Fatalf("invalid input reached the backend")
	}
	if c.Len() != 0 {
		t.Fatalf("invalid input reached the cache")
	}
}

func TestSearchSingleServesFromCache(t *testing.T) {
	backend := databasetest.NewBackend(t, "cached")
	seed(t, backend, record("4.4.4.4", "A", "", time.Now()))

	c := cache.NewMemory(100)
	engine := NewEngine(backend, c, nil)
	ctx := context.Background()

	if first := engine.SearchSingle(ctx, "4.4.4.4", false); !first.Found {
		t.Fatalf("expected hit, got %+v", first)
	}
	engine.Wait()

	backend.DB().Where("ip = ?", "4.4.4.4").Delete(&domain.DetectionLog{})

	if second := engine.SearchSingle(ctx, "4.4.4.4", false); !second.Found {
		t.Fatalf("expected cached hit, got %+v", second)
	}
	engine.Wait()

	var audits int64
	backend.DB().Model(&domain.SearchHistory{}).Count(&audits)
	if audits != 1 {
		t.Fatalf("search history rows = %d, want 1 (cache hits are not audited)", audits)
	}
}

func TestSearchSingleBackendFailureWithoutMirrorHit(t *testing.T) {
	engine := NewEngine(&databasetest.FailingBackend{}, cache.NewMemory(10), nil)
	result := engine.SearchSingle(context.Background(), "1.1.1.1", false)
	if result.Found || result.Error == "" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestSearchSingleFallsBackToMirrorWhenBackendsDown(t *testing.T) {
	m := mirror.NewWriter(t.TempDir())
	if err := m.WriteSource("REGTECH", []string{"1.2.3.4"}); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	c := cache.NewMemory(10)
	engine := NewEngine(&databasetest.FailingBackend{}, c, m)

	result := engine.SearchSingle(context.Background(), "1.2.3.4", false)
	engine.Wait()
	if !result.Found {
		t.Fatalf("mirror hit not reported: %+v", result)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "REGTECH" {
		t.Fatalf("sources = %v, want [REGTECH]", result.Sources)
	}
	if result.Error == "" {
		t.Fatalf("backend error should be carried in the result")
	}
	if c.Len() != 0 {
		t.Fatalf("mirror-only result was cached")
	}
}

func TestSearchSingleGeo(t *testing.T) {
	backend := databasetest.NewBackend(t, "geo")
	seed(t, backend, record("8.8.8.8", "A", "", time.Now()), record("7.7.7.7", "A", "DE", time.Now()))

	engine := NewEngine(backend, cache.NewMemory(10), nil, WithLocator(geolite.Static{"8.8.8.8": "US"}))
	ctx := context.Background()

	result := engine.SearchSingle(ctx, "8.8.8.8", true)
	if result.Geo == nil || result.Geo.CountryCode != "US" {
		t.Fatalf("geo = %+v, want US", result.Geo)
	}
	fallback := engine.SearchSingle(ctx, "7.7.7.7", true)
	if fallback.Geo == nil || fallback.Geo.CountryCode != "DE" {
		t.Fatalf("geo = %+v, want record country DE", fallback.Geo)
	}
	engine.Wait()
}

func TestSearchBulkIsolatesFailures(t *testing.T) {
	backend := databasetest.NewBackend(t, "bulk")
	seed(t, backend, record("1.1.1.1", "A", "", time.Now()))

	engine := NewEngine(backend, cache.NewMemory(100), nil)
	report := engine.SearchBulk(context.Background(), []string{"1.1.1.1", "not-an-ip", "2.2.2.2"}, 2, false)
	engine.Wait()

	if report.TotalSearched != 3 || len(report.Results) != 3 {
		t.Fatalf("unexpected report size: %+v", report)
	}
	if report.FoundCount != 1 || report.NotFoundCount != 2 {
		t.Fatalf("found=%d not_found=%d", report.FoundCount, report.NotFoundCount)
	}

	byIP := make(map[string]bool)
	for _, result := range report.Results {
		byIP[result.IP] = result.Found
		if result.IP == "not-an-ip" && result.Error == "" {
			t.Fatalf("invalid IP must carry an error")
		}
		if result.IP == "1.1.1.1" && result.Error != "" {
			t.Fatalf("valid IP affected by failure: %+v", result)
		}
	}
	if !byIP["1.1.1.1"] {
		t.Fatalf("1.1.1.1 not found: %+v", report.Results)
	}
}

func TestSearchBulkEmpty(t *testing.T) {
	engine := NewEngine(&databasetest.FailingBackend{}, nil, nil)
	report := engine.SearchBulk(context.Background(), nil, 0, false)
	if report.TotalSearched != 0 || len(report.Results) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestWorkerCount(t *testing.T) {
	testCases := []struct {
		requested, items, want int
	}{
		{0, 100, DefaultConcurrency},
		{500, 100, MaxConcurrency},
		{20, 3, 3},
		{5, 0, 5},
		{-1, 1, 1},
	}
	for _, tc := range testCases {
		if got := workerCount(tc.requested, tc.items); got != tc.want {
			t.Errorf("workerCount(%d, %d) = %d, want %d", tc.requested, tc.items, got, tc.want)
		}
	}
}

type inFlightBackend struct {
	database.Backend

	mu      sync.Mutex
	current int
	peak    int
}

func (b *inFlightBackend) DetectionsForIP(context.Context, string) ([]domain.DetectionLog, error) {
	b.mu.Lock()
	b.current++
	if b.current > b.peak {
		b.peak = b.current
	}
	b.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	b.current--
	b.mu.Unlock()
	return nil, nil
}

func (b *inFlightBackend) RecordSearch(context.Context, domain.SearchHistory) error { return nil }

func (b *inFlightBackend) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func TestSearchBulkBoundsConcurrentLookups(t *testing.T) {
	tests := map[string]struct {
		ips   int
		limit int
		want  int
	}{
		"limit below batch":   {ips: 20, limit: 3, want: 3},
		"batch below limit":   {ips: 2, limit: 10, want: 2},
		"limit above the cap": {ips: 60, limit: 500, want: MaxConcurrency},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := &inFlightBackend{}
			engine := NewEngine(backend, nil, nil)

			ips := make([]string, tc.ips)
			for i := range ips {
				ips[i] = fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
			}

			report := engine.SearchBulk(context.Background(), ips, tc.limit, false)
			engine.Wait()

			if len(report.Results) != tc.ips {
				t.Fatalf("results = %d, want %d", len(report.Results), tc.ips)
			}
			if peak := backend.Peak(); peak > tc.want || peak < 1 {
				t.Fatalf("peak in-flight lookups = %d, want at most %d", peak, tc.want)
			}
		})
	}
}
