package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/database"
	"ipthreat/internal/database/databasetest"
	"ipthreat/internal/domain"
)

func newTestManager(t *testing.T, primary, secondary database.Backend) *Manager {
	t.Helper()
	m, err := New(Options{
		Primary:   primary,
		Secondary: secondary,
		DataDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.search.Wait() })
	return m
}

func candidates(ips ...string) []domain.CandidateRecord {
	out := make([]domain.CandidateRecord, 0, len(ips))
	for _, ip := range ips {
		out = append(out, domain.CandidateRecord{IP: ip})
	}
	return out
}

func TestNewRequiresPrimary(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without primary backend")
	}
}

func TestEndToEndExpiration(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), databasetest.NewBackend(t, "secondary"))
	ctx := context.Background()

	outcome := m.BulkImport(ctx, candidates("1.1.1.1", "2.2.2.2", "3.3.3.3", "999.1.1.1"), "REGTECH", 0, false)
	if outcome.ValidCount != 3 || outcome.InvalidCount != 1 || outcome.Processed != 3 {
		t.Fatalf("unexpected import outcome: %+v", outcome)
	}

	before := m.GetActiveIPs(ctx)
	if !before.Success || before.Count != 3 {
		t.Fatalf("unexpected active set: %+v", before)
	}

	result := m.SetExpiration(ctx, "2.2.2.2", time.Now().Add(-time.Second))
	if !result.Success || result.Status != dto.StatusOK {
		t.Fatalf("SetExpiration failed: %+v", result)
	}

	sweep := m.SweepExpired(ctx)
	if !sweep.Success || sweep.ActiveBefore-sweep.ActiveAfter != 1 || sweep.DeactivatedCount != 1 {
		t.Fatalf("unexpected sweep: %+v", sweep)
	}

	after := m.GetActiveIPs(ctx)
	if after.Count != 2 {
		t.Fatalf("active after sweep = %d, want 2", after.Count)
	}
	for _, ip := range after.IPs {
		if ip == "2.2.2.2" {
			t.Fatalf("expired IP still active: %v", after.IPs)
		}
	}

	again := m.SweepExpired(ctx)
	if again.ActiveAfter != sweep.ActiveAfter || again.DeactivatedCount != 0 {
		t.Fatalf("second sweep not idempotent: %+v", again)
	}
}

func TestRoundTripSearch(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()

	m.BulkImport(ctx, []domain.CandidateRecord{{IP: "1.2.3.4", Source: "TEST"}}, "TEST", 0, false)

	result := m.SearchSingle(ctx, "1.2.3.4", false)
	if !result.Found {
		t.Fatalf("imported IP not found: %+v", result)
	}
	found := false
	for _, source := range result.Sources {
		if source == "TEST" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sources %v missing TEST", result.Sources)
	}
}

func TestSearchCacheBustedByReimport(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()

	if miss := m.SearchSingle(ctx, "6.6.6.6", false); miss.Found {
		t.Fatalf("unexpected hit before import: %+v", miss)
	}
	m.BulkImport(ctx, candidates("6.6.6.6"), "LATE", 0, false)
	if hit := m.SearchSingle(ctx, "6.6.6.6", false); !hit.Found {
		t.Fatalf("cached miss survived import: %+v", hit)
	}
}

func TestActiveIPsReflectImportDespiteCache(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()

	m.BulkImport(ctx, candidates("10.0.0.1"), "A", 0, false)
	if got := m.GetActiveIPs(ctx); got.Count != 1 {
		t.Fatalf("active = %+v", got)
	}
	m.BulkImport(ctx, candidates("10.0.0.2"), "A", 0, false)
	if got := m.GetActiveIPs(ctx); got.Count != 2 {
		t.Fatalf("active after second import = %+v", got)
	}
}

func TestBackendFallback(t *testing.T) {
	secondary := databasetest.NewBackend(t, "secondary")
	if _, err := secondary.UpsertRecords(context.Background(), []domain.ThreatRecord{{IP: "7.7.7.7", Source: "S", IsActive: true}}); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	m := newTestManager(t, &databasetest.FailingBackend{BackendName: "primary"}, secondary)
	got := m.GetActiveIPs(context.Background())
	if !got.Success || got.Count != 1 || got.IPs[0] != "7.7.7.7" {
		t.Fatalf("fallback result = %+v", got)
	}
}

func TestBothBackendsFailing(t *testing.T) {
	m := newTestManager(t, &databasetest.FailingBackend{BackendName: "primary"}, &databasetest.FailingBackend{BackendName: "secondary"})
	ctx := context.Background()

	got := m.GetActiveIPs(ctx)
	if got.Success || got.Error == "" {
		t.Fatalf("expected failure payload, got %+v", got)
	}

	outcome := m.BulkImport(ctx, candidates("1.1.1.1"), "A", 0, false)
	if outcome.Success || outcome.Error == "" {
		t.Fatalf("expected failed import, got %+v", outcome)
	}

	result := m.SetExpiration(ctx, "1.1.1.1", time.Now())
	if result.Success || result.Status != dto.StatusError {
		t.Fatalf("expected system error, got %+v", result)
	}

	health := m.Health(ctx)
	if health.Success || health.Primary != "down" || health.Secondary != "down" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestBulkSearchIsolation(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()
	m.BulkImport(ctx, candidates("1.1.1.1"), "A", 0, false)

	report := m.SearchBulk(ctx, []string{"1.1.1.1", "not-an-ip"}, 0, false)
	if len(report.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results))
	}
	for _, result := range report.Results {
		switch result.IP {
		case "1.1.1.1":
			if !result.Found || result.Error != "" {
				t.Fatalf("valid IP affected: %+v", result)
			}
		case "not-an-ip":
			if result.Found || result.Error == "" {
				t.Fatalf("invalid IP result: %+v", result)
			}
		default:
			t.Fatalf("unexpected result %+v", result)
		}
	}
}

func TestExpirationResults(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()
	m.BulkImport(ctx, candidates("10.0.0.1"), "A", 0, false)

	if res := m.SetExpiration(ctx, "10.9.9.9", time.Now()); res.Success || res.Status != dto.StatusNotFound {
		t.Fatalf("expected not_found, got %+v", res)
	}
	if res := m.ExtendExpiration(ctx, " 10.0.0.1/32", 5); !res.Success || res.ExpiresAt == "" || res.IP != "10.0.0.1" {
		t.Fatalf("extend failed or returned a raw IP: %+v", res)
	}
	if res := m.SetExpiration(ctx, "::ffff:10.0.0.1", time.Now().Add(time.Hour)); res.IP != "10.0.0.1" {
		t.Fatalf("set expiration returned %q, want normalized IP", res.IP)
	}
	if res := m.ExtendExpiration(ctx, "bad", 5); res.Status != dto.StatusInvalid {
		t.Fatalf("expected invalid, got %+v", res)
	}

	bulk := m.BulkSetExpiration(ctx, []dto.ExpirationItem{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}}, 0)
	if bulk.Updated != 1 || bulk.ErrorCount != 1 {
		t.Fatalf("unexpected bulk outcome: %+v", bulk)
	}

	stats := m.ExpirationStats(ctx)
	if !stats.Success || stats.TotalActive != 1 || stats.NoExpiry != 0 {
		t.Fatalf("unexpected expiration stats: %+v", stats)
	}
}

func TestStatisticsAndExport(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()
	m.BulkImport(ctx, []domain.CandidateRecord{
		{IP: "10.0.0.1", Country: "US"},
		{IP: "10.0.0.2", Country: "US"},
		{IP: "10.0.0.3"},
	}, "FEED", 0, false)

	period := m.PeriodStats(ctx, time.Time{}, time.Time{})
	if !period.Success || period.NewCount != 3 || period.WindowDays != 7 {
		t.Fatalf("unexpected period stats: %+v", period)
	}
	countries := m.CountryStats(ctx, 5)
	if !countries.Success || countries.Countries[0].Country != "US" {
		t.Fatalf("unexpected country stats: %+v", countries)
	}
	sources := m.SourceStats(ctx)
	if !sources.Success || sources.Total != 3 {
		t.Fatalf("unexpected source stats: %+v", sources)
	}

	var buf bytes.Buffer
	if err := m.ExportJSON(ctx, &buf); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var entries []map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(entries) != 3 || entries[0]["type"] != "malicious" {
		t.Fatalf("unexpected export: %s", buf.String())
	}
}

func TestClearAllAndCleanup(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()
	m.BulkImport(ctx, candidates("10.0.0.1", "10.0.0.2"), "A", 0, false)

	cleared := m.ClearAll(ctx)
	if !cleared.Success || cleared.RecordsDeactivated != 2 {
		t.Fatalf("unexpected clear outcome: %+v", cleared)
	}
	if got := m.GetActiveIPs(ctx); got.Count != 0 {
		t.Fatalf("active after clear = %+v", got)
	}

	cleanup := m.CleanupOldData(ctx, -1)
	if cleanup.Success || !strings.Contains(cleanup.Error, "days") {
		t.Fatalf("expected validation failure, got %+v", cleanup)
	}
}

func TestHealth(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	health := m.Health(context.Background())
	if !health.Success || health.Primary != "up" || health.Secondary != "absent" || health.Backend != "primary" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestStartRunsStartupSweep(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()
	m.BulkImport(ctx, candidates("10.0.0.1", "10.0.0.2"), "A", 0, false)
	if res := m.SetExpiration(ctx, "10.0.0.1", time.Now().Add(-time.Minute)); !res.Success {
		t.Fatalf("SetExpiration failed: %+v", res)
	}

	m.Start(ctx)
	m.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := m.selector.CountActive(ctx)
		if err != nil {
			t.Fatalf("CountActive: %v", err)
		}
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep did not run, active = %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSweepRunsAlongsideForegroundOperations(t *testing.T) {
	m := newTestManager(t, databasetest.NewBackend(t, "primary"), nil)
	ctx := context.Background()

	const batches, perBatch = 8, 25
	var wg sync.WaitGroup
	errs := make(chan string, batches*3)

	for b := 0; b < batches; b++ {
		ips := make([]string, perBatch)
		for i := range ips {
			ips[i] = fmt.Sprintf("10.%d.0.%d", b, i+1)
		}

		wg.Add(3)
		go func(ips []string) {
			defer wg.Done()
			if outcome := m.BulkImport(ctx, candidates(ips...), "CONCURRENT", 10, false); !outcome.Success || len(outcome.Errors) > 0 {
				errs <- fmt.Sprintf("import: %+v", outcome)
			}
		}(ips)
		go func(ips []string) {
			defer wg.Done()
			report := m.SearchBulk(ctx, ips, 5, false)
			for _, result := range report.Results {
				if result.Error != "" {
					errs <- "search: " + result.Error
					return
				}
			}
		}(ips)
		go func() {
			defer wg.Done()
			if outcome := m.SweepExpired(ctx); !outcome.Success {
				errs <- "sweep: " + outcome.Error
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatalf("concurrent operation failed: %s", msg)
	}

	final := m.SweepExpired(ctx)
	if !final.Success || final.ActiveAfter != batches*perBatch {
		t.Fatalf("final sweep = %+v, want %d active", final, batches*perBatch)
	}
	if got := m.GetActiveIPs(ctx); got.Count != batches*perBatch {
		t.Fatalf("active ips = %d, want %d", got.Count, batches*perBatch)
	}
}

func TestAutoStartLaunchesSweepLoop(t *testing.T) {
	backend := databasetest.NewBackend(t, "primary")
	ctx := context.Background()
	if _, err := backend.UpsertRecords(ctx, []domain.ThreatRecord{{IP: "10.1.1.1", Source: "A", IsActive: true, ExpiresAt: ptrTime(time.Now().Add(-time.Hour))}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m, err := New(Options{Primary: backend, DataDir: t.TempDir(), AutoStart: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := m.selector.CountActive(ctx)
		if err != nil {
			t.Fatalf("CountActive: %v", err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not run after New with AutoStart")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func ptrTime(at time.Time) *time.Time { return &at }
