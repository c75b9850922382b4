// Package databasetest provides throwaway SQLite backends and failure stubs
// for tests of packages built on database.Backend.
package databasetest

import (
	"context"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"ipthreat/internal/database"
	"ipthreat/internal/domain"
)

// NewBackend opens a SQLite backend in a temp dir that is closed with the test.
func NewBackend(t testing.TB, name string) *database.GormBackend {
	t.Helper()

	path := filepath.Join(t.TempDir(), name+".db")
	backend, err := database.Open(
		database.WithName(name),
		database.WithDSN(path),
		database.WithDialect(database.SQLiteDialect{}),
		database.WithPoolConfig(false),
	)
	if err != nil {
		t.Fatalf("open %s backend: %v", name, err)
	}
	if err := backend.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("migrate %s backend: %v", name, err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})
	return backend
}

// NewSelector returns a selector over two fresh SQLite backends.
func NewSelector(t testing.TB) (*database.Selector, *database.GormBackend, *database.GormBackend) {
	t.Helper()
	primary := NewBackend(t, "primary")
	secondary := NewBackend(t, "secondary")
	return database.NewSelector(primary, secondary), primary, secondary
}

// ErrUnreachable is what FailingBackend returns from every call.
var ErrUnreachable = fmt.Errorf("dial tcp 127.0.0.1:5432: connect: connection refused: %w", driver.ErrBadConn)

// FailingBackend simulates a backend that cannot be reached.
type FailingBackend struct {
	BackendName string
	Calls       atomic.Int64
}

var _ database.Backend = (*FailingBackend)(nil)

func (f *FailingBackend) fail() error {
	f.Calls.Add(1)
	return ErrUnreachable
}

func (f *FailingBackend) Name() string {
	if f.BackendName == "" {
		return "failing"
	}
	return f.BackendName
}

func (f *FailingBackend) Ping(context.Context) error         { return f.fail() }
func (f *FailingBackend) EnsureSchema(context.Context) error { return f.fail() }
func (f *FailingBackend) Close() error                       { return nil }

func (f *FailingBackend) UpsertRecords(context.Context, []domain.ThreatRecord) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) ActiveIPs(context.Context) ([]string, error) { return nil, f.fail() }

func (f *FailingBackend) ActiveRecords(context.Context) ([]domain.ThreatRecord, error) {
	return nil, f.fail()
}

func (f *FailingBackend) ActiveRecord(context.Context, string) (*domain.ThreatRecord, error) {
	return nil, f.fail()
}

func (f *FailingBackend) DetectionsForIP(context.Context, string) ([]domain.DetectionLog, error) {
	return nil, f.fail()
}

func (f *FailingBackend) RecordSearch(context.Context, domain.SearchHistory) error { return f.fail() }

func (f *FailingBackend) CountActive(context.Context) (int64, error) { return 0, f.fail() }

func (f *FailingBackend) DeactivateAll(context.Context, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) DeactivateExpired(context.Context, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) DeactivateCreatedBefore(context.Context, time.Time, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) DeleteDetectionsBefore(context.Context, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) SetExpiration(context.Context, string, time.Time, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingBackend) ExpirationSummary(context.Context, time.Time, time.Time) (database.ExpirationSummary, error) {
	return database.ExpirationSummary{}, f.fail()
}

func (f *FailingBackend) RecordsCreatedBetween(context.Context, time.Time, time.Time) ([]database.RecordDigest, error) {
	return nil, f.fail()
}

func (f *FailingBackend) CountryCounts(context.Context, int) ([]database.GroupCount, error) {
	return nil, f.fail()
}

func (f *FailingBackend) SourceCounts(context.Context) ([]database.GroupCount, error) {
	return nil, f.fail()
}
