package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ipthreat/internal/domain"

	"gorm.io/gorm"
)

const (
	upsertInsertBatchSize = 500
	ipLookupChunkSize     = 500
)

// Backend is the storage capability shared by the primary and secondary
// stores and by the Selector that fronts them.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Close() error

	UpsertRecords(ctx context.Context, records []domain.ThreatRecord) (int64, error)
	ActiveIPs(ctx context.Context) ([]string, error)
	ActiveRecords(ctx context.Context) ([]domain.ThreatRecord, error)
	ActiveRecord(ctx context.Context, ip string) (*domain.ThreatRecord, error)
	DetectionsForIP(ctx context.Context, ip string) ([]domain.DetectionLog, error)
	RecordSearch(ctx context.Context, entry domain.SearchHistory) error

	CountActive(ctx context.Context) (int64, error)
	DeactivateAll(ctx context.Context, at time.Time) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	DeactivateCreatedBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
	DeleteDetectionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SetExpiration(ctx context.Context, ip string, expiresAt, at time.Time) (int64, error)

	ExpirationSummary(ctx context.Context, now, horizon time.Time) (ExpirationSummary, error)
	RecordsCreatedBetween(ctx context.Context, start, end time.Time) ([]RecordDigest, error)
	CountryCounts(ctx context.Context, limit int) ([]GroupCount, error)
	SourceCounts(ctx context.Context) ([]GroupCount, error)
}

type ExpirationSummary struct {
	TotalActive  int64
	Expired      int64
	ExpiringSoon int64
	NoExpiry     int64
}

// RecordDigest is the projection the statistics aggregator works from.
type RecordDigest struct {
	Source    string
	Country   string
	IsActive  bool
	CreatedAt time.Time
}

type GroupCount struct {
	Label string
	Total int64
}

// GormBackend implements Backend over a single gorm connection.
type GormBackend struct {
	name       string
	db         *gorm.DB
	dialect    Dialect
	migrations []any

	// writeMu is the single-writer lock for file-backed stores.
	writeMu sync.Mutex

	schemaMu sync.Mutex
	migrated bool
}

var _ Backend = (*GormBackend)(nil)

func newGormBackend(name string, db *gorm.DB, dialect Dialect, migrations []any) *GormBackend {
	return &GormBackend{
		name:       name,
		db:         db,
		dialect:    dialect,
		migrations: migrations,
	}
}

func (b *GormBackend) Name() string { return b.name }

// DB exposes the underlying connection for tests and maintenance tooling.
func (b *GormBackend) DB() *gorm.DB { return b.db }

func (b *GormBackend) Dialect() Dialect { return b.dialect }

func (b *GormBackend) markMigrated() {
	b.schemaMu.Lock()
	b.migrated = true
	b.schemaMu.Unlock()
}

func (b *GormBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureSchema creates the tables on first use. It is idempotent and retried
// on the next call when it fails.
func (b *GormBackend) EnsureSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()

	if b.migrated {
		return nil
	}

	db := b.conn(ctx)
	if len(b.migrations) > 0 {
		if err := db.AutoMigrate(b.migrations...); err != nil {
			return fmt.Errorf("%s: auto migrate: %w", b.name, err)
		}
	}
	for _, stmt := range b.dialect.SchemaStatements() {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%s: schema: %w", b.name, err)
		}
	}

	b.migrated = true
	return nil
}

func (b *GormBackend) conn(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// ready returns a context-bound connection once the schema exists.
func (b *GormBackend) ready(ctx context.Context) (*gorm.DB, error) {
	if err := b.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return b.conn(ctx), nil
}

func (b *GormBackend) write(fn func() error) error {
	if b.dialect.SerializesWrites() {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
	}
	return fn()
}

// UpsertRecords inserts or overwrites the canonical rows and appends one
// detection log row per record, all in one transaction.
func (b *GormBackend) UpsertRecords(ctx context.Context, records []domain.ThreatRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	db, err := b.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = b.write(func() error {
		return db.Transaction(func(tx *gorm.DB) error {
			batch := make([]domain.ThreatRecord, len(records))
			copy(batch, records)

			result := tx.Clauses(b.dialect.UpsertClause()).CreateInBatches(&batch, upsertInsertBatchSize)
			if result.Error != nil {
				return fmt.Errorf("upsert threat records: %w", result.Error)
			}

			ids, err := recordIDs(tx, batch)
			if err != nil {
				return err
			}

			logs := make([]domain.DetectionLog, 0, len(batch))
			for _, record := range batch {
				entry := domain.NewDetectionLog(record)
				entry.ThreatRecordID = ids[record.IP]
				logs = append(logs, entry)
			}
			if err := tx.CreateInBatches(&logs, upsertInsertBatchSize).Error; err != nil {
				return fmt.Errorf("append detection logs: %w", err)
			}

			affected = int64(len(batch))
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func recordIDs(tx *gorm.DB, records []domain.ThreatRecord) (map[string]uint64, error) {
	ids := make(map[string]uint64, len(records))
	ips := make([]string, 0, len(records))
	for _, record := range records {
		ips = append(ips, record.IP)
	}

	for start := 0; start < len(ips); start += ipLookupChunkSize {
		end := start + ipLookupChunkSize
		if end > len(ips) {
			end = len(ips)
		}

		var rows []struct {
			ID uint64
			IP string
		}
		if err := tx.Model(&domain.ThreatRecord{}).
			Select("id, ip").
			Where("ip IN ?", ips[start:end]).
			Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("resolve record ids: %w", err)
		}
		for _, row := range rows {
			ids[domain.StripHostSuffix(row.IP)] = row.ID
		}
	}
	return ids, nil
}

func (b *GormBackend) ActiveIPs(ctx context.Context) ([]string, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	if err := db.Model(&domain.ThreatRecord{}).
		Where("is_active = ?", true).
		Order("ip ASC").
		Pluck("ip", &ips).Error; err != nil {
		return nil, err
	}
	for i := range ips {
		ips[i] = domain.StripHostSuffix(ips[i])
	}
	return ips, nil
}

func (b *GormBackend) ActiveRecords(ctx context.Context) ([]domain.ThreatRecord, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var records []domain.ThreatRecord
	if err := db.Where("is_active = ?", true).Order("detection_date DESC, ip ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	for i := range records {
		records[i].IP = domain.StripHostSuffix(records[i].IP)
	}
	return records, nil
}

// ActiveRecord returns domain.ErrNotFound when the IP is unknown or inactive.
func (b *GormBackend) ActiveRecord(ctx context.Context, ip string) (*domain.ThreatRecord, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var record domain.ThreatRecord
	err = db.Where("ip = ? AND is_active = ?", ip, true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record.IP = domain.StripHostSuffix(record.IP)
	return &record, nil
}

// DetectionsForIP returns every sighting of ip, most recent first.
func (b *GormBackend) DetectionsForIP(ctx context.Context, ip string) ([]domain.DetectionLog, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var logs []domain.DetectionLog
	if err := db.Where("ip = ?", ip).Order("detection_date DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (b *GormBackend) RecordSearch(ctx context.Context, entry domain.SearchHistory) error {
	db, err := b.ready(ctx)
	if err != nil {
		return err
	}
	return b.write(func() error {
		return db.Create(&entry).Error
	})
}

func (b *GormBackend) CountActive(ctx context.Context) (int64, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.Model(&domain.ThreatRecord{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (b *GormBackend) DeactivateAll(ctx context.Context, at time.Time) (int64, error) {
	return b.deactivate(ctx, at, func(db *gorm.DB) *gorm.DB {
		return db
	})
}

// DeactivateExpired is a single row-scoped UPDATE, safe to repeat.
func (b *GormBackend) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	return b.deactivate(ctx, now, func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC())
	})
}

func (b *GormBackend) DeactivateCreatedBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	return b.deactivate(ctx, at, func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at < ?", cutoff.UTC())
	})
}

func (b *GormBackend) deactivate(ctx context.Context, at time.Time, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = b.write(func() error {
		result := scope(db.Model(&domain.ThreatRecord{}).Where("is_active = ?", true)).
			Updates(domain.StateUpdate(domain.StateInactive, at))
		affected = result.RowsAffected
		return result.Error
	})
	return affected, err
}

func (b *GormBackend) DeleteDetectionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = b.write(func() error {
		result := db.Where("created_at < ?", cutoff.UTC()).Delete(&domain.DetectionLog{})
		affected = result.RowsAffected
		return result.Error
	})
	return affected, err
}

// SetExpiration only touches an active row; zero affected rows means not found.
func (b *GormBackend) SetExpiration(ctx context.Context, ip string, expiresAt, at time.Time) (int64, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = b.write(func() error {
		result := db.Model(&domain.ThreatRecord{}).
			Where("ip = ? AND is_active = ?", ip, true).
			Updates(map[string]any{
				"expires_at": expiresAt.UTC(),
				"updated_at": at.UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	return affected, err
}

func (b *GormBackend) ExpirationSummary(ctx context.Context, now, horizon time.Time) (ExpirationSummary, error) {
	var summary ExpirationSummary
	db, err := b.ready(ctx)
	if err != nil {
		return summary, err
	}

	active := func() *gorm.DB {
		return db.Model(&domain.ThreatRecord{}).Where("is_active = ?", true)
	}

	if err := active().Count(&summary.TotalActive).Error; err != nil {
		return summary, err
	}
	if err := active().Where("expires_at IS NULL").Count(&summary.NoExpiry).Error; err != nil {
		return summary, err
	}
	if err := active().Where("expires_at IS NOT NULL AND expires_at >= ? AND expires_at < ?", now.UTC(), horizon.UTC()).
		Count(&summary.ExpiringSoon).Error; err != nil {
		return summary, err
	}
	if err := db.Model(&domain.ThreatRecord{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at < ?", false, now.UTC()).
		Count(&summary.Expired).Error; err != nil {
		return summary, err
	}
	return summary, nil
}

func (b *GormBackend) RecordsCreatedBetween(ctx context.Context, start, end time.Time) ([]RecordDigest, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var digests []RecordDigest
	if err := db.Model(&domain.ThreatRecord{}).
		Select("source, country, is_active, created_at").
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at ASC").
		Scan(&digests).Error; err != nil {
		return nil, err
	}
	return digests, nil
}

func (b *GormBackend) CountryCounts(ctx context.Context, limit int) ([]GroupCount, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.ThreatRecord{}).
		Select("country AS label, COUNT(*) AS total").
		Where("is_active = ?", true).
		Group("country").
		Order("total DESC, label ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var counts []GroupCount
	if err := query.Scan(&counts).Error; err != nil {
		return nil, err
	}
	return counts, nil
}

func (b *GormBackend) SourceCounts(ctx context.Context) ([]GroupCount, error) {
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var counts []GroupCount
	if err := db.Model(&domain.ThreatRecord{}).
		Select("source AS label, COUNT(*) AS total").
		Where("is_active = ?", true).
		Group("source").
		Order("total DESC, label ASC").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	return counts, nil
}
