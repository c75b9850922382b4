// Package ingest validates collector output and writes it to the record
// store, the flat-file mirrors and the cache.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/domain"
	"ipthreat/internal/metrics"
	"ipthreat/internal/mirror"

	"github.com/charmbracelet/log"
	"gorm.io/datatypes"
)

const (
	DefaultBatchSize = 1000
	defaultSource    = "UNKNOWN"
	cacheDeleteChunk = 500
)

// Store is the ingestion side of the engine.
type Store struct {
	backend   database.Backend
	cache     cache.Cache
	mirror    *mirror.Writer
	now       func() time.Time
	batchSize int
	recordTTL time.Duration
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBatchSize sets the batch size used when a call passes zero.
func WithBatchSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithRecordTTL gives every imported record an expiry ttl after import.
// Zero leaves records without expiry.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.recordTTL = ttl
		}
	}
}

func NewStore(backend database.Backend, c cache.Cache, m *mirror.Writer, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		cache:     c,
		mirror:    m,
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BulkImport validates entries, upserts them in batches and mirrors the
// persisted set. Batch failures are collected in the outcome; only a backend
// outage aborts the call and is returned as an error.
func (s *Store) BulkImport(ctx context.Context, entries []domain.CandidateRecord, source string, batchSize int, clearExisting bool) (*dto.ImportOutcome, error) {
	started := s.now()
	source = strings.TrimSpace(source)

	outcome := &dto.ImportOutcome{
		Source:         source,
		TotalSubmitted: len(entries),
		Errors:         []string{},
		InvalidEntries: []dto.InvalidEntry{},
	}
	defer func() {
		outcome.DurationSeconds = s.now().Sub(started).Seconds()
	}()

	records, invalid := s.prepare(entries, source, started)
	outcome.InvalidEntries = invalid
	outcome.InvalidCount = len(invalid)
	outcome.ValidCount = len(entries) - len(invalid)
	if len(invalid) > 0 {
		metrics.RejectedRecords.WithLabelValues(labelOrDefault(source)).Add(float64(len(invalid)))
	}

	if clearExisting {
		cleared, err := s.backend.DeactivateAll(ctx, started)
		if err != nil {
			outcome.Error = err.Error()
			return outcome, &domain.DataProcessingError{Op: "clear existing records", Err: err}
		}
		log.Info("Deactivated existing records before import", "count", cleared, "source", source)
	}

	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	persisted := make([]domain.ThreatRecord, 0, len(records))
	for start, batchNo := 0, 1; start < len(records); start, batchNo = start+batchSize, batchNo+1 {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		written, err := s.backend.UpsertRecords(ctx, batch)
		if err != nil {
			metrics.ImportBatchFailures.Inc()
			if fatal(err) {
				s.bust(ctx, persisted)
				outcome.Error = err.Error()
				return outcome, err
			}
			log.Warn("Import batch failed", "batch", batchNo, "size", len(batch), "source", source, "error", err)
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("batch %d: %v", batchNo, err))
			continue
		}

		outcome.Processed += int(written)
		persisted = append(persisted, batch...)
		for src, n := range countBySource(batch) {
			metrics.ImportedRecords.WithLabelValues(src).Add(float64(n))
		}
	}

	s.bust(ctx, persisted)
	if err := s.writeMirrors(persisted); err != nil {
		log.Warn("Mirror update failed", "source", source, "error", err)
		outcome.Errors = append(outcome.Errors, "mirror: "+err.Error())
	}

	outcome.Success = true
	log.Info("Import finished",
		"source", source,
		"submitted", outcome.TotalSubmitted,
		"processed", outcome.Processed,
		"invalid", outcome.InvalidCount,
		"failed_batches", len(outcome.Errors))
	return outcome, nil
}

// prepare normalises entries into records. Later occurrences of an IP replace
// earlier ones in place.
func (s *Store) prepare(entries []domain.CandidateRecord, source string, now time.Time) ([]domain.ThreatRecord, []dto.InvalidEntry) {
	records := make([]domain.ThreatRecord, 0, len(entries))
	position := make(map[string]int, len(entries))
	invalid := make([]dto.InvalidEntry, 0)

	var expiresAt *time.Time
	if s.recordTTL > 0 {
		at := now.Add(s.recordTTL).UTC()
		expiresAt = &at
	}

	for i, entry := range entries {
		ip, err := domain.NormalizeIP(entry.IP)
		if err != nil {
			invalid = append(invalid, dto.InvalidEntry{Index: i, IP: entry.IP, Reason: reason(err)})
			continue
		}
		detected, err := domain.ParseDetectionDate(entry.DetectionDate, now)
		if err != nil {
			invalid = append(invalid, dto.InvalidEntry{Index: i, IP: entry.IP, Reason: reason(err)})
			continue
		}

		recordSource := strings.TrimSpace(entry.Source)
		if recordSource == "" {
			recordSource = labelOrDefault(source)
		}

		record := domain.ThreatRecord{
			IP:              ip,
			Source:          recordSource,
			DetectionDate:   detected,
			Country:         strings.ToUpper(strings.TrimSpace(entry.Country)),
			AttackType:      strings.TrimSpace(entry.AttackType),
			ConfidenceScore: domain.ClampConfidence(entry.ConfidenceScore),
			IsActive:        true,
			ExpiresAt:       expiresAt,
		}
		if len(entry.ExtraData) > 0 {
			record.ExtraData = datatypes.JSONMap(entry.ExtraData)
		}

		if idx, seen := position[ip]; seen {
			records[idx] = record
			continue
		}
		position[ip] = len(records)
		records = append(records, record)
	}
	return records, invalid
}

func (s *Store) writeMirrors(records []domain.ThreatRecord) error {
	if s.mirror == nil || len(records) == 0 {
		return nil
	}

	bySource := make(map[string][]string)
	byMonth := make(map[string][]string)
	for _, record := range records {
		bySource[record.Source] = append(bySource[record.Source], record.IP)
		month := record.DetectionDate.UTC().Format(mirror.MonthLayout)
		byMonth[month] = append(byMonth[month], record.IP)
	}

	var errs []error
	for _, src := range sortedKeys(bySource) {
		if err := s.mirror.WriteSource(src, bySource[src]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, month := range sortedKeys(byMonth) {
		if err := s.mirror.WriteMonthly(month, byMonth[month]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bust drops the derived views and the point-lookup entries of the written IPs.
func (s *Store) bust(ctx context.Context, records []domain.ThreatRecord) int {
	if s.cache == nil {
		return 0
	}
	removed := cache.Invalidate(ctx, s.cache, cache.NamespaceActive, cache.NamespaceStats)

	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, cache.SearchKey(record.IP))
	}
	for start := 0; start < len(keys); start += cacheDeleteChunk {
		end := start + cacheDeleteChunk
		if end > len(keys) {
			end = len(keys)
		}
		n, err := cache.Evict(ctx, s.cache, keys[start:end]...)
		if err != nil {
			log.Warn("Search cache invalidation failed", "error", err)
			continue
		}
		removed += n
	}
	return removed
}

// ClearAll deactivates every active record, removes the mirrors and drops all
// cache namespaces. Rows are kept.
func (s *Store) ClearAll(ctx context.Context) (*dto.ClearOutcome, error) {
	outcome := &dto.ClearOutcome{}

	deactivated, err := s.backend.DeactivateAll(ctx, s.now())
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}
	outcome.RecordsDeactivated = deactivated

	if s.mirror != nil {
		removed, err := s.mirror.Clear()
		outcome.FilesRemoved = removed
		if err != nil {
			log.Warn("Failed to remove some mirror files", "error", err)
		}
	}

	outcome.CacheKeysRemoved = cache.Invalidate(ctx, s.cache, cache.NamespaceSearch, cache.NamespaceActive, cache.NamespaceStats)
	outcome.Success = true

	log.Info("Cleared threat records",
		"records", outcome.RecordsDeactivated,
		"files", outcome.FilesRemoved,
		"cache_keys", outcome.CacheKeysRemoved)
	return outcome, nil
}

// CleanupOldData deactivates records created more than days ago and drops
// detection log rows older than the same cutoff.
func (s *Store) CleanupOldData(ctx context.Context, days int) (*dto.CleanupOutcome, error) {
	outcome := &dto.CleanupOutcome{Days: days}
	if days <= 0 {
		err := &domain.ValidationError{Field: "days", Value: fmt.Sprint(days), Reason: "must be positive"}
		outcome.Error = err.Error()
		return outcome, err
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).UTC()
	outcome.Cutoff = cutoff.Format(time.RFC3339)

	deactivated, err := s.backend.DeactivateCreatedBefore(ctx, cutoff, now)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}
	outcome.RecordsDeactivated = deactivated

	removed, err := s.backend.DeleteDetectionsBefore(ctx, cutoff)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}
	outcome.DetectionsRemoved = removed

	if deactivated > 0 || removed > 0 {
		cache.Invalidate(ctx, s.cache, cache.NamespaceSearch, cache.NamespaceActive, cache.NamespaceStats)
	}

	outcome.Success = true
	log.Info("Retention cleanup finished", "days", days, "deactivated", deactivated, "detections_removed", removed)
	return outcome, nil
}

// ActiveIPs returns the active IP list through the cache.
func (s *Store) ActiveIPs(ctx context.Context) ([]string, error) {
	return cache.Remember(ctx, s.cache, cache.KeyActiveIPs, cache.ActiveTTL, func(ctx context.Context) ([]string, error) {
		ips, err := s.backend.ActiveIPs(ctx)
		if err != nil {
			return nil, err
		}
		if ips == nil {
			ips = []string{}
		}
		return ips, nil
	})
}

// ActiveRecords returns every active record with its metadata through the cache.
func (s *Store) ActiveRecords(ctx context.Context) ([]dto.ActiveRecord, error) {
	return cache.Remember(ctx, s.cache, cache.KeyActiveRecords, cache.ActiveTTL, func(ctx context.Context) ([]dto.ActiveRecord, error) {
		records, err := s.backend.ActiveRecords(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]dto.ActiveRecord, 0, len(records))
		for _, record := range records {
			item := dto.ActiveRecord{
				IP:              record.IP,
				Source:          record.Source,
				Country:         record.Country,
				AttackType:      record.AttackType,
				ConfidenceScore: record.ConfidenceScore,
				DetectionDate:   record.DetectionDate.UTC().Format(time.RFC3339),
			}
			if record.ExpiresAt != nil {
				item.ExpiresAt = record.ExpiresAt.UTC().Format(time.RFC3339)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

func fatal(err error) bool {
	return errors.Is(err, domain.ErrBackendUnavailable) || database.IsConnectivityError(err)
}

func reason(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

func labelOrDefault(source string) string {
	if source == "" {
		return defaultSource
	}
	return source
}

func countBySource(records []domain.ThreatRecord) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		counts[record.Source]++
	}
	return counts
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
