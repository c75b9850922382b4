package database

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"ipthreat/internal/domain"
	"ipthreat/internal/metrics"

	"github.com/charmbracelet/log"
)

// Selector fronts a primary and an optional secondary backend. Reads fall back
// to the secondary on any primary error; writes fall back only when the primary
// is unreachable, so a rejected batch is reported instead of silently diverging
// the two stores. When neither backend answers, the operation fails with a
// domain.BackendUnavailableError.
type Selector struct {
	primary   Backend
	secondary Backend

	lastServed atomic.Value
}

var _ Backend = (*Selector)(nil)

func NewSelector(primary, secondary Backend) *Selector {
	s := &Selector{primary: primary, secondary: secondary}
	s.lastServed.Store("")
	return s
}

func (s *Selector) Name() string { return "selector" }

func (s *Selector) Primary() Backend { return s.primary }

func (s *Selector) Secondary() Backend { return s.secondary }

// LastServedBy names the backend that answered the most recent operation.
func (s *Selector) LastServedBy() string {
	name, _ := s.lastServed.Load().(string)
	return name
}

type opKind uint8

const (
	opRead opKind = iota
	opWrite
)

func run[T any](ctx context.Context, s *Selector, op string, kind opKind, fn func(Backend) (T, error)) (T, error) {
	var zero T

	if s.primary != nil {
		val, err := fn(s.primary)
		if err == nil {
			s.lastServed.Store(s.primary.Name())
			return val, nil
		}
		if !shouldFallback(ctx, kind, err) {
			return zero, wrapProcessing(op, err)
		}
		return fallback(ctx, s, op, err, fn)
	}

	return fallback(ctx, s, op, errors.New("primary backend not configured"), fn)
}

func fallback[T any](ctx context.Context, s *Selector, op string, primaryErr error, fn func(Backend) (T, error)) (T, error) {
	var zero T

	if s.secondary == nil {
		metrics.BackendUnavailable.WithLabelValues(op).Inc()
		return zero, &domain.BackendUnavailableError{Op: op, Primary: primaryErr}
	}

	log.Warn("Primary backend failed, retrying on secondary", "op", op, "error", primaryErr)
	metrics.BackendFallbacks.WithLabelValues(op).Inc()

	val, err := fn(s.secondary)
	if err == nil {
		s.lastServed.Store(s.secondary.Name())
		return val, nil
	}
	if errors.Is(err, domain.ErrNotFound) || (ctx != nil && ctx.Err() != nil) {
		return zero, err
	}

	log.Error("Secondary backend failed", "op", op, "error", err)
	metrics.BackendUnavailable.WithLabelValues(op).Inc()
	return zero, &domain.BackendUnavailableError{Op: op, Primary: primaryErr, Secondary: err}
}

func shouldFallback(ctx context.Context, kind opKind, err error) bool {
	if errors.Is(err, domain.ErrNotFound) || domain.IsValidation(err) {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if kind == opRead {
		return true
	}
	return IsConnectivityError(err)
}

func wrapProcessing(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || domain.IsValidation(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var dpe *domain.DataProcessingError
	if errors.As(err, &dpe) {
		return err
	}
	return &domain.DataProcessingError{Op: op, Err: err}
}

func (s *Selector) Ping(ctx context.Context) error {
	_, err := run(ctx, s, "ping", opRead, func(b Backend) (struct{}, error) {
		return struct{}{}, b.Ping(ctx)
	})
	return err
}

// EnsureSchema prepares both backends; only a primary failure without a
// working secondary is an error.
func (s *Selector) EnsureSchema(ctx context.Context) error {
	if s.secondary != nil {
		if err := s.secondary.EnsureSchema(ctx); err != nil {
			log.Warn("Secondary backend schema unavailable", "error", err)
		}
	}
	_, err := run(ctx, s, "ensure_schema", opRead, func(b Backend) (struct{}, error) {
		return struct{}{}, b.EnsureSchema(ctx)
	})
	return err
}

func (s *Selector) Close() error {
	var errs []error
	if s.primary != nil {
		errs = append(errs, s.primary.Close())
	}
	if s.secondary != nil {
		errs = append(errs, s.secondary.Close())
	}
	return errors.Join(errs...)
}

func (s *Selector) UpsertRecords(ctx context.Context, records []domain.ThreatRecord) (int64, error) {
	return run(ctx, s, "upsert_records", opWrite, func(b Backend) (int64, error) {
		return b.UpsertRecords(ctx, records)
	})
}

func (s *Selector) ActiveIPs(ctx context.Context) ([]string, error) {
	ips, err := run(ctx, s, "active_ips", opRead, func(b Backend) ([]string, error) {
		return b.ActiveIPs(ctx)
	})
	if err != nil {
		return nil, err
	}
	for i := range ips {
		ips[i] = domain.StripHostSuffix(ips[i])
	}
	return ips, nil
}

func (s *Selector) ActiveRecords(ctx context.Context) ([]domain.ThreatRecord, error) {
	return run(ctx, s, "active_records", opRead, func(b Backend) ([]domain.ThreatRecord, error) {
		return b.ActiveRecords(ctx)
	})
}

func (s *Selector) ActiveRecord(ctx context.Context, ip string) (*domain.ThreatRecord, error) {
	return run(ctx, s, "active_record", opRead, func(b Backend) (*domain.ThreatRecord, error) {
		return b.ActiveRecord(ctx, ip)
	})
}

func (s *Selector) DetectionsForIP(ctx context.Context, ip string) ([]domain.DetectionLog, error) {
	return run(ctx, s, "detections_for_ip", opRead, func(b Backend) ([]domain.DetectionLog, error) {
		return b.DetectionsForIP(ctx, ip)
	})
}

func (s *Selector) RecordSearch(ctx context.Context, entry domain.SearchHistory) error {
	_, err := run(ctx, s, "record_search", opWrite, func(b Backend) (struct{}, error) {
		return struct{}{}, b.RecordSearch(ctx, entry)
	})
	return err
}

func (s *Selector) CountActive(ctx context.Context) (int64, error) {
	return run(ctx, s, "count_active", opRead, func(b Backend) (int64, error) {
		return b.CountActive(ctx)
	})
}

func (s *Selector) DeactivateAll(ctx context.Context, at time.Time) (int64, error) {
	return run(ctx, s, "deactivate_all", opWrite, func(b Backend) (int64, error) {
		return b.DeactivateAll(ctx, at)
	})
}

func (s *Selector) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	return run(ctx, s, "deactivate_expired", opWrite, func(b Backend) (int64, error) {
		return b.DeactivateExpired(ctx, now)
	})
}

func (s *Selector) DeactivateCreatedBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	return run(ctx, s, "deactivate_created_before", opWrite, func(b Backend) (int64, error) {
		return b.DeactivateCreatedBefore(ctx, cutoff, at)
	})
}

func (s *Selector) DeleteDetectionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return run(ctx, s, "delete_detections_before", opWrite, func(b Backend) (int64, error) {
		return b.DeleteDetectionsBefore(ctx, cutoff)
	})
}

func (s *Selector) SetExpiration(ctx context.Context, ip string, expiresAt, at time.Time) (int64, error) {
	return run(ctx, s, "set_expiration", opWrite, func(b Backend) (int64, error) {
		return b.SetExpiration(ctx, ip, expiresAt, at)
	})
}

func (s *Selector) ExpirationSummary(ctx context.Context, now, horizon time.Time) (ExpirationSummary, error) {
	return run(ctx, s, "expiration_summary", opRead, func(b Backend) (ExpirationSummary, error) {
		return b.ExpirationSummary(ctx, now, horizon)
	})
}

func (s *Selector) RecordsCreatedBetween(ctx context.Context, start, end time.Time) ([]RecordDigest, error) {
	return run(ctx, s, "records_created_between", opRead, func(b Backend) ([]RecordDigest, error) {
		return b.RecordsCreatedBetween(ctx, start, end)
	})
}

func (s *Selector) CountryCounts(ctx context.Context, limit int) ([]GroupCount, error) {
	return run(ctx, s, "country_counts", opRead, func(b Backend) ([]GroupCount, error) {
		return b.CountryCounts(ctx, limit)
	})
}

func (s *Selector) SourceCounts(ctx context.Context) ([]GroupCount, error) {
	return run(ctx, s, "source_counts", opRead, func(b Backend) ([]GroupCount, error) {
		return b.SourceCounts(ctx)
	})
}
