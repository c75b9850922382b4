// Package expiration owns the ACTIVE -> INACTIVE transition driven by
// record expiry.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/domain"
	"ipthreat/internal/metrics"

	"github.com/charmbracelet/log"
)

const (
	ExpiringSoonWindow = 7 * 24 * time.Hour
	DefaultDays        = 30
	day                = 24 * time.Hour
)

type Manager struct {
	backend database.Backend
	cache   cache.Cache
	now     func() time.Time
}

func NewManager(backend database.Backend, c cache.Cache, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{backend: backend, cache: c, now: now}
}

// SweepExpired deactivates every active record whose expiry has passed. It
// is one UPDATE and safe to run repeatedly.
func (m *Manager) SweepExpired(ctx context.Context) (*dto.SweepOutcome, error) {
	now := m.now()
	outcome := &dto.SweepOutcome{SweptAt: now.UTC().Format(time.RFC3339)}

	before, err := m.backend.CountActive(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		outcome.Error = err.Error()
		return outcome, err
	}

	deactivated, err := m.backend.DeactivateExpired(ctx, now)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		outcome.Error = err.Error()
		return outcome, err
	}

	after, err := m.backend.CountActive(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		outcome.Error = err.Error()
		return outcome, err
	}

	if deactivated > 0 {
		cache.Invalidate(ctx, m.cache, cache.NamespaceSearch, cache.NamespaceActive, cache.NamespaceStats)
		log.Info("Expired records deactivated", "count", deactivated, "active", after)
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	metrics.SweepDeactivated.Add(float64(deactivated))
	metrics.ActiveRecords.Set(float64(after))

	outcome.Success = true
	outcome.ActiveBefore = before
	outcome.DeactivatedCount = deactivated
	outcome.ActiveAfter = after
	return outcome, nil
}

// SetExpiration sets the expiry of an active record. It returns
// domain.ErrNotFound when the IP has no active record.
func (m *Manager) SetExpiration(ctx context.Context, raw string, expiresAt time.Time) (string, error) {
	ip, err := domain.NormalizeIP(raw)
	if err != nil {
		return "", err
	}
	if expiresAt.IsZero() {
		return ip, &domain.ValidationError{Field: "expires_at", Reason: "timestamp is required"}
	}

	affected, err := m.backend.SetExpiration(ctx, ip, expiresAt, m.now())
	if err != nil {
		return ip, err
	}
	if affected == 0 {
		return ip, domain.ErrNotFound
	}

	m.bust(ctx, ip)
	return ip, nil
}

// ExtendExpiration pushes the expiry of an active record by days, starting
// from now when it has none. It returns the new expiry.
func (m *Manager) ExtendExpiration(ctx context.Context, raw string, days int) (string, time.Time, error) {
	ip, err := domain.NormalizeIP(raw)
	if err != nil {
		return "", time.Time{}, err
	}
	if days <= 0 {
		return "", time.Time{}, &domain.ValidationError{Field: "days", Value: fmt.Sprint(days), Reason: "must be positive"}
	}

	record, err := m.backend.ActiveRecord(ctx, ip)
	if err != nil {
		return "", time.Time{}, err
	}

	base := m.now()
	if record.ExpiresAt != nil {
		base = *record.ExpiresAt
	}
	next := base.Add(time.Duration(days) * day).UTC()

	if _, err := m.SetExpiration(ctx, ip, next); err != nil {
		return "", time.Time{}, err
	}
	return ip, next, nil
}

// BulkSetExpiration applies each item independently. Items without an
// explicit timestamp expire after their own day count, or defaultDays.
func (m *Manager) BulkSetExpiration(ctx context.Context, items []dto.ExpirationItem, defaultDays int) *dto.BulkExpirationOutcome {
	if defaultDays <= 0 {
		defaultDays = DefaultDays
	}

	outcome := &dto.BulkExpirationOutcome{Errors: []dto.ExpirationError{}}
	for _, item := range items {
		expiresAt, err := m.resolveExpiry(item, defaultDays)
		if err == nil {
			_, err = m.SetExpiration(ctx, item.IP, expiresAt)
		}
		if err != nil {
			outcome.Errors = append(outcome.Errors, dto.ExpirationError{
				IP:     item.IP,
				Status: Status(err),
				Error:  err.Error(),
			})
			continue
		}
		outcome.Updated++
	}

	outcome.ErrorCount = len(outcome.Errors)
	outcome.Success = outcome.ErrorCount == 0 || outcome.Updated > 0
	return outcome
}

func (m *Manager) resolveExpiry(item dto.ExpirationItem, defaultDays int) (time.Time, error) {
	if raw := strings.TrimSpace(item.ExpiresAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, &domain.ValidationError{Field: "expires_at", Value: raw, Reason: "expected RFC3339 timestamp"}
		}
		return parsed, nil
	}
	days := item.Days
	if days <= 0 {
		days = defaultDays
	}
	return m.now().Add(time.Duration(days) * day), nil
}

// Stats summarises expiry across the record table.
func (m *Manager) Stats(ctx context.Context) (*dto.ExpirationStats, error) {
	now := m.now()
	summary, err := m.backend.ExpirationSummary(ctx, now, now.Add(ExpiringSoonWindow))
	if err != nil {
		return &dto.ExpirationStats{Error: err.Error()}, err
	}
	return &dto.ExpirationStats{
		Success:      true,
		TotalActive:  summary.TotalActive,
		Expired:      summary.Expired,
		ExpiringSoon: summary.ExpiringSoon,
		NoExpiry:     summary.NoExpiry,
		GeneratedAt:  now.UTC().Format(time.RFC3339),
	}, nil
}

func (m *Manager) bust(ctx context.Context, ip string) {
	if m.cache == nil {
		return
	}
	if _, err := cache.Evict(ctx, m.cache, cache.SearchKey(ip)); err != nil {
		log.Warn("Failed to drop search cache entry", "ip", ip, "error", err)
	}
	cache.Invalidate(ctx, m.cache, cache.NamespaceActive, cache.NamespaceStats)
}

// Status maps an error onto the result status vocabulary.
func Status(err error) string {
	switch {
	case err == nil:
		return dto.StatusOK
	case errors.Is(err, domain.ErrNotFound):
		return dto.StatusNotFound
	case domain.IsValidation(err):
		return dto.StatusInvalid
	default:
		return dto.StatusError
	}
}
