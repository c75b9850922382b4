package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/domain"
	"ipthreat/internal/geolite"
	"ipthreat/internal/metrics"
	"ipthreat/internal/mirror"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 10
	MaxConcurrency     = 50

	invalidFormat = "invalid format"
	auditTimeout  = 10 * time.Second
)

// Engine answers point and bulk lookups from the detection log and the
// flat-file mirrors.
type Engine struct {
	backend database.Backend
	cache   cache.Cache
	mirror  *mirror.Writer
	locator geolite.Locator
	now     func() time.Time

	audits sync.WaitGroup
}

type Option func(*Engine)

func WithLocator(locator geolite.Locator) Option {
	return func(e *Engine) {
		e.locator = locator
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(backend database.Backend, c cache.Cache, m *mirror.Writer, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		cache:   c,
		mirror:  m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SearchSingle looks up one IP. Failures are reported inside the result.
func (e *Engine) SearchSingle(ctx context.Context, raw string, includeGeo bool) *dto.SearchResult {
	started := time.Now()
	defer func() {
		metrics.SearchDuration.Observe(time.Since(started).Seconds())
	}()

	ip, err := domain.NormalizeIP(raw)
	if err != nil {
		metrics.Searches.WithLabelValues("invalid").Inc()
		return &dto.SearchResult{
			IP:              raw,
			Sources:         []string{},
			SearchTimestamp: e.now().UTC(),
			Error:           invalidFormat,
		}
	}

	result, err := cache.Remember(ctx, e.cache, cache.SearchKey(ip), cache.SearchTTL, func(ctx context.Context) (dto.SearchResult, error) {
		return e.lookup(ctx, ip, started)
	})
	if err != nil {
		metrics.Searches.WithLabelValues("error").Inc()
		log.Warn("IP lookup failed", "ip", ip, "error", err)
		return &dto.SearchResult{
			IP:              ip,
			Sources:         []string{},
			SearchTimestamp: e.now().UTC(),
			Error:           err.Error(),
		}
	}

	if result.Found {
		metrics.Searches.WithLabelValues("found").Inc()
	} else {
		metrics.Searches.WithLabelValues("not_found").Inc()
	}

	if includeGeo {
		result.Geo = e.geo(ip, result.Country)
	}
	return &result
}

func (e *Engine) lookup(ctx context.Context, ip string, started time.Time) (dto.SearchResult, error) {
	result := dto.SearchResult{IP: ip, Sources: []string{}}

	var hits []mirror.Hit
	if e.mirror != nil {
		var err error
		hits, err = e.mirror.Search(ip)
		if err != nil {
			log.Warn("Mirror search failed", "ip", ip, "error", err)
		}
	}

	sources := domain.NewSourceList()
	for _, hit := range hits {
		sources = sources.Add(hit.Source)
	}

	detections, err := e.backend.DetectionsForIP(ctx, ip)
	if err != nil {
		if len(hits) == 0 {
			return result, err
		}
		// Mirror-only answer while no backend is reachable. Not cached.
		log.Warn("Backend lookup failed, answering from mirror files", "ip", ip, "error", err)
		result.Found = true
		result.Sources = append(result.Sources, sources...)
		result.SearchTimestamp = e.now().UTC()
		result.Error = err.Error()
		return result, cache.ErrNoStore
	}

	for _, detection := range detections {
		sources = sources.Add(detection.Source)
	}

	result.Found = len(hits) > 0 || len(detections) > 0
	result.Sources = append(result.Sources, sources...)
	result.DetectionCount = len(detections)

	if len(detections) > 0 {
		latest := detections[0]
		result.Country = latest.Country
		result.AttackType = latest.AttackType
		result.ConfidenceScore = latest.ConfidenceScore

		first, last := latest.DetectionDate, latest.DetectionDate
		for _, detection := range detections[1:] {
			if detection.DetectionDate.Before(first) {
				first = detection.DetectionDate
			}
			if detection.DetectionDate.After(last) {
				last = detection.DetectionDate
			}
		}
		first, last = first.UTC(), last.UTC()
		result.FirstDetection = &first
		result.LastDetection = &last
	}

	result.SearchTimestamp = e.now().UTC()
	e.audit(ctx, result, time.Since(started))
	return result, nil
}

func (e *Engine) geo(ip, fallbackCountry string) *dto.GeoInfo {
	if e.locator != nil {
		if code, name, ok := e.locator.Country(ip); ok {
			return &dto.GeoInfo{CountryCode: code, CountryName: name}
		}
	}
	if fallbackCountry != "" {
		return &dto.GeoInfo{CountryCode: fallbackCountry}
	}
	return nil
}

// audit writes the search history row in the background. Errors are logged
// and never reach the caller.
func (e *Engine) audit(ctx context.Context, result dto.SearchResult, took time.Duration) {
	entry := domain.SearchHistory{
		IP:             result.IP,
		Found:          result.Found,
		MatchedSources: domain.NewSourceList(result.Sources...),
		DetectionCount: result.DetectionCount,
		DurationMs:     took.Milliseconds(),
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	e.audits.Add(1)
	go func() {
		defer e.audits.Done()
		defer cancel()
		if err := e.backend.RecordSearch(auditCtx, entry); err != nil {
			log.Warn("Failed to record search history", "ip", entry.IP, "error", err)
		}
	}()
}

// Wait blocks until pending audit writes have finished.
func (e *Engine) Wait() {
	e.audits.Wait()
}

// SearchBulk runs SearchSingle over ips on a bounded worker pool. A failing
// IP yields an error result and never aborts the batch.
func (e *Engine) SearchBulk(ctx context.Context, ips []string, maxConcurrency int, includeGeo bool) *dto.BulkSearchReport {
	started := time.Now()
	report := &dto.BulkSearchReport{
		TotalSearched: len(ips),
		Results:       make([]dto.SearchResult, len(ips)),
	}

	var g errgroup.Group
	g.SetLimit(workerCount(maxConcurrency, len(ips)))

	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			report.Results[i] = e.searchIsolated(ctx, ip, includeGeo)
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range report.Results {
		if result.Found {
			report.FoundCount++
		} else {
			report.NotFoundCount++
		}
	}
	report.ProcessingTimeSeconds = time.Since(started).Seconds()
	return report
}

func (e *Engine) searchIsolated(ctx context.Context, ip string, includeGeo bool) (result dto.SearchResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic during IP lookup", "ip", ip, "panic", r)
			result = dto.SearchResult{
				IP:              ip,
				Sources:         []string{},
				SearchTimestamp: e.now().UTC(),
				Error:           fmt.Sprintf("lookup panicked: %v", r),
			}
		}
	}()
	return *e.SearchSingle(ctx, ip, includeGeo)
}

func workerCount(requested, items int) int {
	if requested <= 0 {
		requested = DefaultConcurrency
	}
	if requested > MaxConcurrency {
		requested = MaxConcurrency
	}
	if items > 0 && requested > items {
		requested = items
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}
