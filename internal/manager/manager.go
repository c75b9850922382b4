// Package manager is the composition root of the engine. It builds every
// component once and is the only API surface callers use.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/domain"
	"ipthreat/internal/expiration"
	"ipthreat/internal/geolite"
	"ipthreat/internal/ingest"
	"ipthreat/internal/jobs/runtime"
	"ipthreat/internal/mirror"
	"ipthreat/internal/search"
	"ipthreat/internal/statistics"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const defaultCacheEntries = 10000

// Options configures New. Only Primary is required.
type Options struct {
	Primary   database.Backend
	Secondary database.Backend

	// Cache defaults to an in-memory LRU.
	Cache   cache.Cache
	DataDir string
	Locator geolite.Locator
	// Redis enables the sweep leader lock and the instance count in Health.
	Redis *redis.Client
	Clock func() time.Time

	BatchSize             int
	SearchConcurrency     int
	RecordTTL             time.Duration
	DefaultExpirationDays int
	RetentionDays         int
	SweepInterval         time.Duration
	Scheduler             runtime.Scheduler

	// AutoStart launches the sweep loop from New on a background context.
	AutoStart bool
}

type Manager struct {
	selector   *database.Selector
	cache      cache.Cache
	mirror     *mirror.Writer
	store      *ingest.Store
	search     *search.Engine
	expiration *expiration.Manager
	stats      *statistics.Aggregator
	sweep      *runtime.SweepRoutine
	redis      *redis.Client
	now        func() time.Time

	searchConcurrency     int
	defaultExpirationDays int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds every component once. The sweep loop runs only after Start, or
// immediately when opts.AutoStart is set; Close stops it either way.
func New(opts Options) (*Manager, error) {
	if opts.Primary == nil {
		return nil, errors.New("manager: primary backend is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory(defaultCacheEntries)
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.SearchConcurrency <= 0 {
		opts.SearchConcurrency = search.DefaultConcurrency
	}
	if opts.DefaultExpirationDays <= 0 {
		opts.DefaultExpirationDays = expiration.DefaultDays
	}

	selector := database.NewSelector(opts.Primary, opts.Secondary)
	writer := mirror.NewWriter(opts.DataDir)

	m := &Manager{
		selector: selector,
		cache:    opts.Cache,
		mirror:   writer,
		store: ingest.NewStore(selector, opts.Cache, writer,
			ingest.WithClock(opts.Clock),
			ingest.WithBatchSize(opts.BatchSize),
			ingest.WithRecordTTL(opts.RecordTTL)),
		search: search.NewEngine(selector, opts.Cache, writer,
			search.WithClock(opts.Clock),
			search.WithLocator(opts.Locator)),
		expiration:            expiration.NewManager(selector, opts.Cache, opts.Clock),
		stats:                 statistics.NewAggregator(selector, opts.Cache, opts.Locator, opts.Clock),
		redis:                 opts.Redis,
		now:                   opts.Clock,
		searchConcurrency:     opts.SearchConcurrency,
		defaultExpirationDays: opts.DefaultExpirationDays,
	}

	m.sweep = runtime.NewSweepRoutine(m.expiration, m.store, opts.RetentionDays, opts.SweepInterval)
	m.sweep.Redis = opts.Redis
	if opts.Scheduler != nil {
		m.sweep.Scheduler = opts.Scheduler
	}
	if opts.AutoStart {
		m.Start(context.Background())
	}
	return m, nil
}

// Start launches the background sweep loop. Calling it twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	if err := m.selector.EnsureSchema(ctx); err != nil {
		log.Warn("Schema preparation deferred", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go func() {
		defer close(m.stopped)
		m.sweep.Run(loopCtx)
	}()
}

// SetSweepInterval reschedules the running sweep loop.
func (m *Manager) SetSweepInterval(d time.Duration) {
	m.sweep.SetInterval(d)
}

// Close stops the sweep loop, waits for pending audit writes and closes the backends.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	m.search.Wait()
	return m.selector.Close()
}

func (m *Manager) SearchSingle(ctx context.Context, ip string, includeGeo bool) *dto.SearchResult {
	return m.search.SearchSingle(ctx, ip, includeGeo)
}

// SearchBulk uses the configured concurrency when maxConcurrency is zero.
func (m *Manager) SearchBulk(ctx context.Context, ips []string, maxConcurrency int, includeGeo bool) *dto.BulkSearchReport {
	if maxConcurrency <= 0 {
		maxConcurrency = m.searchConcurrency
	}
	return m.search.SearchBulk(ctx, ips, maxConcurrency, includeGeo)
}

func (m *Manager) GetActiveIPs(ctx context.Context) *dto.ActiveIPsResult {
	ips, err := m.store.ActiveIPs(ctx)
	if err != nil {
		logFailure("get_active_ips", err)
		return &dto.ActiveIPsResult{IPs: []string{}, Error: err.Error()}
	}
	return &dto.ActiveIPsResult{Success: true, Count: len(ips), IPs: ips}
}

// GetAllActiveIPs returns the active records with their metadata.
func (m *Manager) GetAllActiveIPs(ctx context.Context) *dto.ActiveRecordsResult {
	records, err := m.store.ActiveRecords(ctx)
	if err != nil {
		logFailure("get_all_active_ips", err)
		return &dto.ActiveRecordsResult{Records: []dto.ActiveRecord{}, Error: err.Error()}
	}
	return &dto.ActiveRecordsResult{Success: true, Count: len(records), Records: records}
}

func (m *Manager) BulkImport(ctx context.Context, entries []domain.CandidateRecord, source string, batchSize int, clearExisting bool) *dto.ImportOutcome {
	outcome, err := m.store.BulkImport(ctx, entries, source, batchSize, clearExisting)
	if err != nil {
		logFailure("bulk_import", err)
	}
	return outcome
}

func (m *Manager) ClearAll(ctx context.Context) *dto.ClearOutcome {
	outcome, err := m.store.ClearAll(ctx)
	if err != nil {
		logFailure("clear_all", err)
	}
	return outcome
}

func (m *Manager) CleanupOldData(ctx context.Context, days int) *dto.CleanupOutcome {
	outcome, err := m.store.CleanupOldData(ctx, days)
	if err != nil {
		logFailure("cleanup_old_data", err)
	}
	return outcome
}

func (m *Manager) SweepExpired(ctx context.Context) *dto.SweepOutcome {
	outcome, err := m.expiration.SweepExpired(ctx)
	if err != nil {
		logFailure("sweep_expired", err)
	}
	return outcome
}

func (m *Manager) PeriodStats(ctx context.Context, start, end time.Time) *dto.PeriodStats {
	stats, err := m.stats.PeriodStats(ctx, start, end)
	if err != nil {
		logFailure("period_stats", err)
	}
	return stats
}

func (m *Manager) CountryStats(ctx context.Context, limit int) *dto.CountryStats {
	stats, err := m.stats.CountryStats(ctx, limit)
	if err != nil {
		logFailure("country_stats", err)
	}
	return stats
}

func (m *Manager) SourceStats(ctx context.Context) *dto.SourceStats {
	stats, err := m.stats.SourceStats(ctx)
	if err != nil {
		logFailure("source_stats", err)
	}
	return stats
}

func (m *Manager) ExpirationStats(ctx context.Context) *dto.ExpirationStats {
	stats, err := m.expiration.Stats(ctx)
	if err != nil {
		logFailure("expiration_stats", err)
	}
	return stats
}

func (m *Manager) SetExpiration(ctx context.Context, ip string, expiresAt time.Time) dto.OperationResult {
	normalized, err := m.expiration.SetExpiration(ctx, ip, expiresAt)
	if err != nil {
		return failure("set_expiration", ip, err)
	}
	return dto.OperationResult{
		Success:   true,
		Status:    dto.StatusOK,
		IP:        normalized,
		Message:   "expiration updated",
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}
}

func (m *Manager) ExtendExpiration(ctx context.Context, ip string, days int) dto.OperationResult {
	normalized, next, err := m.expiration.ExtendExpiration(ctx, ip, days)
	if err != nil {
		return failure("extend_expiration", ip, err)
	}
	return dto.OperationResult{
		Success:   true,
		Status:    dto.StatusOK,
		IP:        normalized,
		Message:   fmt.Sprintf("expiration extended by %d days", days),
		ExpiresAt: next.Format(time.RFC3339),
	}
}

// BulkSetExpiration uses the configured default when defaultDays is zero.
func (m *Manager) BulkSetExpiration(ctx context.Context, items []dto.ExpirationItem, defaultDays int) *dto.BulkExpirationOutcome {
	if defaultDays <= 0 {
		defaultDays = m.defaultExpirationDays
	}
	return m.expiration.BulkSetExpiration(ctx, items, defaultDays)
}

// ExportJSON writes the active set in the downstream blocklist format.
func (m *Manager) ExportJSON(ctx context.Context, w io.Writer) error {
	ips, err := m.store.ActiveIPs(ctx)
	if err != nil {
		logFailure("export_json", err)
		return err
	}
	return mirror.ExportJSON(w, ips)
}

// Health pings both backends and reports which one serves traffic.
func (m *Manager) Health(ctx context.Context) *dto.HealthStatus {
	status := &dto.HealthStatus{
		Primary:     pingState(ctx, m.selector.Primary()),
		Secondary:   pingState(ctx, m.selector.Secondary()),
		SweepLeader: m.sweep.IsLeader(),
		CheckedAt:   m.now().UTC().Format(time.RFC3339),
	}

	count, err := m.selector.CountActive(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Success = true
	status.ActiveCount = count
	status.Backend = m.selector.LastServedBy()

	if m.redis != nil {
		if instances, err := runtime.CountActiveInstances(ctx, m.redis); err == nil {
			status.Instances = instances
		}
	}
	return status
}

func pingState(ctx context.Context, backend database.Backend) string {
	if backend == nil {
		return "absent"
	}
	if err := backend.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}

func failure(op, ip string, err error) dto.OperationResult {
	status := expiration.Status(err)
	if status == dto.StatusError {
		logFailure(op, err)
	}
	return dto.OperationResult{
		Success: false,
		Status:  status,
		IP:      ip,
		Error:   err.Error(),
	}
}

func logFailure(op string, err error) {
	switch {
	case errors.Is(err, domain.ErrBackendUnavailable):
		log.Error("No backend available", "op", op, "error", err)
	case domain.IsValidation(err):
		log.Debug("Rejected invalid request", "op", op, "error", err)
	default:
		log.Warn("Operation failed", "op", op, "error", err)
	}
}
