package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"ipthreat/internal/cache"
	"ipthreat/internal/config"
	"ipthreat/internal/database"
	"ipthreat/internal/geolite"
	"ipthreat/internal/jobs/runtime"
	"ipthreat/internal/manager"
	"ipthreat/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Services is everything Setup started. Close releases it in reverse order.
type Services struct {
	Manager *manager.Manager
	Redis   *redis.Client
	GeoLite *geolite.Reader

	closers []func()
}

// Setup loads settings, opens the backends and starts the engine and its
// background routines.
func Setup(ctx context.Context, settingsPath string) (*Services, error) {
	if err := config.ReadSettings(settingsPath); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	s := &Services{}

	redisClient, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisNotConfigured):
		log.Info("REDIS_URL not set, using in-process cache")
	case err != nil:
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	default:
		s.Redis = redisClient
		config.EnableRedisSynchronization(ctx, redisClient)
		s.onClose(config.DisableRedisSynchronization)
		s.onClose(runtime.LaunchInstanceHeartbeat(ctx, redisClient))
		s.onClose(func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		})
	}

	cfg := withEnvOverrides(config.GetConfig())

	primary, secondary, err := openBackends()
	if err != nil {
		s.Close()
		return nil, err
	}

	var shared cache.Cache
	if s.Redis != nil {
		shared = cache.NewRedis(s.Redis, "")
	} else {
		shared = cache.NewMemory(cfg.Cache.MaxEntries)
	}

	reader, err := geolite.NewReader(cfg.GeoLite.DatabasePath)
	if err != nil {
		log.Warn("GeoLite database not loaded, geolocation disabled until update", "path", cfg.GeoLite.DatabasePath, "error", err)
	}
	s.GeoLite = reader
	s.onClose(func() { _ = reader.Close() })

	mgr, err := manager.New(manager.Options{
		Primary:               primary,
		Secondary:             secondary,
		Cache:                 shared,
		DataDir:               cfg.DataDir,
		Locator:               reader,
		Redis:                 s.Redis,
		BatchSize:             cfg.Engine.BatchSize,
		SearchConcurrency:     cfg.Engine.SearchConcurrency,
		RecordTTL:             time.Duration(cfg.Engine.RecordTTLDays) * 24 * time.Hour,
		DefaultExpirationDays: cfg.Engine.DefaultExpirationDays,
		RetentionDays:         cfg.Sweep.RetentionDays,
		SweepInterval:         sweepInterval(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Manager = mgr
	s.onClose(func() {
		if err := mgr.Close(); err != nil {
			log.Warn("error closing engine", "error", err)
		}
	})

	mgr.Start(ctx)
	go followSweepInterval(ctx, mgr)

	if cfg.GeoLite.AutoUpdate && reader.Path() != "" {
		routine := &runtime.GeoLiteUpdateRoutine{
			Updater: &geolite.Updater{
				LicenseKey: support.GetEnv("GEOLITE_API_KEY", cfg.GeoLite.APIKey),
				DestPath:   reader.Path(),
				Reader:     reader,
			},
			Interval: config.GetGeoLiteUpdateInterval(),
		}
		go routine.Run(ctx)
	}

	return s, nil
}

func (s *Services) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// openBackends opens both stores. The primary connects lazily, so an outage
// at boot is handled per operation by the selector; only an unusable primary
// DSN leaves the SQLite file serving alone.
func openBackends() (database.Backend, database.Backend, error) {
	secondary, secErr := database.OpenSecondary()
	if secErr != nil {
		log.Warn("Secondary backend unavailable", "error", secErr)
	}

	primary, err := database.OpenPrimary()
	if err != nil {
		if secErr != nil {
			return nil, nil, fmt.Errorf("failed to open any backend: %w", errors.Join(err, secErr))
		}
		log.Error("Primary backend misconfigured, serving from secondary only", "error", err)
		return secondary, nil, nil
	}

	if secErr != nil {
		return primary, nil, nil
	}
	return primary, secondary, nil
}

func withEnvOverrides(cfg config.Config) config.Config {
	cfg.DataDir = support.GetEnv("DATA_DIR", cfg.DataDir)
	cfg.Sweep.RetentionDays = support.GetEnvInt("RETENTION_DAYS", cfg.Sweep.RetentionDays)

	geoPath := support.GetEnv("GEOLITE_COUNTRY_DB", cfg.GeoLite.DatabasePath)
	if geoPath != "" && !filepath.IsAbs(geoPath) && cfg.DataDir != "" && filepath.Dir(geoPath) == "." {
		geoPath = filepath.Join(cfg.DataDir, geoPath)
	}
	cfg.GeoLite.DatabasePath = geoPath
	return cfg
}

func sweepInterval() time.Duration {
	return support.GetEnvDuration("SWEEP_INTERVAL", config.GetSweepInterval())
}

// followSweepInterval applies settings changes to the running sweep loop
// unless SWEEP_INTERVAL pins it.
func followSweepInterval(ctx context.Context, mgr *manager.Manager) {
	if support.GetEnv("SWEEP_INTERVAL", "") != "" {
		return
	}
	updates := config.SweepIntervalUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case interval := <-updates:
			mgr.SetSweepInterval(interval)
		}
	}
}
