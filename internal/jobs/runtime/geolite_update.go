package runtime

import (
	"context"
	"errors"
	"time"

	"ipthreat/internal/geolite"

	"github.com/charmbracelet/log"
)

const geoLiteUpdateFallbackEvery = 7 * 24 * time.Hour

// GeoLiteUpdateRoutine refreshes the local country database. Every instance
// keeps its own copy, so no leader lock is taken.
type GeoLiteUpdateRoutine struct {
	Updater   *geolite.Updater
	Interval  time.Duration
	Scheduler Scheduler
}

func (r *GeoLiteUpdateRoutine) Run(ctx context.Context) {
	if r.Updater == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Scheduler == nil {
		r.Scheduler = SystemScheduler{}
	}

	interval := r.Interval
	if interval <= 0 {
		interval = geoLiteUpdateFallbackEvery
	}

	ticker := r.Scheduler.NewTicker(interval)
	defer ticker.Stop()

	if r.Updater.Stale(interval) {
		r.trigger(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.trigger(ctx, "scheduled")
		}
	}
}

func (r *GeoLiteUpdateRoutine) trigger(ctx context.Context, reason string) {
	err := r.Updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	default:
		log.Info("GeoLite database refreshed", "reason", reason)
	}
}
