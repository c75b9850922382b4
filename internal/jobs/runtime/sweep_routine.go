package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	sweepLockKey         = "ipthreat:leader:expiration_sweep"
	DefaultSweepInterval = 24 * time.Hour
)

type Sweeper interface {
	SweepExpired(ctx context.Context) (*dto.SweepOutcome, error)
}

type RetentionCleaner interface {
	CleanupOldData(ctx context.Context, days int) (*dto.CleanupOutcome, error)
}

// SweepRoutine runs the expiration sweep and retention cleanup at startup and
// then once per interval.
type SweepRoutine struct {
	Sweeper       Sweeper
	Cleaner       RetentionCleaner
	RetentionDays int
	Interval      time.Duration
	Scheduler     Scheduler
	// Redis, when set, restricts the loop to the instance holding the leader lock.
	Redis *redis.Client
	// LockRetry is how often a follower re-tries the leader lock.
	LockRetry time.Duration
	// OnRun is called after every pass.
	OnRun func(reason string)

	leading atomic.Bool

	updates chan time.Duration
}

// NewSweepRoutine fills defaults.
func NewSweepRoutine(sweeper Sweeper, cleaner RetentionCleaner, retentionDays int, interval time.Duration) *SweepRoutine {
	return &SweepRoutine{
		Sweeper:       sweeper,
		Cleaner:       cleaner,
		RetentionDays: retentionDays,
		Interval:      interval,
		Scheduler:     SystemScheduler{},
		updates:       make(chan time.Duration, 1),
	}
}

// SetInterval reschedules a running loop.
func (r *SweepRoutine) SetInterval(d time.Duration) {
	if r.updates == nil {
		return
	}
	select {
	case r.updates <- d:
	default:
		select {
		case <-r.updates:
		default:
		}
		r.updates <- d
	}
}

// Run blocks until ctx is done.
func (r *SweepRoutine) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Scheduler == nil {
		r.Scheduler = SystemScheduler{}
	}
	if r.updates == nil {
		r.updates = make(chan time.Duration, 1)
	}

	lock := support.NewLeaderLock(r.Redis, sweepLockKey, support.DefaultLeadershipTTL)
	lock.SetRetryDelay(r.LockRetry)
	err := lock.Run(ctx, r.loop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Expiration sweep routine stopped", "error", err)
	}
}

// IsLeader reports whether this instance is currently running the sweep loop.
func (r *SweepRoutine) IsLeader() bool {
	return r.leading.Load()
}

func (r *SweepRoutine) loop(ctx context.Context) {
	r.leading.Store(true)
	defer r.leading.Store(false)

	currentInterval := normalizeInterval(r.Interval)
	ticker := r.Scheduler.NewTicker(currentInterval)
	defer ticker.Stop()

	r.RunOnce(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.RunOnce(ctx, "scheduled")
		case newInterval := <-r.updates:
			newInterval = normalizeInterval(newInterval)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Info("Expiration sweep rescheduled", "interval", currentInterval)
		}
	}
}

// RunOnce performs one sweep followed by retention cleanup.
func (r *SweepRoutine) RunOnce(ctx context.Context, reason string) {
	if r.Sweeper != nil {
		outcome, err := r.Sweeper.SweepExpired(ctx)
		if err != nil {
			log.Error("Expiration sweep failed", "reason", reason, "error", err)
		} else {
			log.Debug("Expiration sweep finished",
				"reason", reason,
				"deactivated", outcome.DeactivatedCount,
				"active", outcome.ActiveAfter)
		}
	}

	if r.Cleaner != nil && r.RetentionDays > 0 {
		if _, err := r.Cleaner.CleanupOldData(ctx, r.RetentionDays); err != nil {
			log.Error("Retention cleanup failed", "reason", reason, "days", r.RetentionDays, "error", err)
		}
	}

	if r.OnRun != nil {
		r.OnRun(reason)
	}
}

func normalizeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultSweepInterval
	}
	return d
}
