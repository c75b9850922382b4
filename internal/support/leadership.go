package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	defaultLeaderRetry   = time.Second
	leaderOpTimeout      = 5 * time.Second
	minRenewalInterval   = 100 * time.Millisecond
)

var (
	leaderCounter atomic.Uint64

	// Both scripts only touch the lease when it still carries our id.
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaderLock is a Redis lease electing one of the instances that share a
// database to run a periodic job. The holder renews it while the job runs; a
// crashed holder loses it once the TTL passes.
type LeaderLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
	id     string

	held atomic.Bool
}

// NewLeaderLock returns a lock on key. A nil client makes every caller the leader.
func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &LeaderLock{
		client: client,
		key:    key,
		ttl:    ttl,
		retry:  defaultLeaderRetry,
		id:     newLeaderID(),
	}
}

// SetRetryDelay changes how often a follower re-tries the lease.
func (l *LeaderLock) SetRetryDelay(d time.Duration) {
	if d > 0 {
		l.retry = d
	}
}

func (l *LeaderLock) ID() string { return l.id }

// Held reports whether this instance currently runs the job.
func (l *LeaderLock) Held() bool { return l.held.Load() }

// Holder returns the id stored in the lease, or "" when nobody holds it.
func (l *LeaderLock) Holder(ctx context.Context) (string, error) {
	if l.client == nil {
		if l.Held() {
			return l.id, nil
		}
		return "", nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return holder, err
}

// TryAcquire takes the lease when it is free.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
}

// Release gives the lease up if this instance still holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (l *LeaderLock) renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errors.New("lease lost")
	}
	return nil
}

// Run blocks until ctx is done. Each time this instance wins the lease it
// calls run with a context that is cancelled when the lease is lost.
func (l *LeaderLock) Run(ctx context.Context, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if l.client == nil {
		l.held.Store(true)
		defer l.held.Store(false)
		run(ctx)
		return ctx.Err()
	}

	for ctx.Err() == nil {
		ok, err := l.TryAcquire(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("leader lock: acquire failed", "key", l.key, "error", err)
		case ok:
			l.lead(ctx, run)
		}

		select {
		case <-ctx.Done():
		case <-time.After(l.retry):
		}
	}
	return ctx.Err()
}

func (l *LeaderLock) lead(ctx context.Context, run func(context.Context)) {
	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.held.Store(true)
	log.Debug("leader lock: acquired", "key", l.key, "id", l.id)

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(leaseCtx, cancel)
	}()

	run(leaseCtx)

	cancel()
	<-renewed
	l.held.Store(false)

	releaseCtx, done := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer done()
	if err := l.Release(releaseCtx); err != nil {
		log.Warn("leader lock: release failed", "key", l.key, "error", err)
	}
	log.Debug("leader lock: released", "key", l.key)
}

func (l *LeaderLock) keepAlive(ctx context.Context, lost context.CancelFunc) {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
			err := l.renew(renewCtx)
			cancel()
			if err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

func newLeaderID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaderCounter.Add(1))
}
