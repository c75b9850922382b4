// Package cache provides the read-through key/value layer in front of the
// storage backends. Keys are grouped in namespaces so a writer can drop every
// derived entry with one prefix invalidation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ipthreat/internal/metrics"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	NamespaceSearch = "ip_search:"
	NamespaceActive = "active_ips"
	NamespaceStats  = "stats:"

	KeyActiveIPs     = NamespaceActive
	KeyActiveRecords = NamespaceActive + ":records"

	SearchTTL = 300 * time.Second
	ActiveTTL = 300 * time.Second
	StatsTTL  = 600 * time.Second
)

// Cache stores JSON-serialisable values with a TTL.
type Cache interface {
	// Get decodes the value stored under key into dest and reports whether it was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Flush(ctx context.Context) (int, error)
}

// ErrNilCache is returned by Remember when no cache is configured.
var ErrNilCache = errors.New("cache: nil cache")

var loadGroup singleflight.Group

func SearchKey(ip string) string {
	return NamespaceSearch + ip
}

func StatsKey(parts ...string) string {
	return NamespaceStats + strings.Join(parts, ":")
}

func namespaceOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}

// ErrNoStore may be returned by a Remember loader together with a usable
// value. The value reaches the caller but is not cached.
var ErrNoStore = errors.New("cache: value not stored")

var generations sync.Map

// generation is bumped by every invalidation of namespace on c. A load that
// started under an older generation never leaves its value in the cache.
func generation(c Cache, namespace string) *atomic.Uint64 {
	key := fmt.Sprintf("%p|%s", c, namespace)
	if gen, ok := generations.Load(key); ok {
		return gen.(*atomic.Uint64)
	}
	gen, _ := generations.LoadOrStore(key, new(atomic.Uint64))
	return gen.(*atomic.Uint64)
}

// Remember returns the cached value for key or calls load, stores its result
// and returns it. Concurrent misses on the same key share one load, which runs
// detached from any single caller's cancellation. A failing cache never fails
// the call; it only costs the load.
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		value, err := load(ctx)
		if errors.Is(err, ErrNoStore) {
			return value, nil
		}
		return value, err
	}

	var cached T
	hit, err := c.Get(ctx, key, &cached)
	if err != nil {
		log.Warn("Cache read failed", "key", key, "error", err)
	}
	if hit {
		metrics.CacheHits.WithLabelValues(namespaceOf(key)).Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues(namespaceOf(key)).Inc()

	gen := generation(c, namespaceOf(key))
	startGen := gen.Load()
	flightKey := fmt.Sprintf("%p|%d|%s", c, startGen, key)

	ch := loadGroup.DoChan(flightKey, func() (interface{}, error) {
		loadCtx := context.WithoutCancel(ctx)
		value, err := load(loadCtx)
		if errors.Is(err, ErrNoStore) {
			return value, nil
		}
		if err != nil {
			return nil, err
		}
		if gen.Load() != startGen {
			return value, nil
		}
		if err := c.Set(loadCtx, key, value, ttl); err != nil {
			log.Warn("Cache write failed", "key", key, "error", err)
			return value, nil
		}
		// An invalidation that ran between the check and the write would
		// otherwise miss this entry.
		if gen.Load() != startGen {
			if _, err := c.Delete(loadCtx, key); err != nil {
				log.Warn("Cache cleanup failed", "key", key, "error", err)
			}
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	}
}

// Invalidate drops every key under the given prefixes and returns the total removed.
func Invalidate(ctx context.Context, c Cache, prefixes ...string) int {
	if c == nil {
		return 0
	}
	total := 0
	for _, prefix := range prefixes {
		generation(c, namespaceOf(prefix)).Add(1)
		n, err := c.DeletePrefix(ctx, prefix)
		if err != nil {
			log.Warn("Cache invalidation failed", "prefix", prefix, "error", err)
			continue
		}
		metrics.CacheInvalidations.WithLabelValues(prefix).Add(float64(n))
		total += n
	}
	return total
}

// Evict drops individual keys. Loads in flight for their namespaces are not
// written back.
func Evict(ctx context.Context, c Cache, keys ...string) (int, error) {
	if c == nil || len(keys) == 0 {
		return 0, nil
	}
	bumped := make(map[string]bool)
	for _, key := range keys {
		ns := namespaceOf(key)
		if !bumped[ns] {
			generation(c, ns).Add(1)
			bumped[ns] = true
		}
	}
	return c.Delete(ctx, keys...)
}
