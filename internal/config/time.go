package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSweepInterval         = 24 * time.Hour
	defaultGeoLiteUpdateInterval = 7 * 24 * time.Hour
)

var (
	sweepInterval          atomic.Value
	sweepIntervalListeners []chan time.Duration
	geoLiteUpdateInterval  atomic.Value
	listenersMu            sync.Mutex
)

func init() {
	sweepInterval.Store(defaultSweepInterval)
	geoLiteUpdateInterval.Store(defaultGeoLiteUpdateInterval)
}

// SetBetweenTime recomputes the derived intervals from the current config.
func SetBetweenTime() {
	cfg := GetConfig()
	setSweepInterval(timerOrDefault(cfg.Sweep.Timer, defaultSweepInterval))
	geoLiteUpdateInterval.Store(timerOrDefault(cfg.GeoLite.UpdateTimer, defaultGeoLiteUpdateInterval))
}

// CalculateBetweenTime converts timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMilliseconds(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMilliseconds(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0 {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetSweepInterval() time.Duration {
	return sweepInterval.Load().(time.Duration)
}

// SweepIntervalUpdates delivers the current sweep interval and every later change.
func SweepIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	sweepIntervalListeners = append(sweepIntervalListeners, ch)
	listenersMu.Unlock()

	ch <- GetSweepInterval()
	return ch
}

func setSweepInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	if GetSweepInterval() == interval {
		return
	}
	sweepInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range sweepIntervalListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func GetGeoLiteUpdateInterval() time.Duration {
	return geoLiteUpdateInterval.Load().(time.Duration)
}
