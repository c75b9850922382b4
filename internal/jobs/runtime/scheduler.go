package runtime

import "time"

// Ticker is the part of time.Ticker the routines depend on.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// Scheduler creates tickers. Tests substitute a manual implementation.
type Scheduler interface {
	NewTicker(d time.Duration) Ticker
}

// SystemScheduler hands out wall-clock tickers.
type SystemScheduler struct{}

func (SystemScheduler) NewTicker(d time.Duration) Ticker {
	return &systemTicker{Ticker: time.NewTicker(d)}
}

type systemTicker struct {
	*time.Ticker
}

func (t *systemTicker) C() <-chan time.Time { return t.Ticker.C }

func drainTicker(ticker Ticker) {
	select {
	case <-ticker.C():
	default:
	}
}
