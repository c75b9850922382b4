package config

import (
	"testing"
	"time"
)

func TestCalculateMilliseconds(t *testing.T) {
	timer := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4}
	want := uint64((24*60*60 + 2*60*60 + 3*60 + 4) * 1000)

	if got := CalculateMilliseconds(timer); got != want {
		t.Fatalf("CalculateMilliseconds returned %d, want %d", got, want)
	}
}

func TestCalculateBetweenTime(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{}); got != time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1s", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{Minutes: 1, Seconds: 30}); got != 90*time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1m30s", got)
		}
	})
}

func TestSetBetweenTime(t *testing.T) {
	origCfg := GetConfig()
	origSweep := GetSweepInterval()
	origGeo := GetGeoLiteUpdateInterval()
	origListeners := sweepIntervalListeners

	t.Cleanup(func() {
		configValue.Store(origCfg)
		sweepInterval.Store(origSweep)
		geoLiteUpdateInterval.Store(origGeo)
		sweepIntervalListeners = origListeners
	})

	testCfg := Config{}
	testCfg.Sweep.Timer = Timer{Hours: 6}
	testCfg.GeoLite.UpdateTimer = Timer{Days: 2}
	configValue.Store(testCfg)
	sweepIntervalListeners = nil

	SetBetweenTime()

	if got := GetSweepInterval(); got != 6*time.Hour {
		t.Fatalf("GetSweepInterval returned %s, want 6h", got)
	}
	if got := GetGeoLiteUpdateInterval(); got != 48*time.Hour {
		t.Fatalf("GetGeoLiteUpdateInterval returned %s, want 48h", got)
	}

	configValue.Store(Config{})
	SetBetweenTime()
	if got := GetSweepInterval(); got != defaultSweepInterval {
		t.Fatalf("empty timer gave %s, want default %s", got, defaultSweepInterval)
	}
}

func TestSweepIntervalUpdates(t *testing.T) {
	origSweep := GetSweepInterval()
	origListeners := sweepIntervalListeners

	t.Cleanup(func() {
		sweepInterval.Store(origSweep)
		sweepIntervalListeners = origListeners
	})

	sweepInterval.Store(time.Hour)
	sweepIntervalListeners = nil

	ch := SweepIntervalUpdates()
	if first := <-ch; first != time.Hour {
		t.Fatalf("initial update = %s, want 1h", first)
	}

	setSweepInterval(5 * time.Minute)

	select {
	case next := <-ch:
		if next != 5*time.Minute {
			t.Fatalf("next update = %s, want 5m", next)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interval update")
	}

	// Verify no duplicate notification when same interval is set.
	setSweepInterval(5 * time.Minute)
	select {
	case <-ch:
		t.Fatal("unexpected update when interval unchanged")
	case <-time.After(50 * time.Millisecond):
	}
}
