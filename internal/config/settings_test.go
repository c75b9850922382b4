package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func restoreConfig(t *testing.T) {
	t.Helper()
	origCfg := GetConfig()
	origPath := settingsPath.Load().(string)
	t.Cleanup(func() {
		configValue.Store(origCfg)
		settingsPath.Store(origPath)
		SetBetweenTime()
	})
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.BatchSize != 1000 || cfg.Engine.SearchConcurrency != 10 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Sweep.Timer.Days != 1 {
		t.Fatalf("unexpected sweep timer: %+v", cfg.Sweep.Timer)
	}
}

func TestReadSettingsCreatesDefaults(t *testing.T) {
	restoreConfig(t)
	path := filepath.Join(t.TempDir(), "nested", "settings.json")

	if err := ReadSettings(path); err != nil {
		t.Fatalf("ReadSettings: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
	if got := GetConfig().Engine.BatchSize; got != 1000 {
		t.Fatalf("batch size = %d, want 1000", got)
	}
}

func TestReadSettingsKeepsDefaultsForMissingKeys(t *testing.T) {
	restoreConfig(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"engine":{"batch_size":250},"sweep":{"timer":{"hours":2}}}`), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	if err := ReadSettings(path); err != nil {
		t.Fatalf("ReadSettings: %v", err)
	}
	cfg := GetConfig()
	if cfg.Engine.BatchSize != 250 {
		t.Fatalf("batch size = %d, want 250", cfg.Engine.BatchSize)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Fatalf("cache max entries = %d, want default", cfg.Cache.MaxEntries)
	}
	if got := GetSweepInterval(); got != 2*time.Hour {
		t.Fatalf("sweep interval = %s, want 2h", got)
	}
}

func TestReadSettingsRejectsInvalidJSON(t *testing.T) {
	restoreConfig(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if err := ReadSettings(path); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestSetConfigPersists(t *testing.T) {
	restoreConfig(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	settingsPath.Store(path)

	cfg := Defaults()
	cfg.Sweep.RetentionDays = 14
	if err := SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if stored.Sweep.RetentionDays != 14 {
		t.Fatalf("persisted retention = %d, want 14", stored.Sweep.RetentionDays)
	}
}

func TestRedisSynchronization(t *testing.T) {
	restoreConfig(t)
	settingsPath.Store(filepath.Join(t.TempDir(), "settings.json"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	remote := Defaults()
	remote.Engine.BatchSize = 42
	payload, _ := json.Marshal(remote)
	mr.Set(redisConfigKey, string(payload))

	EnableRedisSynchronization(context.Background(), client)
	t.Cleanup(DisableRedisSynchronization)

	if got := GetConfig().Engine.BatchSize; got != 42 {
		t.Fatalf("batch size after sync = %d, want stored 42", got)
	}

	update := Defaults()
	update.Engine.BatchSize = 7
	payload, _ = json.Marshal(update)
	if err := client.Publish(context.Background(), redisConfigChannel, payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for GetConfig().Engine.BatchSize != 7 {
		if time.Now().After(deadline) {
			t.Fatalf("remote update not applied, batch size = %d", GetConfig().Engine.BatchSize)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
