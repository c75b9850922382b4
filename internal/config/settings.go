package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"ipthreat/internal/support"

	"github.com/charmbracelet/log"
)

type Config struct {
	DataDir string `json:"data_dir"`

	Engine struct {
		BatchSize             int `json:"batch_size"`
		SearchConcurrency     int `json:"search_concurrency"`
		RecordTTLDays         int `json:"record_ttl_days"`
		DefaultExpirationDays int `json:"default_expiration_days"`
	} `json:"engine"`

	Cache struct {
		MaxEntries int `json:"max_entries"`
	} `json:"cache"`

	Sweep struct {
		Timer         Timer `json:"timer"`
		RetentionDays int   `json:"retention_days"`
	} `json:"sweep"`

	GeoLite struct {
		DatabasePath string `json:"database_path"`
		APIKey       string `json:"api_key"`
		AutoUpdate   bool   `json:"auto_update"`
		UpdateTimer  Timer  `json:"update_timer"`
	} `json:"geolite"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const DefaultSettingsPath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue  atomic.Value
	settingsPath atomic.Value
	configMu     sync.Mutex
)

func init() {
	configValue.Store(Defaults())
	settingsPath.Store(DefaultSettingsPath)
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic("config: invalid embedded defaults: " + err.Error())
	}
	return cfg
}

// ReadSettings loads path, writing the embedded defaults there first when
// the file does not exist. Missing keys keep their default values.
func ReadSettings(path string) error {
	if path == "" {
		path = DefaultSettingsPath
	}
	settingsPath.Store(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := support.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if err := support.WriteFileAtomic(path, defaultConfig); err != nil {
			return err
		}
		data = defaultConfig
	}

	newConfig := Defaults()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return err
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

// SetConfig applies, persists and broadcasts newConfig.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := support.WriteFileAtomic(settingsPath.Load().(string), data); err != nil {
			log.Error("Error writing configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		if err := broadcastConfigUpdate(newConfig); err != nil {
			log.Error("Error broadcasting configuration update", "error", err)
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
