package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

type DataConfig struct {
	DBPath        string `json:"db_path"`
	RetentionDays int    `json:"retention_days"`
}

type DaemonConfig struct {
	SocketPath            string `json:"socket_path"`
	RollupIntervalSeconds int    `json:"rollup_interval_seconds"`
	Verbose               bool   `json:"verbose"`
}

type FxConfig struct {
	CachePath string   `json:"cache_path"`
	Endpoints []string `json:"endpoints,omitempty"`
}

type UIConfig struct {
	RefreshIntervalSeconds int `json:"refresh_interval_seconds"`
	AutoSaveDebounceMillis int `json:"auto_save_debounce_millis"`
}

type Config struct {
	Data   DataConfig   `json:"data"`
	Daemon DaemonConfig `json:"daemon"`
	Fx     FxConfig     `json:"fx"`
	UI     UIConfig     `json:"ui"`
}

func DefaultConfig() Config {
	return Config{
		Data: DataConfig{
			RetentionDays: 90,
		},
		Daemon: DaemonConfig{
			RollupIntervalSeconds: 300,
		},
		UI: UIConfig{
			RefreshIntervalSeconds: 30,
			AutoSaveDebounceMillis: 600,
		},
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "costlens")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "costlens")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

// DefaultSocketPath is where the daemon listens when the config does not
// point elsewhere.
func DefaultSocketPath() string {
	return filepath.Join(ConfigDir(), "costlensd.sock")
}

// DefaultFxCachePath is the on-disk location of the daily exchange-rate table.
func DefaultFxCachePath() string {
	return filepath.Join(ConfigDir(), "fx_rates.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Data.RetentionDays <= 0 {
		cfg.Data.RetentionDays = 90
	}
	if cfg.Daemon.RollupIntervalSeconds <= 0 {
		cfg.Daemon.RollupIntervalSeconds = 300
	}
	if cfg.UI.RefreshIntervalSeconds <= 0 {
		cfg.UI.RefreshIntervalSeconds = 30
	}
	if cfg.UI.AutoSaveDebounceMillis <= 0 {
		cfg.UI.AutoSaveDebounceMillis = 600
	}

	return cfg, nil
}

// saveMu guards read-modify-write cycles on the config file.
var saveMu sync.Mutex

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SaveRetentionDays persists a retention window into the config file
// (read-modify-write).
func SaveRetentionDays(days int) error {
	return SaveRetentionDaysTo(ConfigPath(), days)
}

func SaveRetentionDaysTo(path string, days int) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	cfg, err := LoadFrom(path)
	if err != nil {
		cfg = DefaultConfig()
	}
	cfg.Data.RetentionDays = days
	return SaveTo(path, cfg)
}
