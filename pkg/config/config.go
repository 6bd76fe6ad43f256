// Package config loads the DroidView daemon configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the DROIDVIEW_CONFIG environment variable. Values missing from the file keep
// their defaults. Durations are written as strings ("1s", "30s").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"DroidView/pkg/bridge"
	"DroidView/pkg/session"
	"DroidView/pkg/types"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path
const EnvVar = "DROIDVIEW_CONFIG"

type Config struct {
	// DataDir holds the history database and log files.
	DataDir string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	ADB       ADBConfig       `yaml:"adb"`
	Scrcpy    ScrcpyConfig    `yaml:"scrcpy"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Toolkit   ToolkitConfig   `yaml:"toolkit"`

	// Mirror is the default launch configuration; per-request values win.
	Mirror types.MirrorConfig `yaml:"mirror"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level      string `yaml:"level"`
	File       bool   `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type ADBConfig struct {
	Path    string         `yaml:"path"`
	Markers bridge.Markers `yaml:"markers"`
}

type ScrcpyConfig struct {
	Path       string `yaml:"path"`
	ServerPath string `yaml:"server_path"`

	ReadyMarkers   []string      `yaml:"ready_markers"`
	FailureMarkers []string      `yaml:"failure_markers"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ReadyGrace     time.Duration `yaml:"ready_grace"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	KillWait       time.Duration `yaml:"kill_wait"`
}

type DiscoveryConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TickTimeout   time.Duration `yaml:"tick_timeout"`
	MetadataRate  float64       `yaml:"metadata_rate"`
	MetadataBurst int           `yaml:"metadata_burst"`
}

type PairingConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
	ConnectPort int           `yaml:"connect_port"`
}

type ToolkitConfig struct {
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	InstallTimeout  time.Duration `yaml:"install_timeout"`
	RecordSettle    time.Duration `yaml:"record_settle"`
	RecordStopGrace time.Duration `yaml:"record_stop_grace"`
	RecordDir       string        `yaml:"record_dir"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	dataDir := ".droidview"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".droidview")
	}

	return &Config{
		DataDir: dataDir,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 5,
			Compress:   true,
		},
		ADB: ADBConfig{
			Path:    "adb",
			Markers: bridge.DefaultMarkers(),
		},
		Scrcpy: ScrcpyConfig{
			Path:           "scrcpy",
			ReadyMarkers:   session.DefaultReadyMarkers(),
			FailureMarkers: session.DefaultFailureMarkers(),
			ReadyTimeout:   10 * time.Second,
			ReadyGrace:     time.Second,
			StopGrace:      5 * time.Second,
			KillWait:       2 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Interval:      time.Second,
			TickTimeout:   5 * time.Second,
			MetadataRate:  4,
			MetadataBurst: 4,
		},
		Pairing: PairingConfig{
			StepTimeout: 30 * time.Second,
			ConnectPort: 5555,
		},
		Toolkit: ToolkitConfig{
			ActionTimeout:   60 * time.Second,
			InstallTimeout:  5 * time.Minute,
			RecordSettle:    500 * time.Millisecond,
			RecordStopGrace: 5 * time.Second,
			RecordDir:       "/sdcard",
		},
		Mirror: types.MirrorConfig{
			BitRate: "8M",
			MaxSize: 0,
		},
	}
}

// Load reads the file at path. An empty path falls back to DROIDVIEW_CONFIG,
// and to Default when that is unset too.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile overlays the YAML file at path onto Default and validates the result
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.ADB.Path == "" {
		errs = append(errs, errors.New("adb.path is required"))
	}
	if c.Scrcpy.Path == "" {
		errs = append(errs, errors.New("scrcpy.path is required"))
	}

	for name, d := range map[string]time.Duration{
		"scrcpy.ready_timeout":      c.Scrcpy.ReadyTimeout,
		"scrcpy.ready_grace":        c.Scrcpy.ReadyGrace,
		"scrcpy.stop_grace":         c.Scrcpy.StopGrace,
		"scrcpy.kill_wait":          c.Scrcpy.KillWait,
		"discovery.interval":        c.Discovery.Interval,
		"discovery.tick_timeout":    c.Discovery.TickTimeout,
		"pairing.step_timeout":      c.Pairing.StepTimeout,
		"toolkit.action_timeout":    c.Toolkit.ActionTimeout,
		"toolkit.install_timeout":   c.Toolkit.InstallTimeout,
		"toolkit.record_settle":     c.Toolkit.RecordSettle,
		"toolkit.record_stop_grace": c.Toolkit.RecordStopGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Discovery.MetadataRate <= 0 || c.Discovery.MetadataBurst <= 0 {
		errs = append(errs, errors.New("discovery.metadata_rate and metadata_burst must be positive"))
	}
	if c.Pairing.ConnectPort <= 0 || c.Pairing.ConnectPort > 65535 {
		errs = append(errs, fmt.Errorf("pairing.connect_port %d out of range", c.Pairing.ConnectPort))
	}
	if err := session.ValidateConfig(c.Mirror); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	}

	return errors.Join(errs...)
}
