package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"DroidView/pkg/config"
)

func TestParseFlags(t *testing.T) {
	t.Setenv(config.EnvVar, "/etc/droidview.yaml")

	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.configPath != "/etc/droidview.yaml" {
		t.Errorf("Config path should default to %s, got %q", config.EnvVar, opts.configPath)
	}

	opts, err = parseFlags([]string{"-c", "/tmp/dv.yaml", "--log-level", "debug", "--data-dir", "/tmp/dv", "--version"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.configPath != "/tmp/dv.yaml" || opts.logLevel != "debug" || opts.dataDir != "/tmp/dv" || !opts.showVer {
		t.Errorf("Unexpected options: %+v", opts)
	}

	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Error("Unknown flags should fail")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "droidview.yaml")
	body := "log:\n  level: warn\nmirror:\n  bit_rate: 4M\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{configPath: path, logLevel: "debug", dataDir: dir})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Flag should override file level, got %s", cfg.Log.Level)
	}
	if cfg.DataDir != dir {
		t.Errorf("Flag should override data dir, got %s", cfg.DataDir)
	}
	if cfg.Mirror.BitRate != "4M" {
		t.Errorf("File values should be kept, got %s", cfg.Mirror.BitRate)
	}
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	_, err := loadConfig(options{logLevel: "loud", dataDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "log.level") {
		t.Errorf("Expected log.level error, got %v", err)
	}
}

func TestLogConfigFor(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/var/lib/droidview"
	cfg.Log.Level = "error"
	cfg.Log.File = true
	cfg.Log.MaxBackups = 2

	lc := logConfigFor(cfg)
	if !lc.File || lc.FilePath != filepath.Join("/var/lib/droidview", "logs", "droidview.log") {
		t.Errorf("Unexpected file settings: %+v", lc)
	}
	if lc.Level != LogLevelError || lc.MaxBackups != 2 {
		t.Errorf("Unexpected level or retention: %+v", lc)
	}

	cfg.Log.File = false
	if logConfigFor(cfg).File {
		t.Error("File logging should follow config")
	}
}
