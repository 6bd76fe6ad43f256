package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

func TestLoggerInit(t *testing.T) {
	config := DefaultLogConfig()
	if config.Level != LogLevelInfo {
		t.Errorf("Expected default level Info, got %d", config.Level)
	}
	if !config.Console {
		t.Error("Expected console output to be enabled by default")
	}
	if config.File {
		t.Error("Expected file output to be disabled by default")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LogLevelDebug, false},
		{"", LogLevelInfo, false},
		{"INFO", LogLevelInfo, false},
		{" warn ", LogLevelWarn, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseLogLevel(%q) = %d, want %d", tt.in, got, tt.expected)
		}
	}
}

func TestSetLogLevel(t *testing.T) {
	defer SetLogLevel(LogLevelInfo)

	var buf bytes.Buffer
	testLogger := zerolog.New(&buf)

	SetLogLevel(LogLevelWarn)
	testLogger.Info().Msg("hidden")
	testLogger.Warn().Msg("shown")

	SetLogLevel(LogLevelDebug)
	testLogger.Debug().Msg("debug after reload")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("Info should be filtered at warn level")
	}
	if !strings.Contains(output, "shown") || !strings.Contains(output, "debug after reload") {
		t.Errorf("Unexpected output: %s", output)
	}
}

func TestLoggerStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	testLogger := zerolog.New(&buf).With().Logger()

	addFields(testLogger.Info(), map[string]interface{}{
		"device":  "device-123",
		"count":   42,
		"elapsed": 1500 * time.Millisecond,
		"ok":      true,
	}).Msg("test message")

	output := buf.String()
	for _, want := range []string{`"device":"device-123"`, `"count":42`, `"ok":true`, `"elapsed"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output: %s", want, output)
		}
	}
}

func TestLogFunctions(t *testing.T) {
	if err := InitLogger(DefaultLogConfig()); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	LogDebug("test").Msg("debug test")
	LogInfo("test").Msg("info test")
	LogWarn("test").Msg("warn test")
	LogError("test").Msg("error test")
	l := ModuleLogger("session")
	l.Info().Msg("session test")
}

func TestPersistentLogConfig(t *testing.T) {
	tempDir := t.TempDir()
	config := PersistentLogConfig(tempDir)

	if !config.File {
		t.Error("Expected File to be enabled")
	}
	if !config.Console {
		t.Error("Expected Console to be enabled")
	}
	if config.MaxSizeMB != 10 || config.MaxAgeDays != 7 || config.MaxBackups != 5 {
		t.Errorf("Unexpected retention settings: %+v", config)
	}
	expectedPath := filepath.Join(tempDir, "logs", "droidview.log")
	if config.FilePath != expectedPath {
		t.Errorf("Expected FilePath %s, got %s", expectedPath, config.FilePath)
	}
}

func TestPersistentLogger(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	pl, err := NewPersistentLogger(LogConfig{
		Level:     LogLevelInfo,
		File:      true,
		FilePath:  logPath,
		MaxSizeMB: 1,
	})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	defer pl.Close()

	testData := []byte("Test log message\n")
	n, err := pl.Write(testData)
	if err != nil {
		t.Errorf("Failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(testData), n)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "Test log message") {
		t.Error("Log file does not contain expected message")
	}
}

func TestPersistentLoggerWriteAfterClose(t *testing.T) {
	pl, err := NewPersistentLogger(LogConfig{File: true, FilePath: filepath.Join(t.TempDir(), "closed.log")})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	if err := pl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := pl.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if _, err := pl.Write([]byte("late\n")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestLogRotation(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "droidview.log")

	pl, err := NewPersistentLogger(LogConfig{
		File:       true,
		FilePath:   logPath,
		MaxSizeMB:  1,
		MaxBackups: 5,
	})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	defer pl.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := pl.Write(chunk); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	rotated, _ := filepath.Glob(filepath.Join(tempDir, "droidview_*.log"))
	if len(rotated) != 1 {
		t.Fatalf("Expected one rotated file, got %v", rotated)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Active log missing after rotation: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("Active log should hold only the last write, size %d", info.Size())
	}
}

func TestCompressFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "droidview_old.log")
	if err := os.WriteFile(path, []byte("rotated content\n"), 0644); err != nil {
		t.Fatal(err)
	}

	compressFile(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Original should be removed after compression")
	}
	f, err := os.Open(path + ".gz")
	if err != nil {
		t.Fatalf("Compressed file missing: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("Invalid gzip: %v", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(gz); err != nil {
		t.Fatalf("Failed to decompress: %v", err)
	}
	if out.String() != "rotated content\n" {
		t.Errorf("Unexpected content: %q", out.String())
	}
}

func TestCleanupRemovesExtraBackups(t *testing.T) {
	tempDir := t.TempDir()
	pl := &PersistentLogger{config: LogConfig{MaxBackups: 2}, logDir: tempDir}

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"droidview_a.log", "droidview_b.log.gz", "droidview_c.log", "other.log"} {
		path := filepath.Join(tempDir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		_ = os.Chtimes(path, mod, mod)
	}

	pl.cleanup()

	if _, err := os.Stat(filepath.Join(tempDir, "droidview_a.log")); !os.IsNotExist(err) {
		t.Error("Oldest backup should be removed")
	}
	for _, keep := range []string{"droidview_b.log.gz", "droidview_c.log", "other.log"} {
		if _, err := os.Stat(filepath.Join(tempDir, keep)); err != nil {
			t.Errorf("%s should be kept: %v", keep, err)
		}
	}
}

func TestUserActionLog(t *testing.T) {
	if err := InitLogger(DefaultLogConfig()); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	LogUserAction(ActionPairStart, "192.168.1.100:5555", map[string]interface{}{
		"address": "192.168.1.100:37123",
	})
	LogUserAction(ActionSessionStart, "device-456", map[string]interface{}{
		"max_fps":  60,
		"bit_rate": "8M",
	})
}

func TestUserActionLogConcurrent(t *testing.T) {
	saved := Logger
	defer func() {
		Logger = saved
		InitUserInteractionLog()
	}()

	var buf bytes.Buffer
	Logger = zerolog.New(zerolog.SyncWriter(&buf))
	userInteractionLog.Store(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			LogUserAction(ActionScreenshot, "ABC123", nil)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("Expected 20 entries, got %d", len(lines))
	}
	for _, l := range lines {
		if !strings.Contains(l, `"category":"user_interaction"`) {
			t.Errorf("Entry missing category: %s", l)
		}
	}
}

func TestAppStateLog(t *testing.T) {
	if err := InitLogger(DefaultLogConfig()); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	LogAppState(StateStarting, map[string]interface{}{
		"version": "1.0.0",
	})
	LogAppState(StateReady, nil)
	LogAppState(StateShuttingDown, map[string]interface{}{
		"reason": "signal",
	})
}

func TestOperationTimer(t *testing.T) {
	if err := InitLogger(DefaultLogConfig()); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	timer := StartOperation("test_module", "test_operation")
	timer.AddDetail("key1", "value1").AddDetail("key2", 123)
	time.Sleep(10 * time.Millisecond)
	timer.End()

	StartOperation("test_module", "failing_operation").Finish(os.ErrNotExist)
}

func TestCloseLogger(t *testing.T) {
	tempDir := t.TempDir()

	if err := InitLogger(PersistentLogConfig(tempDir)); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	if GetLogFilePath() == "" {
		t.Error("Expected a log file path")
	}

	LogInfo("test").Msg("test message before close")
	CloseLogger()
	if GetLogFilePath() != "" {
		t.Error("Log file path should be cleared after close")
	}

	_ = InitLogger(DefaultLogConfig())
}
