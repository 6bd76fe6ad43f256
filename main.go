package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"DroidView/mcp"
	"DroidView/pkg/config"
	"DroidView/pkg/runner"

	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type options struct {
	configPath string
	logLevel   string
	dataDir    string
	showVer    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("droidview", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvVar), "path to the YAML config file (env "+config.EnvVar+")")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	fs.StringVar(&opts.dataDir, "data-dir", "", "data directory override for history and logs")
	fs.BoolVarP(&opts.showVer, "version", "v", false, "print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: droidview [flags]\n\nServes the DroidView device orchestrator over MCP on stdin/stdout.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// loadConfig applies flag overrides on top of the file or default configuration
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func logConfigFor(cfg *config.Config) LogConfig {
	lc := DefaultLogConfig()
	if cfg.Log.File {
		lc = PersistentLogConfig(cfg.DataDir)
	}
	lc.Level, _ = ParseLogLevel(cfg.Log.Level)
	lc.MaxSizeMB = cfg.Log.MaxSizeMB
	lc.MaxAgeDays = cfg.Log.MaxAgeDays
	lc.MaxBackups = cfg.Log.MaxBackups
	lc.Compress = cfg.Log.Compress
	return lc
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if opts.showVer {
		fmt.Println("droidview", version)
		return
	}

	if err := run(opts); err != nil {
		LogError("main").Err(err).Msg("DroidView exited with error")
		CloseLogger()
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := InitLogger(logConfigFor(cfg)); err != nil {
		return err
	}
	defer CloseLogger()

	LogAppState(StateStarting, map[string]interface{}{
		"version":  version,
		"data_dir": cfg.DataDir,
		"config":   opts.configPath,
	})

	app, err := NewApp(cfg, version, runner.NewExecRunner(ModuleLogger("runner")))
	if err != nil {
		return err
	}
	defer func() {
		LogAppState(StateShuttingDown, nil)
		app.Shutdown()
		LogAppState(StateStopped, nil)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.configPath != "" {
		w := config.NewWatcher(opts.configPath, app.ApplyConfig, ModuleLogger("config"))
		if err := w.Start(); err != nil {
			LogWarn("config").Err(err).Msg("Config hot reload disabled")
		} else {
			defer w.Stop()
		}
	}

	app.Startup(ctx)
	LogAppState(StateReady, map[string]interface{}{"log_file": GetLogFilePath()})

	server := mcp.NewMCPServer(app, ModuleLogger("mcp"))
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server: %w", err)
	}
	return nil
}
