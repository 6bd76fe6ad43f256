package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"DroidView/mcp"
	"DroidView/pkg/bridge"
	"DroidView/pkg/config"
	"DroidView/pkg/discovery"
	"DroidView/pkg/pairing"
	"DroidView/pkg/registry"
	"DroidView/pkg/runner"
	"DroidView/pkg/session"
	"DroidView/pkg/store"
	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	"golang.org/x/time/rate"
)

var _ mcp.Orchestrator = (*App)(nil)

// App wires the orchestrator components together and is what the MCP layer talks to
type App struct {
	version string
	dataDir string

	// mirror defaults are swapped on config reload
	defaults atomic.Pointer[types.MirrorConfig]

	registry   *registry.Registry
	bridge     *bridge.Bridge
	poller     *discovery.Poller
	pairing    *pairing.Machine
	supervisor *session.Supervisor
	toolkit    *toolkit.Dispatcher
	store      *store.Store

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewApp builds every component from cfg. r executes adb and scrcpy.
func NewApp(cfg *config.Config, version string, r runner.Runner) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(cfg.DataDir, ModuleLogger("store"))
	if err != nil {
		return nil, err
	}

	reg := registry.New(ModuleLogger("registry"))
	br := bridge.New(r, bridge.Config{
		ADBPath: cfg.ADB.Path,
		Markers: cfg.ADB.Markers,
		Logger:  ModuleLogger("bridge"),
	})

	a := &App{
		version:  version,
		dataDir:  cfg.DataDir,
		registry: reg,
		bridge:   br,
		store:    st,
		poller: discovery.New(br, reg, discovery.Config{
			Interval:      cfg.Discovery.Interval,
			TickTimeout:   cfg.Discovery.TickTimeout,
			MetadataRate:  rate.Limit(cfg.Discovery.MetadataRate),
			MetadataBurst: cfg.Discovery.MetadataBurst,
			Logger:        ModuleLogger("discovery"),
		}),
		pairing: pairing.New(br, reg, pairing.Config{
			StepTimeout: cfg.Pairing.StepTimeout,
			ConnectPort: cfg.Pairing.ConnectPort,
			Logger:      ModuleLogger("pairing"),
		}),
		supervisor: session.New(r, reg, session.Config{
			ScrcpyPath:     cfg.Scrcpy.Path,
			ADBPath:        cfg.ADB.Path,
			ServerPath:     cfg.Scrcpy.ServerPath,
			ReadyMarkers:   cfg.Scrcpy.ReadyMarkers,
			FailureMarkers: cfg.Scrcpy.FailureMarkers,
			ReadyTimeout:   cfg.Scrcpy.ReadyTimeout,
			ReadyGrace:     cfg.Scrcpy.ReadyGrace,
			StopGrace:      cfg.Scrcpy.StopGrace,
			KillWait:       cfg.Scrcpy.KillWait,
			Logger:         ModuleLogger("session"),
		}),
		toolkit: toolkit.New(br, reg, toolkit.Config{
			ActionTimeout:   cfg.Toolkit.ActionTimeout,
			InstallTimeout:  cfg.Toolkit.InstallTimeout,
			RecordSettle:    cfg.Toolkit.RecordSettle,
			RecordStopGrace: cfg.Toolkit.RecordStopGrace,
			RecordDir:       cfg.Toolkit.RecordDir,
			Logger:          ModuleLogger("toolkit"),
		}),
	}
	mirror := cfg.Mirror
	a.defaults.Store(&mirror)

	// subscribe before anything can publish
	rec := newHistoryRecorder(st, a.supervisor, a.supervisor.Subscribe(), a.toolkit.Subscribe())
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		rec.run()
	}()

	return a, nil
}

// Startup begins device discovery
func (a *App) Startup(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		a.poller.Start(ctx)
	})
}

// Shutdown stops every component in dependency order. Safe to call more than once.
func (a *App) Shutdown() {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.poller.Stop()
		a.pairing.Close()

		open := a.supervisor.List()
		a.supervisor.Close()
		a.toolkit.Close()
		a.wg.Wait()
		closeOpenSessions(a.store, open)

		if err := a.store.Close(); err != nil {
			LogError("app").Err(err).Msg("Failed to close history store")
		}
		a.registry.Close()
	})
}

// ApplyConfig takes the reloadable parts of a new configuration
func (a *App) ApplyConfig(cfg *config.Config) {
	if level, err := ParseLogLevel(cfg.Log.Level); err == nil {
		SetLogLevel(level)
	}
	mirror := cfg.Mirror
	a.defaults.Store(&mirror)
	LogInfo("app").Str("level", cfg.Log.Level).Msg("Configuration reloaded")
}

// MirrorDefaults returns the defaults merged into every session start
func (a *App) MirrorDefaults() types.MirrorConfig {
	return *a.defaults.Load()
}

func (a *App) Version() string {
	return a.version
}

// ==================== Devices ====================

func (a *App) ListDevices() []types.Device {
	return a.registry.List()
}

func (a *App) GetDevice(deviceID string) (types.Device, error) {
	return a.registry.Get(deviceID)
}

func (a *App) DiscoveryHealth() discovery.Health {
	return a.poller.Health()
}

// RestartBridge restarts the adb server and refreshes the registry right away
func (a *App) RestartBridge(ctx context.Context) error {
	LogUserAction(ActionBridgeRestart, "", nil)
	timer := StartOperation("bridge", "restart_server")
	err := a.bridge.RestartServer(ctx)
	timer.Finish(err)
	if err != nil {
		return err
	}
	a.poller.Tick(ctx)
	return nil
}

// ==================== Pairing ====================

func (a *App) StartPairing(req pairing.Request) (pairing.Info, error) {
	LogUserAction(ActionPairStart, req.ConnectAddress, map[string]interface{}{
		"address":  req.Address,
		"has_code": req.Code != "",
	})
	attempt, err := a.pairing.Start(req)
	if err != nil {
		return pairing.Info{}, err
	}
	return attempt.Info(), nil
}

func (a *App) SubmitPairingCode(address, code string) error {
	return a.pairing.SubmitCode(address, code)
}

func (a *App) CancelPairing(address string) error {
	LogUserAction(ActionPairCancel, "", map[string]interface{}{"address": address})
	return a.pairing.Cancel(address)
}

func (a *App) PairingStatus(address string) (pairing.Info, error) {
	return a.pairing.Get(address)
}

// ConnectDevice attaches a device over TCP without pairing. When the next
// poll has not listed it yet the returned device is still connecting.
func (a *App) ConnectDevice(ctx context.Context, address string) (types.Device, error) {
	LogUserAction(ActionDeviceConnect, "", map[string]interface{}{"address": address})
	addr, err := a.pairing.Connect(ctx, address)
	if err != nil {
		return types.Device{}, err
	}
	a.poller.Tick(ctx)
	if d, err := a.registry.Get(addr); err == nil {
		return d, nil
	}
	return types.Device{ID: addr, Kind: types.KindWirelessTCP, State: types.StateOf(types.PhaseConnecting)}, nil
}

func (a *App) DisconnectDevice(ctx context.Context, address string) error {
	LogUserAction(ActionDeviceDisconnect, "", map[string]interface{}{"address": address})
	if _, err := a.pairing.Disconnect(ctx, address); err != nil {
		return err
	}
	a.poller.Tick(ctx)
	return nil
}

// ==================== Sessions ====================

// StartSession fills unset options from the configured defaults and launches scrcpy
func (a *App) StartSession(ctx context.Context, deviceID string, cfg types.MirrorConfig) (types.SessionInfo, error) {
	merged := session.MergeConfig(cfg, a.MirrorDefaults())
	LogUserAction(ActionSessionStart, deviceID, map[string]interface{}{
		"bit_rate": merged.BitRate,
		"max_size": merged.MaxSize,
		"max_fps":  merged.MaxFps,
	})

	h, err := a.supervisor.Start(ctx, deviceID, merged)
	if err != nil {
		return types.SessionInfo{}, err
	}
	info, err := a.supervisor.Get(deviceID)
	if err != nil || info.ID != h.ID {
		// already gone again
		return types.SessionInfo{ID: h.ID, DeviceID: deviceID, Config: merged, Status: h.Status()}, nil
	}
	return info, nil
}

func (a *App) StopSession(ctx context.Context, deviceID string) error {
	LogUserAction(ActionSessionStop, deviceID, nil)
	return a.supervisor.Stop(ctx, deviceID)
}

func (a *App) SessionStatus(deviceID string) (types.SessionInfo, error) {
	return a.supervisor.Get(deviceID)
}

func (a *App) ListSessions() []types.SessionInfo {
	return a.supervisor.List()
}

func (a *App) SessionHistory(deviceID string, limit int) ([]store.SessionRecord, error) {
	return a.store.ListSessions(deviceID, limit)
}

func (a *App) SessionEvents(sessionID string) ([]types.SessionEvent, error) {
	return a.store.SessionEvents(sessionID)
}

// ==================== Toolkit ====================

var actionLogNames = map[toolkit.Kind]UserAction{
	toolkit.KindScreenshot:  ActionScreenshot,
	toolkit.KindRecordStart: ActionRecordingStart,
	toolkit.KindRecordStop:  ActionRecordingStop,
	toolkit.KindInstall:     ActionAppInstall,
	toolkit.KindPush:        ActionFilePush,
	toolkit.KindPull:        ActionFilePull,
	toolkit.KindUninstall:   ActionAppUninstall,
	toolkit.KindDisableApp:  ActionAppDisable,
	toolkit.KindReboot:      ActionReboot,
	toolkit.KindTcpip:       ActionTcpip,
}

func (a *App) RunAction(ctx context.Context, deviceID string, action toolkit.Action) (toolkit.Result, error) {
	if name, ok := actionLogNames[action.Kind]; ok {
		LogUserAction(name, deviceID, map[string]interface{}{
			"source":  action.Source,
			"remote":  action.Remote,
			"dest":    action.Dest,
			"package": action.Package,
			"mode":    action.Mode,
		})
	}
	return a.toolkit.Dispatch(ctx, deviceID, action)
}

func (a *App) IsRecording(deviceID string) bool {
	return a.toolkit.IsRecording(deviceID)
}

func (a *App) ActionHistory(q store.ActionQuery) ([]store.ActionRecord, error) {
	return a.store.Actions(q)
}

// closeOpenSessions marks sessions that were live at shutdown as stopped when
// their final transition never reached the history store
func closeOpenSessions(st *store.Store, open []types.SessionInfo) {
	for _, info := range open {
		rec, err := st.GetSession(info.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			LogErrorWithContext("history", err, map[string]interface{}{"session": info.ID})
			continue
		}
		if err == nil && rec.Status.Phase.Terminal() {
			continue
		}
		ev := types.SessionEvent{
			SessionID: info.ID,
			DeviceID:  info.DeviceID,
			Status:    types.SessionStatus{Phase: types.SessionExited, Reason: "stopped"},
			At:        timeNow(),
		}
		if err := st.RecordSessionEvent(ev); err != nil {
			LogErrorWithContext("history", err, map[string]interface{}{"session": info.ID})
		}
	}
}
