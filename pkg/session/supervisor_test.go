package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"DroidView/pkg/broadcast"
	"DroidView/pkg/registry"
	"DroidView/pkg/runner"
	"DroidView/pkg/runner/runnertest"
	"DroidView/pkg/types"

	"github.com/rs/zerolog"
)

type testEnv struct {
	fake  *runnertest.Runner
	reg   *registry.Registry
	sv    *Supervisor
	mu    sync.Mutex
	procs []*runnertest.Process

	// unresponsive makes spawned processes ignore Terminate
	unresponsive bool
}

func setupTestSupervisor(t *testing.T, cfg Config) (*testEnv, func()) {
	t.Helper()
	env := &testEnv{reg: registry.New(zerolog.Nop())}
	env.fake = runnertest.New(func(cmd runner.Command) (*runnertest.Process, error) {
		p := runnertest.NewProcess()
		env.mu.Lock()
		p.IgnoreTerminate = env.unresponsive
		env.procs = append(env.procs, p)
		env.mu.Unlock()
		return p, nil
	})
	cfg.Logger = zerolog.Nop()
	env.sv = New(env.fake, env.reg, cfg)
	return env, func() {
		env.sv.Close()
		env.reg.Close()
	}
}

func (e *testEnv) connect(t *testing.T, id string) {
	t.Helper()
	if _, err := e.reg.Upsert(types.Device{ID: id, Kind: types.KindUSB, State: types.StateOf(types.PhaseConnected)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func (e *testEnv) lastProc(t *testing.T) *runnertest.Process {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.procs) == 0 {
		t.Fatal("no process spawned")
	}
	return e.procs[len(e.procs)-1]
}

func nextEvent(t *testing.T, sub *broadcast.Subscription[types.SessionEvent]) types.SessionEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session event")
	}
	return types.SessionEvent{}
}

func expectPhase(t *testing.T, sub *broadcast.Subscription[types.SessionEvent], want types.SessionPhase) types.SessionEvent {
	t.Helper()
	ev := nextEvent(t, sub)
	if ev.Status.Phase != want {
		t.Fatalf("expected %s, got %s", want, ev.Status)
	}
	return ev
}

func markerConfig() Config {
	return Config{
		ReadyMarkers:   DefaultReadyMarkers(),
		FailureMarkers: DefaultFailureMarkers(),
		ReadyTimeout:   5 * time.Second,
		StopGrace:      time.Second,
		KillWait:       time.Second,
	}
}

func TestStartRunStopScenario(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")

	sub := env.sv.Subscribe()
	defer sub.Close()

	h, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{BitRate: "8M"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStarting)

	env.lastProc(t).Emit("INFO: Renderer: opengl")
	expectPhase(t, sub, types.SessionRunning)
	if st, _ := env.sv.Status("ABC123"); st.Phase != types.SessionRunning {
		t.Errorf("expected running, got %s", st)
	}

	d, _ := env.reg.Get("ABC123")
	if d.SessionID != h.ID {
		t.Errorf("registry back-reference = %q, want %q", d.SessionID, h.ID)
	}

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); !types.IsRejected(err, types.RejectAlreadyRunning) {
		t.Fatalf("expected already running rejection, got %v", err)
	}
	if env.fake.Count() != 1 {
		t.Errorf("rejected start must not spawn, got %d spawns", env.fake.Count())
	}

	if err := env.sv.Stop(context.Background(), "ABC123"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStopping)
	ev := expectPhase(t, sub, types.SessionExited)
	if ev.Status.Reason != "stopped" {
		t.Errorf("expected stopped reason, got %q", ev.Status.Reason)
	}

	if _, err := env.sv.Status("ABC123"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("session should be removed, got %v", err)
	}
	d, err = env.reg.Get("ABC123")
	if err != nil || d.State.Phase != types.PhaseConnected {
		t.Fatalf("device should remain connected, got %+v err=%v", d, err)
	}
	if d.SessionID != "" {
		t.Errorf("back-reference should be cleared, got %q", d.SessionID)
	}
}

func TestStartRejectsDisconnectedDevice(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); !types.IsRejected(err, types.RejectNotConnected) {
		t.Errorf("expected not connected for unknown device, got %v", err)
	}

	if _, err := env.reg.Upsert(types.Device{ID: "ABC123", Kind: types.KindUSB, State: types.StateOf(types.PhaseUnauthorized)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); !types.IsRejected(err, types.RejectNotConnected) {
		t.Errorf("expected not connected for unauthorized device, got %v", err)
	}
	if env.fake.Count() != 0 {
		t.Error("rejected start must not spawn")
	}
}

func TestStopKillsUnresponsiveProcessWithinGrace(t *testing.T) {
	cfg := markerConfig()
	cfg.StopGrace = 100 * time.Millisecond
	env, cleanup := setupTestSupervisor(t, cfg)
	defer cleanup()
	env.connect(t, "ABC123")
	env.unresponsive = true

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	proc := env.lastProc(t)

	start := time.Now()
	if err := env.sv.Stop(context.Background(), "ABC123"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.StopGrace+500*time.Millisecond {
		t.Errorf("stop took %v, grace is %v", elapsed, cfg.StopGrace)
	}
	if !proc.Terminated() || !proc.Killed() {
		t.Errorf("expected terminate then kill, terminated=%v killed=%v", proc.Terminated(), proc.Killed())
	}
	if _, err := env.sv.Status("ABC123"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("session should be removed, got %v", err)
	}
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")

	sub := env.sv.Subscribe()
	defer sub.Close()

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStarting)

	proc := env.lastProc(t)
	proc.Emit("INFO: Texture: 1080x2400")
	expectPhase(t, sub, types.SessionRunning)
	proc.Emit("ERROR: Could not read video stream")
	proc.Exit(1)

	ev := expectPhase(t, sub, types.SessionCrashed)
	if ev.Status.ExitCode != 1 || !strings.Contains(ev.Status.Reason, "Could not read video stream") {
		t.Errorf("unexpected crash status %+v", ev.Status)
	}
	if _, err := env.sv.Status("ABC123"); !errors.Is(err, types.ErrNotFound) {
		t.Error("crashed session should be removed")
	}
	if !env.reg.IsConnected("ABC123") {
		t.Error("device must stay in the registry after a crash")
	}

	// the device can be mirrored again
	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Errorf("restart after crash failed: %v", err)
	}
}

func TestCleanExitIsExited(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")

	h, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	env.lastProc(t).Exit(0)

	deadline := time.Now().Add(2 * time.Second)
	for !h.Status().Phase.Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("session never ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := h.Status(); st.Phase != types.SessionExited || st.ExitCode != 0 {
		t.Errorf("expected exited(0), got %s", st)
	}
}

func TestRunningAfterGraceWithoutMarker(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, Config{ReadyGrace: 20 * time.Millisecond})
	defer cleanup()
	env.connect(t, "ABC123")

	sub := env.sv.Subscribe()
	defer sub.Close()

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStarting)
	expectPhase(t, sub, types.SessionRunning)
}

func TestReadyTimeoutFallsBackToRunning(t *testing.T) {
	cfg := markerConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	env, cleanup := setupTestSupervisor(t, cfg)
	defer cleanup()
	env.connect(t, "ABC123")

	sub := env.sv.Subscribe()
	defer sub.Close()

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStarting)
	expectPhase(t, sub, types.SessionRunning)
}

func TestDeviceLostStopsSession(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")

	sub := env.sv.Subscribe()
	defer sub.Close()

	h, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectPhase(t, sub, types.SessionStarting)

	if _, err := env.reg.Upsert(types.Device{ID: "ABC123", Kind: types.KindUSB, State: types.ErrorState(types.ReasonLost)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	expectPhase(t, sub, types.SessionStopping)
	ev := expectPhase(t, sub, types.SessionCrashed)
	if ev.Status.Reason != "device lost" {
		t.Errorf("expected device lost, got %q", ev.Status.Reason)
	}
	if st := h.Status(); st.Phase != types.SessionCrashed {
		t.Errorf("handle should report crashed, got %s", st)
	}
	if !env.lastProc(t).Terminated() {
		t.Error("mirroring process should be terminated on device loss")
	}
}

func TestSpawnErrorLeavesNoSession(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")
	env.fake.SetHandler(func(cmd runner.Command) (*runnertest.Process, error) {
		return nil, runnertest.NotFound(cmd)
	})

	_, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{})
	var spawnErr *types.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if len(env.sv.List()) != 0 {
		t.Error("failed spawn must not leave a session")
	}
}

func TestConcurrentStartsYieldOneSession(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if types.IsRejected(err, types.RejectAlreadyRunning) {
				rejected++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || rejected != 15 {
		t.Errorf("expected 1 start and 15 rejections, got %d and %d", ok, rejected)
	}
	if env.fake.Count() != 1 {
		t.Errorf("expected a single spawn, got %d", env.fake.Count())
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	env, cleanup := setupTestSupervisor(t, markerConfig())
	defer cleanup()
	env.connect(t, "ABC123")
	env.connect(t, "DEF456")

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := env.lastProc(t)
	if _, err := env.sv.Start(context.Background(), "DEF456", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first.Exit(1)
	deadline := time.Now().Add(2 * time.Second)
	for len(env.sv.List()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("crashed session was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st, err := env.sv.Status("DEF456"); err != nil || st.Phase.Terminal() {
		t.Errorf("other session should be unaffected, got %s err=%v", st, err)
	}
}

func TestChildEnvironment(t *testing.T) {
	cfg := markerConfig()
	cfg.ADBPath = "/opt/platform-tools/adb"
	cfg.ServerPath = "/opt/scrcpy/scrcpy-server"
	env, cleanup := setupTestSupervisor(t, cfg)
	defer cleanup()
	env.connect(t, "ABC123")

	if _, err := env.sv.Start(context.Background(), "ABC123", types.MirrorConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cmd := env.fake.Calls()[0]
	joined := strings.Join(cmd.Env, " ")
	if !strings.Contains(joined, "ADB=/opt/platform-tools/adb") || !strings.Contains(joined, "SCRCPY_SERVER_PATH=/opt/scrcpy/scrcpy-server") {
		t.Errorf("unexpected env %v", cmd.Env)
	}
	if cmd.Name != "scrcpy" {
		t.Errorf("expected default scrcpy binary, got %s", cmd.Name)
	}
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs("ABC123", types.MirrorConfig{
		BitRate:       "8m",
		MaxSize:       1024,
		Orientation:   "@90",
		ShowTouches:   true,
		TurnScreenOff: true,
		RecordPath:    "/tmp/rec.mp4",
		ExtraArgs:     []string{"--no-clipboard-autosync"},
	})
	got := strings.Join(args, " ")
	for _, want := range []string{
		"-s ABC123",
		"--video-bit-rate 8M",
		"--max-size 1024",
		"--capture-orientation @90",
		"--show-touches",
		"--turn-screen-off",
		"--record /tmp/rec.mp4",
		"--window-title DroidView - ABC123",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	if args[len(args)-1] != "--no-clipboard-autosync" {
		t.Errorf("extra args should come last, got %v", args)
	}
}

func TestValidateConfig(t *testing.T) {
	bad := []types.MirrorConfig{
		{BitRate: "fast"},
		{MaxSize: -1},
		{Orientation: "45"},
		{ExtraArgs: []string{"--serial=OTHER"}},
	}
	for _, c := range bad {
		if err := ValidateConfig(c); err == nil {
			t.Errorf("expected %+v to be rejected", c)
		}
	}
	if err := ValidateConfig(types.MirrorConfig{BitRate: "8M", Orientation: "flip180"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestMergeConfig(t *testing.T) {
	merged := MergeConfig(types.MirrorConfig{MaxSize: 800}, types.MirrorConfig{BitRate: "8M", MaxSize: 1920, ShowTouches: true})
	if merged.BitRate != "8M" || merged.MaxSize != 800 || !merged.ShowTouches {
		t.Errorf("unexpected merge result %+v", merged)
	}

	defaults := types.MirrorConfig{ShowTouches: true, TurnScreenOff: true}
	merged = MergeConfig(types.MirrorConfig{Off: []string{"show_touches"}}, defaults)
	if merged.ShowTouches || !merged.TurnScreenOff {
		t.Errorf("explicit off should beat the default, got %+v", merged)
	}
	if len(merged.Off) != 0 {
		t.Error("merge should consume the off list")
	}
	if err := ValidateConfig(types.MirrorConfig{Off: []string{"bit_rate"}}); err == nil {
		t.Error("non-boolean option in off list should be rejected")
	}
}
