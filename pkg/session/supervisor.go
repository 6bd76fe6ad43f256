// Package session supervises scrcpy mirroring processes, at most one per device.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"DroidView/pkg/broadcast"
	"DroidView/pkg/registry"
	"DroidView/pkg/runner"
	"DroidView/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	ScrcpyPath string
	// ADBPath and ServerPath are exported to scrcpy as ADB and SCRCPY_SERVER_PATH.
	ADBPath    string
	ServerPath string

	// ReadyMarkers switch a session to Running when seen on its output. With
	// no markers the session is Running after ReadyGrace.
	ReadyMarkers   []string
	FailureMarkers []string
	ReadyTimeout   time.Duration
	ReadyGrace     time.Duration

	StopGrace time.Duration
	KillWait  time.Duration

	Logger zerolog.Logger
}

// DefaultReadyMarkers are printed by scrcpy once the window has a video texture
func DefaultReadyMarkers() []string {
	return []string{"INFO: Renderer:", "INFO: Texture:"}
}

func DefaultFailureMarkers() []string {
	return []string{"ERROR:", "Server connection failed", "Could not find any ADB device"}
}

func (c *Config) applyDefaults() {
	if c.ScrcpyPath == "" {
		c.ScrcpyPath = "scrcpy"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.ReadyGrace <= 0 {
		c.ReadyGrace = time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.KillWait <= 0 {
		c.KillWait = 2 * time.Second
	}
}

// Supervisor owns every mirroring process. The registry only ever sees the session id.
type Supervisor struct {
	runner runner.Runner
	reg    *registry.Registry
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	hub       *broadcast.Hub[types.SessionEvent]
	wg        sync.WaitGroup
	regSub    *broadcast.Subscription[registry.Event]
	watchDone chan struct{}
	now       func() time.Time
}

// Handle identifies a started session without exposing its process
type Handle struct {
	ID       string
	DeviceID string
	s        *session
}

func (h *Handle) Status() types.SessionStatus { return h.s.currentStatus() }

func New(r runner.Runner, reg *registry.Registry, cfg Config) *Supervisor {
	cfg.applyDefaults()
	sv := &Supervisor{
		runner:    r,
		reg:       reg,
		cfg:       cfg,
		logger:    cfg.Logger,
		sessions:  make(map[string]*session),
		hub:       broadcast.NewHub[types.SessionEvent](),
		regSub:    reg.Subscribe(),
		watchDone: make(chan struct{}),
		now:       time.Now,
	}
	go sv.watchDevices()
	return sv
}

// Start launches a mirroring session. It is rejected without side effects when
// the device is not Connected or already has a session.
func (sv *Supervisor) Start(ctx context.Context, deviceID string, mc types.MirrorConfig) (*Handle, error) {
	if err := types.ValidateDeviceID(deviceID); err != nil {
		return nil, types.Rejectedf(types.RejectInvalidRequest, "%v", err)
	}
	if err := ValidateConfig(mc); err != nil {
		return nil, types.Rejectedf(types.RejectInvalidRequest, "%v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return nil, types.Rejectedf(types.RejectDispatcherShutdown, "supervisor closed")
	}
	if _, running := sv.sessions[deviceID]; running {
		sv.mu.Unlock()
		return nil, types.Rejected(types.RejectAlreadyRunning)
	}
	if !sv.reg.IsConnected(deviceID) {
		sv.mu.Unlock()
		return nil, types.Rejected(types.RejectNotConnected)
	}
	s := &session{
		id:        uuid.New().String(),
		deviceID:  deviceID,
		config:    mc,
		startedAt: sv.now(),
		status:    types.SessionStatus{Phase: types.SessionStarting},
		done:      make(chan struct{}),
	}

	cmd := runner.Command{
		Name: sv.cfg.ScrcpyPath,
		Args: BuildArgs(deviceID, mc),
		Env:  sv.childEnv(),
	}
	sv.logger.Info().Str("device", deviceID).Str("session", s.id).Str("cmd", cmd.String()).Msg("Starting mirroring session")

	// held across Spawn: the duplicate check and the insert are one step
	proc, err := sv.runner.Spawn(cmd)
	if err != nil {
		sv.mu.Unlock()
		sv.logger.Error().Err(err).Str("device", deviceID).Msg("Failed to spawn scrcpy")
		return nil, err
	}
	s.proc = proc
	sv.sessions[deviceID] = s
	if err := sv.reg.AttachSession(deviceID, s.id); err != nil {
		sv.logger.Warn().Err(err).Str("device", deviceID).Msg("Device vanished while starting session")
	}
	sv.publish(s, s.status)
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.supervise(s)
	}()

	return &Handle{ID: s.id, DeviceID: deviceID, s: s}, nil
}

// Stop terminates the session gracefully, killing it once StopGrace elapses.
// The entry is gone when Stop returns.
func (sv *Supervisor) Stop(ctx context.Context, deviceID string) error {
	s, err := sv.lookup(deviceID)
	if err != nil {
		return err
	}
	sv.terminate(ctx, s, stopRequested)
	return nil
}

// Status returns the current status of the device's session
func (sv *Supervisor) Status(deviceID string) (types.SessionStatus, error) {
	s, err := sv.lookup(deviceID)
	if err != nil {
		return types.SessionStatus{}, err
	}
	return s.currentStatus(), nil
}

// Get returns the full view of the device's session
func (sv *Supervisor) Get(deviceID string) (types.SessionInfo, error) {
	s, err := sv.lookup(deviceID)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return s.info(), nil
}

// List returns every live session ordered by start time
func (sv *Supervisor) List() []types.SessionInfo {
	sv.mu.Lock()
	out := make([]types.SessionInfo, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		out = append(out, s.info())
	}
	sv.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Subscribe streams lifecycle events from this call on
func (sv *Supervisor) Subscribe() *broadcast.Subscription[types.SessionEvent] {
	return sv.hub.Subscribe()
}

// Close stops every session and the device watcher
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return
	}
	sv.closed = true
	live := make([]*session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		live = append(live, s)
	}
	sv.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			sv.terminate(context.Background(), s, stopRequested)
		}(s)
	}
	wg.Wait()

	sv.regSub.Close()
	<-sv.watchDone
	sv.wg.Wait()
	sv.hub.Close()
}

func (sv *Supervisor) lookup(deviceID string) (*session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("session for %s: %w", deviceID, types.ErrNotFound)
	}
	return s, nil
}

func (sv *Supervisor) childEnv() []string {
	var env []string
	if sv.cfg.ADBPath != "" {
		env = append(env, "ADB="+sv.cfg.ADBPath)
	}
	if sv.cfg.ServerPath != "" {
		env = append(env, "SCRCPY_SERVER_PATH="+sv.cfg.ServerPath)
	}
	return env
}

// supervise reads the session's output until the process exits, then removes the entry
func (sv *Supervisor) supervise(s *session) {
	var readyC <-chan time.Time
	if len(sv.cfg.ReadyMarkers) == 0 {
		t := time.NewTimer(sv.cfg.ReadyGrace)
		defer t.Stop()
		readyC = t.C
	} else {
		t := time.NewTimer(sv.cfg.ReadyTimeout)
		defer t.Stop()
		readyC = t.C
	}

	var failure string
	lines := s.proc.Lines()
	done := s.proc.Done()
	for lines != nil || done != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			sv.logger.Debug().Str("device", s.deviceID).Msg(line)
			if failure == "" && containsAny(line, sv.cfg.FailureMarkers) {
				failure = strings.TrimSpace(line)
			}
			if containsAny(line, sv.cfg.ReadyMarkers) {
				sv.markRunning(s, "ready marker")
			}
		case <-readyC:
			readyC = nil
			if len(sv.cfg.ReadyMarkers) > 0 {
				sv.logger.Warn().Str("device", s.deviceID).Dur("timeout", sv.cfg.ReadyTimeout).Msg("No ready marker seen, assuming session is running")
			}
			sv.markRunning(s, "ready grace")
		case <-done:
			done = nil
		}
	}

	exit, _ := s.proc.Wait(context.Background())
	sv.finish(s, sv.terminalStatus(s, exit, failure))
}

func (sv *Supervisor) terminalStatus(s *session, exit runner.ExitStatus, failure string) types.SessionStatus {
	s.mu.Lock()
	cause := s.stopCause
	s.mu.Unlock()

	switch cause {
	case stopRequested:
		return types.SessionStatus{Phase: types.SessionExited, ExitCode: exit.Code, Reason: "stopped"}
	case stopDeviceLost:
		return types.SessionStatus{Phase: types.SessionCrashed, ExitCode: exit.Code, Reason: "device lost"}
	}

	if exit.Success() {
		return types.SessionStatus{Phase: types.SessionExited, ExitCode: 0}
	}
	reason := failure
	if reason == "" {
		reason = lastLine(s.proc.Tail())
	}
	if reason == "" {
		reason = fmt.Sprintf("exit status %d", exit.Code)
	}
	return types.SessionStatus{Phase: types.SessionCrashed, ExitCode: exit.Code, Reason: reason}
}

func (sv *Supervisor) markRunning(s *session, why string) {
	s.mu.Lock()
	if s.status.Phase != types.SessionStarting {
		s.mu.Unlock()
		return
	}
	s.status = types.SessionStatus{Phase: types.SessionRunning}
	st := s.status
	s.mu.Unlock()

	sv.logger.Info().Str("device", s.deviceID).Str("session", s.id).Str("via", why).Msg("Mirroring session running")
	sv.publish(s, st)
}

// terminate asks the process to exit and escalates to kill after StopGrace.
// Concurrent callers all wait for the same removal.
func (sv *Supervisor) terminate(ctx context.Context, s *session, cause stopCause) {
	s.mu.Lock()
	first := s.stopCause == stopNone && !s.status.Phase.Terminal()
	if first {
		s.stopCause = cause
		s.status = types.SessionStatus{Phase: types.SessionStopping}
	}
	st := s.status
	s.mu.Unlock()

	if first {
		sv.publish(s, st)
		sv.logger.Info().Str("device", s.deviceID).Str("session", s.id).Msg("Stopping mirroring session")
		if err := s.proc.Terminate(); err != nil {
			sv.logger.Debug().Err(err).Str("device", s.deviceID).Msg("Terminate failed")
		}
	}

	grace := time.NewTimer(sv.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-s.done:
		return
	case <-grace.C:
		sv.logger.Warn().Str("device", s.deviceID).Dur("grace", sv.cfg.StopGrace).Msg("Session ignored termination, killing")
	case <-ctx.Done():
	}

	_ = s.proc.Kill()
	select {
	case <-s.done:
	case <-time.After(sv.cfg.KillWait):
		// the process is unkillable; drop the entry so the device is usable again
		sv.logger.Error().Str("device", s.deviceID).Int("pid", s.proc.Pid()).Msg("Session did not exit after kill, abandoning process")
		sv.finish(s, types.SessionStatus{Phase: types.SessionCrashed, ExitCode: -1, Reason: "process abandoned"})
	}
}

// finish removes the entry and publishes the terminal status exactly once
func (sv *Supervisor) finish(s *session, st types.SessionStatus) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.status = st
		s.mu.Unlock()

		sv.mu.Lock()
		if sv.sessions[s.deviceID] == s {
			delete(sv.sessions, s.deviceID)
		}
		sv.mu.Unlock()

		if err := sv.reg.DetachSession(s.deviceID, s.id); err != nil {
			sv.logger.Debug().Err(err).Str("device", s.deviceID).Msg("Detach session")
		}

		ev := sv.logger.Info()
		if st.Phase == types.SessionCrashed {
			ev = sv.logger.Warn()
		}
		ev.Str("device", s.deviceID).Str("session", s.id).Str("status", st.String()).Msg("Mirroring session ended")

		sv.publish(s, st)
		close(s.done)
	})
}

// watchDevices stops sessions whose device is lost or removed
func (sv *Supervisor) watchDevices() {
	defer close(sv.watchDone)
	for ev := range sv.regSub.C() {
		lost := ev.Kind == registry.EventRemoved || (ev.Kind == registry.EventStateChanged && ev.Device.State.IsLost())
		if !lost {
			continue
		}
		s, err := sv.lookup(ev.Device.ID)
		if err != nil {
			continue
		}
		sv.logger.Warn().Str("device", s.deviceID).Str("session", s.id).Msg("Device lost, stopping session")
		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			sv.terminate(context.Background(), s, stopDeviceLost)
		}()
	}
}

func (sv *Supervisor) publish(s *session, st types.SessionStatus) {
	sv.hub.Publish(types.SessionEvent{SessionID: s.id, DeviceID: s.deviceID, Status: st, At: sv.now()})
}

type stopCause int

const (
	stopNone stopCause = iota
	stopRequested
	stopDeviceLost
)

type session struct {
	id        string
	deviceID  string
	config    types.MirrorConfig
	startedAt time.Time
	proc      runner.Process
	done      chan struct{}

	mu         sync.Mutex
	status     types.SessionStatus
	stopCause  stopCause
	finishOnce sync.Once
}

func (s *session) currentStatus() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := types.SessionInfo{
		ID:        s.id,
		DeviceID:  s.deviceID,
		Config:    s.config,
		StartedAt: s.startedAt,
		Status:    s.status,
	}
	if s.proc != nil {
		info.PID = s.proc.Pid()
	}
	return info
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
