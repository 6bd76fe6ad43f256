package types

import (
	"fmt"
	"time"
)

// SessionPhase is the lifecycle phase of a mirroring session
type SessionPhase string

const (
	SessionStarting SessionPhase = "starting"
	SessionRunning  SessionPhase = "running"
	SessionStopping SessionPhase = "stopping"
	SessionExited   SessionPhase = "exited"
	SessionCrashed  SessionPhase = "crashed"
)

// Terminal reports whether the phase ends the session
func (p SessionPhase) Terminal() bool {
	return p == SessionExited || p == SessionCrashed
}

// SessionStatus is a phase plus the exit code / crash reason once terminal
type SessionStatus struct {
	Phase    SessionPhase `json:"phase"`
	ExitCode int          `json:"exitCode,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

func (s SessionStatus) String() string {
	switch s.Phase {
	case SessionExited:
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	case SessionCrashed:
		if s.Reason != "" {
			return fmt.Sprintf("crashed(%s)", s.Reason)
		}
		return "crashed"
	default:
		return string(s.Phase)
	}
}

// MirrorConfig is the launch configuration of a mirroring session
type MirrorConfig struct {
	BitRate       string   `json:"bitRate,omitempty" yaml:"bit_rate"` // e.g. "8M"
	MaxSize       int      `json:"maxSize,omitempty" yaml:"max_size"`
	MaxFps        int      `json:"maxFps,omitempty" yaml:"max_fps"`
	Orientation   string   `json:"orientation,omitempty" yaml:"orientation"` // capture orientation lock, e.g. "@90"
	ShowTouches   bool     `json:"showTouches,omitempty" yaml:"show_touches"`
	TurnScreenOff bool     `json:"turnScreenOff,omitempty" yaml:"turn_screen_off"`
	StayAwake     bool     `json:"stayAwake,omitempty" yaml:"stay_awake"`
	Fullscreen    bool     `json:"fullscreen,omitempty" yaml:"fullscreen"`
	AlwaysOnTop   bool     `json:"alwaysOnTop,omitempty" yaml:"always_on_top"`
	Borderless    bool     `json:"borderless,omitempty" yaml:"borderless"`
	NoAudio       bool     `json:"noAudio,omitempty" yaml:"no_audio"`
	ReadOnly      bool     `json:"readOnly,omitempty" yaml:"read_only"`
	RecordPath    string   `json:"recordPath,omitempty" yaml:"record_path"`
	WindowTitle   string   `json:"windowTitle,omitempty" yaml:"window_title"`
	ExtraArgs     []string `json:"extraArgs,omitempty" yaml:"extra_args"`
	// Off names boolean options (by yaml key) a request turns off even when
	// the defaults turn them on. Merging consumes it.
	Off []string `json:"off,omitempty" yaml:"-"`
}

// SessionInfo is the externally visible view of a mirroring session
type SessionInfo struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"deviceId"`
	Config    MirrorConfig  `json:"config"`
	StartedAt time.Time     `json:"startedAt"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid,omitempty"`
}

// SessionEvent is one lifecycle transition reported by the session supervisor
type SessionEvent struct {
	SessionID string        `json:"sessionId"`
	DeviceID  string        `json:"deviceId"`
	Status    SessionStatus `json:"status"`
	At        time.Time     `json:"at"`
}
