package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeviceKind is the transport a device is reachable over
type DeviceKind string

const (
	KindUSB         DeviceKind = "usb"
	KindWirelessTCP DeviceKind = "wireless"
)

// Phase is the coarse connection state of a device
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhasePairing      Phase = "pairing"
	PhaseUnauthorized Phase = "unauthorized"
	PhaseError        Phase = "error"
)

// ReasonLost marks a device that vanished from discovery while it still owned a session
const ReasonLost = "lost"

// DeviceState is a connection phase plus an optional reason (only meaningful for PhaseError)
type DeviceState struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func StateOf(p Phase) DeviceState {
	return DeviceState{Phase: p}
}

func ErrorState(reason string) DeviceState {
	return DeviceState{Phase: PhaseError, Reason: reason}
}

func (s DeviceState) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return string(s.Phase)
}

// IsLost reports whether the state is Error("lost")
func (s DeviceState) IsLost() bool {
	return s.Phase == PhaseError && s.Reason == ReasonLost
}

// DeviceMetadata is fetched lazily once a device is Connected
type DeviceMetadata struct {
	Model      string `json:"model,omitempty"`
	APILevel   int    `json:"apiLevel,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Empty reports whether no metadata has been fetched yet
func (m DeviceMetadata) Empty() bool {
	return m.Model == "" && m.APILevel == 0 && m.Resolution == ""
}

// Device represents one Android endpoint known to the registry
type Device struct {
	ID       string         `json:"id"`
	Kind     DeviceKind     `json:"kind"`
	State    DeviceState    `json:"state"`
	Metadata DeviceMetadata `json:"metadata"`

	// SessionID is a display back-reference to the mirroring session, owned by the registry.
	SessionID string    `json:"sessionId,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SameAs compares the fields an upsert is allowed to change
func (d Device) SameAs(o Device) bool {
	return d.ID == o.ID && d.Kind == o.Kind && d.State == o.State && d.Metadata == o.Metadata
}

// deviceIDPattern accepts USB serials, ip:port and mDNS service names
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateDeviceID rejects ids that are empty, too long, or unsafe to pass on a command line
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	if strings.HasPrefix(deviceID, "-") {
		return fmt.Errorf("invalid device ID format: leading dash")
	}
	return nil
}
