package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups for unknown devices, sessions or attempts
var ErrNotFound = errors.New("not found")

// SpawnError means the external binary could not be started. It is never retried.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means a step exceeded its deadline
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ProtocolError means tool output could not be parsed into the expected shape
type ProtocolError struct {
	Op   string
	Line string
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("%s: %s: %q", e.Op, e.Msg, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Rejection reasons shared by the supervisor, the dispatcher and the pairing machine
const (
	RejectAlreadyRunning     = "already running"
	RejectNotConnected       = "device not connected"
	RejectPairingInProgress  = "pairing already in progress"
	RejectNoActiveRecording  = "no active recording"
	RejectRecordingActive    = "recording already active"
	RejectInvalidRequest     = "invalid request"
	RejectDispatcherShutdown = "dispatcher closed"
)

// RejectedError is an invariant violation refused synchronously with no side effects
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
	}
	return "rejected: " + e.Reason
}

func Rejected(reason string) error {
	return &RejectedError{Reason: reason}
}

func Rejectedf(reason, format string, args ...interface{}) error {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DeviceLostError means the device disappeared while an operation was in flight
type DeviceLostError struct {
	DeviceID string
}

func (e *DeviceLostError) Error() string {
	return fmt.Sprintf("device %s lost", e.DeviceID)
}

// IsRejected reports whether err is a RejectedError with the given reason (any reason when empty)
func IsRejected(err error, reason string) bool {
	var re *RejectedError
	if !errors.As(err, &re) {
		return false
	}
	return reason == "" || re.Reason == reason
}
