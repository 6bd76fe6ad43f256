package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidateDeviceID(t *testing.T) {
	valid := []string{"ABC123", "192.168.1.5:5555", "adb-R5CT-abc._adb-tls-connect._tcp"}
	for _, id := range valid {
		if err := ValidateDeviceID(id); err != nil {
			t.Errorf("%q should be valid: %v", id, err)
		}
	}

	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	invalid := []string{"", "-s", "abc;rm", "a b", string(long)}
	for _, id := range invalid {
		if err := ValidateDeviceID(id); err == nil {
			t.Errorf("%q should be rejected", id)
		}
	}
}

func TestStateStrings(t *testing.T) {
	if got := StateOf(PhaseConnected).String(); got != "connected" {
		t.Errorf("Expected connected, got %s", got)
	}
	lost := ErrorState(ReasonLost)
	if lost.String() != "error(lost)" || !lost.IsLost() {
		t.Errorf("Unexpected lost state: %s", lost)
	}
	if ErrorState("offline").IsLost() {
		t.Error("Only the lost reason counts as lost")
	}

	tests := []struct {
		status SessionStatus
		want   string
	}{
		{SessionStatus{Phase: SessionRunning}, "running"},
		{SessionStatus{Phase: SessionExited, ExitCode: 0}, "exited(0)"},
		{SessionStatus{Phase: SessionCrashed, Reason: "device lost"}, "crashed(device lost)"},
		{SessionStatus{Phase: SessionCrashed}, "crashed"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
	if SessionStopping.Terminal() || !SessionCrashed.Terminal() {
		t.Error("Terminal phases are exited and crashed only")
	}
}

func TestIsRejected(t *testing.T) {
	err := fmt.Errorf("start: %w", Rejectedf(RejectAlreadyRunning, "device %s", "ABC123"))
	if !IsRejected(err, RejectAlreadyRunning) || !IsRejected(err, "") {
		t.Errorf("Wrapped rejection not detected: %v", err)
	}
	if IsRejected(err, RejectNotConnected) {
		t.Error("Reason should be matched")
	}
	if IsRejected(errors.New("boom"), "") {
		t.Error("Plain errors are not rejections")
	}

	spawn := &SpawnError{Binary: "scrcpy", Err: ErrNotFound}
	if !errors.Is(spawn, ErrNotFound) {
		t.Error("SpawnError should unwrap its cause")
	}
}
