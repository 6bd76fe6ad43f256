package mcp

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"DroidView/pkg/discovery"
	"DroidView/pkg/pairing"
	"DroidView/pkg/store"
	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockOrchestrator is a mock implementation of Orchestrator for testing
type MockOrchestrator struct {
	mu    sync.Mutex
	Calls []MockCall

	// Devices
	Devices            []types.Device
	GetDeviceError     error
	Health             discovery.Health
	RestartBridgeError error
	ConnectResult      types.Device
	ConnectError       error
	DisconnectError    error

	// Pairing
	StartPairingResult  pairing.Info
	StartPairingError   error
	SubmitCodeError     error
	CancelPairingError  error
	PairingStatusResult pairing.Info
	PairingStatusError  error

	// Sessions
	StartSessionResult   types.SessionInfo
	StartSessionError    error
	StopSessionError     error
	Sessions             []types.SessionInfo
	SessionHistoryResult []store.SessionRecord
	SessionHistoryError  error
	// SessionEventsResult is keyed by session id
	SessionEventsResult  map[string][]types.SessionEvent

	// Toolkit
	RunActionResult toolkit.Result
	RunActionError  error
	// ScreenshotData is written to the destination of screenshot actions.
	ScreenshotData      []byte
	Recording           bool
	ActionHistoryResult []store.ActionRecord
	ActionHistoryError  error

	AppVersion string
}

func NewMockOrchestrator() *MockOrchestrator {
	return &MockOrchestrator{
		Calls:      make([]MockCall, 0),
		AppVersion: "1.0.0-test",
		Devices:    []types.Device{},
		Sessions:   []types.SessionInfo{},
		Health:     discovery.Health{Status: discovery.StatusHealthy},
	}
}

func (m *MockOrchestrator) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

func (m *MockOrchestrator) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

func (m *MockOrchestrator) WasMethodCalled(method string) bool {
	return m.GetLastCallByMethod(method) != nil
}

func (m *MockOrchestrator) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			call := m.Calls[i]
			return &call
		}
	}
	return nil
}

// ==================== Devices ====================

func (m *MockOrchestrator) ListDevices() []types.Device {
	m.recordCall("ListDevices")
	return m.Devices
}

func (m *MockOrchestrator) GetDevice(deviceID string) (types.Device, error) {
	m.recordCall("GetDevice", deviceID)
	if m.GetDeviceError != nil {
		return types.Device{}, m.GetDeviceError
	}
	for _, d := range m.Devices {
		if d.ID == deviceID {
			return d, nil
		}
	}
	return types.Device{}, ErrDeviceNotFound
}

func (m *MockOrchestrator) DiscoveryHealth() discovery.Health {
	m.recordCall("DiscoveryHealth")
	return m.Health
}

func (m *MockOrchestrator) RestartBridge(ctx context.Context) error {
	m.recordCall("RestartBridge")
	return m.RestartBridgeError
}

// ==================== Pairing ====================

func (m *MockOrchestrator) StartPairing(req pairing.Request) (pairing.Info, error) {
	m.recordCall("StartPairing", req)
	return m.StartPairingResult, m.StartPairingError
}

func (m *MockOrchestrator) SubmitPairingCode(address, code string) error {
	m.recordCall("SubmitPairingCode", address, code)
	return m.SubmitCodeError
}

func (m *MockOrchestrator) CancelPairing(address string) error {
	m.recordCall("CancelPairing", address)
	return m.CancelPairingError
}

func (m *MockOrchestrator) PairingStatus(address string) (pairing.Info, error) {
	m.recordCall("PairingStatus", address)
	return m.PairingStatusResult, m.PairingStatusError
}

func (m *MockOrchestrator) ConnectDevice(ctx context.Context, address string) (types.Device, error) {
	m.recordCall("ConnectDevice", address)
	return m.ConnectResult, m.ConnectError
}

func (m *MockOrchestrator) DisconnectDevice(ctx context.Context, address string) error {
	m.recordCall("DisconnectDevice", address)
	return m.DisconnectError
}

// ==================== Sessions ====================

func (m *MockOrchestrator) StartSession(ctx context.Context, deviceID string, cfg types.MirrorConfig) (types.SessionInfo, error) {
	m.recordCall("StartSession", deviceID, cfg)
	return m.StartSessionResult, m.StartSessionError
}

func (m *MockOrchestrator) StopSession(ctx context.Context, deviceID string) error {
	m.recordCall("StopSession", deviceID)
	return m.StopSessionError
}

func (m *MockOrchestrator) SessionStatus(deviceID string) (types.SessionInfo, error) {
	m.recordCall("SessionStatus", deviceID)
	for _, s := range m.Sessions {
		if s.DeviceID == deviceID {
			return s, nil
		}
	}
	return types.SessionInfo{}, ErrNoSession
}

func (m *MockOrchestrator) ListSessions() []types.SessionInfo {
	m.recordCall("ListSessions")
	return m.Sessions
}

func (m *MockOrchestrator) SessionHistory(deviceID string, limit int) ([]store.SessionRecord, error) {
	m.recordCall("SessionHistory", deviceID, limit)
	return m.SessionHistoryResult, m.SessionHistoryError
}

func (m *MockOrchestrator) SessionEvents(sessionID string) ([]types.SessionEvent, error) {
	m.recordCall("SessionEvents", sessionID)
	return m.SessionEventsResult[sessionID], nil
}

// ==================== Toolkit ====================

func (m *MockOrchestrator) RunAction(ctx context.Context, deviceID string, a toolkit.Action) (toolkit.Result, error) {
	m.recordCall("RunAction", deviceID, a)
	if m.RunActionError != nil {
		return toolkit.Result{}, m.RunActionError
	}
	res := m.RunActionResult
	res.DeviceID = deviceID
	res.Kind = a.Kind
	if res.StartedAt.IsZero() {
		res.StartedAt = time.Now()
		res.FinishedAt = res.StartedAt
	}
	switch a.Kind {
	case toolkit.KindScreenshot:
		if err := os.WriteFile(a.Dest, m.ScreenshotData, 0644); err != nil {
			return res, err
		}
		res.Path = a.Dest
	case toolkit.KindPull:
		res.Path = a.Dest
	case toolkit.KindPush:
		res.Path = a.Remote
	case toolkit.KindInstall:
		res.Path = a.Source
	}
	return res, nil
}

func (m *MockOrchestrator) IsRecording(deviceID string) bool {
	m.recordCall("IsRecording", deviceID)
	return m.Recording
}

func (m *MockOrchestrator) ActionHistory(q store.ActionQuery) ([]store.ActionRecord, error) {
	m.recordCall("ActionHistory", q)
	return m.ActionHistoryResult, m.ActionHistoryError
}

func (m *MockOrchestrator) Version() string {
	m.recordCall("Version")
	return m.AppVersion
}

// ==================== Fixtures ====================

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoSession      = errors.New("no session")
)

func SampleDevice(id string) types.Device {
	return types.Device{
		ID:    id,
		Kind:  types.KindUSB,
		State: types.StateOf(types.PhaseConnected),
		Metadata: types.DeviceMetadata{
			Model:      "Pixel 6",
			APILevel:   34,
			Resolution: "1080x2400",
		},
		FirstSeen: time.Unix(1700000000, 0),
		UpdatedAt: time.Unix(1700000000, 0),
	}
}

func SampleSession(deviceID string) types.SessionInfo {
	return types.SessionInfo{
		ID:        "session-" + deviceID,
		DeviceID:  deviceID,
		Config:    types.MirrorConfig{BitRate: "8M"},
		StartedAt: time.Now().Add(-time.Minute),
		Status:    types.SessionStatus{Phase: types.SessionRunning},
		PID:       4242,
	}
}
