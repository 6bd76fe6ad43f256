package pairing

import (
	"context"
	"net"
	"strconv"
	"strings"

	"DroidView/pkg/types"
)

// Connect attaches a device that already accepts adb over TCP, e.g. after
// `adb tcpip` on USB or an earlier pairing. A bare host gets the connect port.
// It returns the address the device will be registered under.
func (m *Machine) Connect(ctx context.Context, address string) (string, error) {
	addr, err := m.normalizeConnect(address)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", types.Rejectedf(types.RejectDispatcherShutdown, "pairing machine closed")
	}
	for _, a := range m.attempts {
		if a.Info().ConnectAddress == addr {
			m.mu.Unlock()
			return "", types.Rejectedf(types.RejectPairingInProgress, "address %s", addr)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("address", addr).Msg("Connecting")
	err = m.step(ctx, StepVerifying, func(stepCtx context.Context) error {
		return m.bridge.Connect(stepCtx, addr)
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("address", addr).Msg("Connect failed")
		return addr, err
	}
	return addr, nil
}

// Disconnect detaches a TCP device; an address adb does not know is not an error
func (m *Machine) Disconnect(ctx context.Context, address string) (string, error) {
	addr, err := m.normalizeConnect(address)
	if err != nil {
		return "", err
	}
	m.logger.Info().Str("address", addr).Msg("Disconnecting")
	return addr, m.step(ctx, StepVerifying, func(stepCtx context.Context) error {
		return m.bridge.Disconnect(stepCtx, addr)
	})
}

func (m *Machine) normalizeConnect(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", types.Rejectedf(types.RejectInvalidRequest, "address is required")
	}
	if err := types.ValidateDeviceID(address); err != nil {
		return "", types.Rejectedf(types.RejectInvalidRequest, "address: %v", err)
	}
	if _, port, err := net.SplitHostPort(address); err == nil {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return "", types.Rejectedf(types.RejectInvalidRequest, "invalid port %q", port)
		}
		return address, nil
	}
	return net.JoinHostPort(address, strconv.Itoa(m.cfg.ConnectPort)), nil
}
