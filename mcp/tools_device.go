package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerDeviceTools registers device and discovery tools
func (s *MCPServer) registerDeviceTools() {
	// device_list - List known devices
	s.server.AddTool(
		mcp.NewTool("device_list",
			mcp.WithDescription("List all Android devices known to DroidView, with connection state and metadata"),
		),
		s.handleDeviceList,
	)

	// device_get - Get one device
	s.server.AddTool(
		mcp.NewTool("device_get",
			mcp.WithDescription("Get state, metadata and mirroring session of one device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID (USB serial or ip:port)"),
			),
		),
		s.handleDeviceGet,
	)

	// discovery_health - Poller health
	s.server.AddTool(
		mcp.NewTool("discovery_health",
			mcp.WithDescription("Report whether device discovery is healthy or degraded (adb not responding)"),
		),
		s.handleDiscoveryHealth,
	)

	// bridge_restart - Restart the adb server
	s.server.AddTool(
		mcp.NewTool("bridge_restart",
			mcp.WithDescription("Restart the adb server (kill-server then start-server). Running mirroring sessions and toolkit actions will lose their devices."),
			mcp.WithBoolean("force",
				mcp.Description("Skip the confirmation prompt (default: false)"),
			),
		),
		s.handleBridgeRestart,
	)

	// device_connect - adb connect without pairing
	s.server.AddTool(
		mcp.NewTool("device_connect",
			mcp.WithDescription("Connect to a device that already listens for adb over TCP (after toolkit_tcpip or an earlier pairing). No pairing code is needed."),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("host or host:port; the port defaults to 5555"),
			),
		),
		s.handleDeviceConnect,
	)

	// device_disconnect - adb disconnect
	s.server.AddTool(
		mcp.NewTool("device_disconnect",
			mcp.WithDescription("Disconnect a wireless device. Its mirroring session and toolkit actions end with device lost."),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("host:port of the device"),
			),
		),
		s.handleDeviceDisconnect,
	)
}

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.app.ListDevices()
	if len(devices) == 0 {
		return textResult("No devices found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Fprintf(&b, "%d. %s [%s] %s\n", i+1, d.ID, d.Kind, d.State)
		if !d.Metadata.Empty() {
			fmt.Fprintf(&b, "   Model: %s, API: %d, Resolution: %s\n", d.Metadata.Model, d.Metadata.APILevel, d.Metadata.Resolution)
		}
		if d.SessionID != "" {
			fmt.Fprintf(&b, "   Mirroring session: %s\n", d.SessionID)
		}
	}
	return textWithJSON(b.String(), devices), nil
}

func (s *MCPServer) handleDeviceGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	d, err := s.app.GetDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	result := fmt.Sprintf("Device: %s\n\n", d.ID)
	result += fmt.Sprintf("Kind: %s\n", d.Kind)
	result += fmt.Sprintf("State: %s\n", d.State)
	result += fmt.Sprintf("Model: %s\n", d.Metadata.Model)
	result += fmt.Sprintf("API Level: %d\n", d.Metadata.APILevel)
	result += fmt.Sprintf("Resolution: %s\n", d.Metadata.Resolution)
	if d.SessionID != "" {
		result += fmt.Sprintf("Session: %s\n", d.SessionID)
	}
	return textResult(result), nil
}

func (s *MCPServer) handleDiscoveryHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h := s.app.DiscoveryHealth()

	result := fmt.Sprintf("Discovery: %s\n", h.Status)
	if h.ConsecutiveFailures > 0 {
		result += fmt.Sprintf("Consecutive failures: %d\nLast error: %s\n", h.ConsecutiveFailures, h.LastError)
	}
	if !h.LastSuccess.IsZero() {
		result += fmt.Sprintf("Last successful poll: %s ago\n", time.Since(h.LastSuccess).Round(time.Second))
	}
	if h.SkippedTicks > 0 {
		result += fmt.Sprintf("Skipped ticks: %d\n", h.SkippedTicks)
	}
	return textWithJSON(result, h), nil
}

func (s *MCPServer) handleBridgeRestart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !optBool(request.GetArguments(), "force") {
		confirmed, err := s.requestConfirmation(ctx, "Restart adb server",
			fmt.Sprintf("%d active mirroring session(s) will lose their devices", len(s.app.ListSessions())))
		if err != nil {
			return nil, fmt.Errorf("%w (pass force=true to skip confirmation)", err)
		}
		if !confirmed {
			return textResult("adb server restart cancelled"), nil
		}
	}

	if err := s.app.RestartBridge(ctx); err != nil {
		return nil, fmt.Errorf("failed to restart adb server: %w", err)
	}
	return textResult("adb server restarted"), nil
}

func (s *MCPServer) handleDeviceConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := requireString(request.GetArguments(), "address")
	if err != nil {
		return nil, err
	}

	d, err := s.app.ConnectDevice(ctx, address)
	if err != nil {
		if types.IsRejected(err, "") {
			return rejectedResult(err), nil
		}
		return nil, fmt.Errorf("failed to connect %s: %w", address, err)
	}
	return textWithJSON(fmt.Sprintf("Connected %s (%s)", d.ID, d.State), d), nil
}

func (s *MCPServer) handleDeviceDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := requireString(request.GetArguments(), "address")
	if err != nil {
		return nil, err
	}

	if err := s.app.DisconnectDevice(ctx, address); err != nil {
		if types.IsRejected(err, "") {
			return rejectedResult(err), nil
		}
		return nil, fmt.Errorf("failed to disconnect %s: %w", address, err)
	}
	return textResult(fmt.Sprintf("Disconnected %s", address)), nil
}
