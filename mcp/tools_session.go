package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// splitAndTrim splits a comma-separated string and trims whitespace
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

var mirrorFlags = []string{
	"show_touches", "turn_screen_off", "stay_awake", "fullscreen",
	"always_on_top", "borderless", "no_audio", "read_only",
}

// registerSessionTools registers scrcpy mirroring session tools
func (s *MCPServer) registerSessionTools() {
	// session_start - Start mirroring
	s.server.AddTool(
		mcp.NewTool("session_start",
			mcp.WithDescription(`Start a scrcpy mirroring session for a connected device.
At most one session runs per device. Unset options fall back to the configured defaults.

Examples:
  {"device_id": "ABC123"}
  {"device_id": "192.168.1.20:5555", "bit_rate": "4M", "max_size": 1024, "turn_screen_off": true}`),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("bit_rate",
				mcp.Description("Video bit rate, e.g. 8M"),
			),
			mcp.WithNumber("max_size",
				mcp.Description("Maximum video dimension in pixels"),
			),
			mcp.WithNumber("max_fps",
				mcp.Description("Maximum frame rate"),
			),
			mcp.WithString("orientation",
				mcp.Description("Capture orientation lock: 0, 90, 180, 270, optionally prefixed with @ or flip"),
			),
			mcp.WithBoolean("show_touches", mcp.Description("Show touches on the device")),
			mcp.WithBoolean("turn_screen_off", mcp.Description("Turn the device screen off while mirroring")),
			mcp.WithBoolean("stay_awake", mcp.Description("Keep the device awake")),
			mcp.WithBoolean("fullscreen", mcp.Description("Start in fullscreen")),
			mcp.WithBoolean("always_on_top", mcp.Description("Keep the window above others")),
			mcp.WithBoolean("borderless", mcp.Description("Borderless window")),
			mcp.WithBoolean("no_audio", mcp.Description("Disable audio forwarding")),
			mcp.WithBoolean("read_only", mcp.Description("Mirror only, no input control")),
			mcp.WithString("record_path",
				mcp.Description("Also record the mirrored stream to this host file"),
			),
			mcp.WithString("window_title",
				mcp.Description("Window title (default: DroidView - <device>)"),
			),
			mcp.WithString("extra_args",
				mcp.Description("Additional scrcpy arguments, comma-separated"),
			),
		),
		s.handleSessionStart,
	)

	// session_stop - Stop mirroring
	s.server.AddTool(
		mcp.NewTool("session_stop",
			mcp.WithDescription("Stop the mirroring session of a device and wait for it to exit"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
		),
		s.handleSessionStop,
	)

	// session_status - Session of one device
	s.server.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Get the mirroring session status of a device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
		),
		s.handleSessionStatus,
	)

	// session_list - Active sessions
	s.server.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List active mirroring sessions"),
		),
		s.handleSessionList,
	)

	// session_history - Finished and running sessions from the history store
	s.server.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("List recorded mirroring sessions, newest first, including how they ended"),
			mcp.WithString("device_id",
				mcp.Description("Only sessions of this device (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of sessions (default: 20)"),
			),
		),
		s.handleSessionHistory,
	)
}

func (s *MCPServer) handleSessionStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	cfg := types.MirrorConfig{
		BitRate:       optString(args, "bit_rate"),
		MaxSize:       optInt(args, "max_size"),
		MaxFps:        optInt(args, "max_fps"),
		Orientation:   optString(args, "orientation"),
		ShowTouches:   optBool(args, "show_touches"),
		TurnScreenOff: optBool(args, "turn_screen_off"),
		StayAwake:     optBool(args, "stay_awake"),
		Fullscreen:    optBool(args, "fullscreen"),
		AlwaysOnTop:   optBool(args, "always_on_top"),
		Borderless:    optBool(args, "borderless"),
		NoAudio:       optBool(args, "no_audio"),
		ReadOnly:      optBool(args, "read_only"),
		RecordPath:    optString(args, "record_path"),
		WindowTitle:   optString(args, "window_title"),
	}
	if extra := optString(args, "extra_args"); extra != "" {
		cfg.ExtraArgs = splitAndTrim(extra)
	}
	// an explicit false overrides a default that turns the option on
	for _, key := range mirrorFlags {
		if v, ok := args[key].(bool); ok && !v {
			cfg.Off = append(cfg.Off, key)
		}
	}

	info, err := s.app.StartSession(ctx, deviceID, cfg)
	if err != nil {
		var spawnErr *types.SpawnError
		if types.IsRejected(err, "") || errors.As(err, &spawnErr) {
			return rejectedResult(err), nil
		}
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	return textWithJSON(fmt.Sprintf("Mirroring session %s started for %s (pid %d, %s)", info.ID, deviceID, info.PID, info.Status), info), nil
}

func (s *MCPServer) handleSessionStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	if err := s.app.StopSession(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}
	return textResult(fmt.Sprintf("Mirroring session for %s stopped", deviceID)), nil
}

func (s *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	info, err := s.app.SessionStatus(deviceID)
	if err != nil {
		return textResult(fmt.Sprintf("No mirroring session for %s", deviceID)), nil
	}
	uptime := time.Since(info.StartedAt).Round(time.Second)
	return textWithJSON(fmt.Sprintf("Session %s on %s: %s (up %s)", info.ID, deviceID, info.Status, uptime), info), nil
}

func (s *MCPServer) handleSessionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.app.ListSessions()
	if len(sessions) == 0 {
		return textResult("No active sessions"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d active session(s):\n\n", len(sessions))
	for i, info := range sessions {
		fmt.Fprintf(&b, "%d. %s on %s: %s\n", i+1, info.ID, info.DeviceID, info.Status)
	}
	return textWithJSON(b.String(), sessions), nil
}

func (s *MCPServer) handleSessionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID := optString(args, "device_id")
	limit := 20
	if l := optInt(args, "limit"); l > 0 {
		limit = l
	}

	records, err := s.app.SessionHistory(deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	if len(records) == 0 {
		return textResult("No sessions recorded"), nil
	}

	var b strings.Builder
	if len(records) >= limit {
		fmt.Fprintf(&b, "Found %d session(s) (limit: %d, may have more):\n\n", len(records), limit)
	} else {
		fmt.Fprintf(&b, "Found %d session(s):\n\n", len(records))
	}
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s on %s: %s, started %s", i+1, r.ID, r.DeviceID, r.Status, r.StartedAt.Format(time.RFC3339))
		if !r.EndedAt.IsZero() {
			fmt.Fprintf(&b, ", ran %s", r.EndedAt.Sub(r.StartedAt).Round(time.Second))
		}
		b.WriteString("\n")

		events, err := s.app.SessionEvents(r.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read events of %s: %w", r.ID, err)
		}
		for _, ev := range events {
			fmt.Fprintf(&b, "   %s %s\n", ev.At.Format("15:04:05.000"), ev.Status)
		}
	}
	return textWithJSON(b.String(), records), nil
}
