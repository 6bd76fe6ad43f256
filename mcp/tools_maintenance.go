package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"DroidView/pkg/store"
	"DroidView/pkg/toolkit"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerMaintenanceTools registers app management, power and device info tools
func (s *MCPServer) registerMaintenanceTools() {
	// toolkit_uninstall - Remove an app
	s.server.AddTool(
		mcp.NewTool("toolkit_uninstall",
			mcp.WithDescription("Uninstall an app by package name"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("package",
				mcp.Required(),
				mcp.Description("Package name, e.g. com.example.app"),
			),
			mcp.WithBoolean("keep_data",
				mcp.Description("Keep the app's data and cache directories (default: false)"),
			),
		),
		s.handleUninstall,
	)

	// toolkit_disable_app - pm disable-user
	s.server.AddTool(
		mcp.NewTool("toolkit_disable_app",
			mcp.WithDescription("Disable an app for the primary user without uninstalling it"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("package",
				mcp.Required(),
				mcp.Description("Package name"),
			),
		),
		s.handleDisableApp,
	)

	// toolkit_packages - pm list packages
	s.server.AddTool(
		mcp.NewTool("toolkit_packages",
			mcp.WithDescription("List installed packages"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithBoolean("third_party",
				mcp.Description("Only user-installed packages (default: false)"),
			),
		),
		s.handlePackages,
	)

	// toolkit_reboot - Reboot or power off
	s.server.AddTool(
		mcp.NewTool("toolkit_reboot",
			mcp.WithDescription("Reboot the device, optionally into recovery or the bootloader, or power it off. The device disappears until it boots again."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("mode",
				mcp.Description("recovery, bootloader or shutdown (default: normal reboot)"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Skip the confirmation prompt (default: false)"),
			),
		),
		s.handleReboot,
	)

	// toolkit_tcpip - Switch adbd to TCP
	s.server.AddTool(
		mcp.NewTool("toolkit_tcpip",
			mcp.WithDescription("Restart adbd on a USB device listening on a TCP port, so it can be reached with device_connect"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithNumber("port",
				mcp.Description("TCP port (default: 5555)"),
			),
		),
		s.handleTcpip,
	)

	// toolkit_battery - dumpsys battery
	s.server.AddTool(
		mcp.NewTool("toolkit_battery",
			mcp.WithDescription("Report battery level, status, temperature and power source"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
		),
		s.handleBattery,
	)

	// toolkit_display - wm size and density
	s.server.AddTool(
		mcp.NewTool("toolkit_display",
			mcp.WithDescription("Report screen resolution and density"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
		),
		s.handleDisplay,
	)

	// toolkit_history - Recorded actions
	s.server.AddTool(
		mcp.NewTool("toolkit_history",
			mcp.WithDescription("List recorded toolkit actions, newest first"),
			mcp.WithString("device_id",
				mcp.Description("Only actions on this device (optional)"),
			),
			mcp.WithString("kind",
				mcp.Description("Only this action kind, e.g. push or install (optional)"),
			),
			mcp.WithBoolean("failed_only",
				mcp.Description("Only actions that failed (default: false)"),
			),
			mcp.WithString("match",
				mcp.Description("Comma separated key=value filters on the action request, e.g. remote=/sdcard/a.txt,package=com.example.app"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of actions (default: 20)"),
			),
		),
		s.handleToolkitHistory,
	)
}

func (s *MCPServer) handleUninstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package")
	if err != nil {
		return nil, err
	}

	keep := optBool(args, "keep_data")
	_, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindUninstall, Package: pkg, KeepData: keep})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	result := fmt.Sprintf("Uninstalled %s from %s", pkg, deviceID)
	if keep {
		result += " (data kept)"
	}
	return textResult(result), nil
}

func (s *MCPServer) handleDisableApp(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package")
	if err != nil {
		return nil, err
	}

	_, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindDisableApp, Package: pkg})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Disabled %s on %s", pkg, deviceID)), nil
}

func (s *MCPServer) handlePackages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindPackages, ThirdParty: optBool(args, "third_party")})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	if len(res.Items) == 0 {
		return textResult(fmt.Sprintf("No packages found on %s", deviceID)), nil
	}
	result := fmt.Sprintf("Found %d package(s) on %s:\n\n%s\n", len(res.Items), deviceID, strings.Join(res.Items, "\n"))
	return textWithJSON(result, res.Items), nil
}

func (s *MCPServer) handleReboot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	mode := optString(args, "mode")

	target := "reboot"
	switch mode {
	case toolkit.RebootSystem:
	case toolkit.RebootShutdown:
		target = "power off"
	default:
		target = "reboot into " + mode
	}

	if !optBool(args, "force") {
		confirmed, err := s.requestConfirmation(ctx, fmt.Sprintf("%s %s", target, deviceID),
			"The mirroring session and running toolkit actions of this device will end")
		if err != nil {
			return nil, fmt.Errorf("%w (pass force=true to skip confirmation)", err)
		}
		if !confirmed {
			return textResult(target + " cancelled"), nil
		}
	}

	_, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindReboot, Mode: mode})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Sent %s to %s", target, deviceID)), nil
}

func (s *MCPServer) handleTcpip(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindTcpip, Port: optInt(args, "port")})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("adbd on %s now listens on TCP port %s\nConnect with device_connect using the device's Wi-Fi address", deviceID, res.Info["port"])), nil
}

func (s *MCPServer) handleBattery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.infoAction(ctx, request, toolkit.KindBattery, "Battery")
}

func (s *MCPServer) handleDisplay(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.infoAction(ctx, request, toolkit.KindDisplay, "Display")
}

// infoAction runs a read-only action and lists its fields in key order
func (s *MCPServer) infoAction(ctx context.Context, request mcp.CallToolRequest, kind toolkit.Kind, title string) (*mcp.CallToolResult, error) {
	deviceID, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: kind})
	if toolErr != nil || err != nil {
		return toolErr, err
	}

	keys := make([]string, 0, len(res.Info))
	for k := range res.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s:\n", title, deviceID)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, res.Info[k])
	}
	return textWithJSON(b.String(), res.Info), nil
}

func (s *MCPServer) handleToolkitHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	q := store.ActionQuery{
		DeviceID:   optString(args, "device_id"),
		Kind:       toolkit.Kind(optString(args, "kind")),
		FailedOnly: optBool(args, "failed_only"),
		Limit:      20,
	}
	if l := optInt(args, "limit"); l > 0 {
		q.Limit = l
	}
	if m := optString(args, "match"); m != "" {
		match, err := parseMatch(m)
		if err != nil {
			return nil, err
		}
		q.Match = match
	}

	records, err := s.app.ActionHistory(q)
	if err != nil {
		return nil, fmt.Errorf("failed to read action history: %w", err)
	}
	if len(records) == 0 {
		return textResult("No actions recorded"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d action(s):\n\n", len(records))
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Kind)
		if target := actionTarget(r); target != "" {
			fmt.Fprintf(&b, " %s", target)
		}
		fmt.Fprintf(&b, " on %s at %s", r.DeviceID, r.StartedAt.Format(time.RFC3339))
		if r.Error != "" {
			fmt.Fprintf(&b, ", failed: %s", r.Error)
		} else {
			fmt.Fprintf(&b, ", took %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	return textWithJSON(b.String(), records), nil
}

// actionTarget names what an action worked on, read from its stored request
func actionTarget(r store.ActionRecord) string {
	for _, key := range []string{"package", "remote", "source", "dest", "mode"} {
		if v := r.PayloadField(key); v != "" {
			return v
		}
	}
	return ""
}

func parseMatch(s string) (map[string]string, error) {
	match := make(map[string]string)
	for _, pair := range splitAndTrim(s) {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("match: expected key=value, got %q", pair)
		}
		match[k] = strings.TrimSpace(v)
	}
	return match, nil
}
