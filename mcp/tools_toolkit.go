package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerToolkitTools registers one-shot device action tools
func (s *MCPServer) registerToolkitTools() {
	// toolkit_screenshot - Capture the screen
	s.server.AddTool(
		mcp.NewTool("toolkit_screenshot",
			mcp.WithDescription(`Capture the device screen and return it as a base64 PNG image.
Returns: base64 PNG image + text with the saved path`),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("save_path",
				mcp.Description("Keep the screenshot at this host path (optional)"),
			),
		),
		s.handleScreenshot,
	)

	// toolkit_record_start - Start screenrecord
	s.server.AddTool(
		mcp.NewTool("toolkit_record_start",
			mcp.WithDescription("Start recording the device screen with screenrecord. One recording per device."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("remote_path",
				mcp.Description("Device path of the video (default: /sdcard/droidview_<time>.mp4)"),
			),
			mcp.WithNumber("bit_rate",
				mcp.Description("Video bit rate in Mbps"),
			),
			mcp.WithNumber("time_limit",
				mcp.Description("Stop automatically after this many seconds (max 180)"),
			),
		),
		s.handleRecordStart,
	)

	// toolkit_record_stop - Stop screenrecord
	s.server.AddTool(
		mcp.NewTool("toolkit_record_stop",
			mcp.WithDescription("Stop the running screen recording and optionally pull the video to the host"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("save_path",
				mcp.Description("Pull the video to this host path (optional)"),
			),
		),
		s.handleRecordStop,
	)

	// toolkit_install - Install an APK
	s.server.AddTool(
		mcp.NewTool("toolkit_install",
			mcp.WithDescription("Install (or reinstall) an APK from the host"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("apk_path",
				mcp.Required(),
				mcp.Description("Host path of the APK"),
			),
		),
		s.handleInstall,
	)

	// toolkit_push - Copy a host file to the device
	s.server.AddTool(
		mcp.NewTool("toolkit_push",
			mcp.WithDescription("Copy a file from the host to the device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("local_path",
				mcp.Required(),
				mcp.Description("Host file"),
			),
			mcp.WithString("remote_path",
				mcp.Required(),
				mcp.Description("Device destination, e.g. /sdcard/Download/file.txt"),
			),
		),
		s.handlePush,
	)

	// toolkit_pull - Copy a device file to the host
	s.server.AddTool(
		mcp.NewTool("toolkit_pull",
			mcp.WithDescription("Copy a file from the device to the host"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("remote_path",
				mcp.Required(),
				mcp.Description("Device file"),
			),
			mcp.WithString("local_path",
				mcp.Required(),
				mcp.Description("Host destination"),
			),
		),
		s.handlePull,
	)
}

// runAction dispatches a and turns refusals and device loss into tool errors
func (s *MCPServer) runAction(ctx context.Context, deviceID string, a toolkit.Action) (toolkit.Result, *mcp.CallToolResult, error) {
	res, err := s.app.RunAction(ctx, deviceID, a)
	if err == nil {
		return res, nil, nil
	}
	var lost *types.DeviceLostError
	if types.IsRejected(err, "") || errors.As(err, &lost) {
		return res, rejectedResult(err), nil
	}
	return res, nil, fmt.Errorf("%s failed: %w", a.Kind, err)
}

func (s *MCPServer) handleScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	dest := optString(args, "save_path")
	keep := dest != ""
	if !keep {
		dest = filepath.Join(os.TempDir(), fmt.Sprintf("droidview_screenshot_%s.png", time.Now().Format("20060102_150405.000")))
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindScreenshot, Dest: dest})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	if !keep {
		defer os.Remove(res.Path)
	}

	imageData, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}

	textInfo := fmt.Sprintf("Screenshot captured for device %s", deviceID)
	if keep {
		textInfo += fmt.Sprintf("\nSaved to: %s", res.Path)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewImageContent(base64.StdEncoding.EncodeToString(imageData), "image/png"),
			mcp.NewTextContent(textInfo),
		},
	}, nil
}

func (s *MCPServer) handleRecordStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	a := toolkit.Action{
		Kind:      toolkit.KindRecordStart,
		Remote:    optString(args, "remote_path"),
		TimeLimit: optInt(args, "time_limit"),
	}
	if mbps, ok := args["bit_rate"].(float64); ok {
		a.BitRate = int(mbps * 1000000)
	}

	res, toolErr, err := s.runAction(ctx, deviceID, a)
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Started recording device %s to %s", deviceID, res.Path)), nil
}

func (s *MCPServer) handleRecordStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindRecordStop, Dest: optString(args, "save_path")})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Stopped recording device %s (%s)\nVideo: %s", deviceID, res.Output, res.Path)), nil
}

func (s *MCPServer) handleInstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	apk, err := requireString(args, "apk_path")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindInstall, Source: apk})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Installed %s on %s in %s", filepath.Base(apk), deviceID, res.Duration().Round(time.Millisecond))), nil
}

func (s *MCPServer) handlePush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	local, err := requireString(args, "local_path")
	if err != nil {
		return nil, err
	}
	remote, err := requireString(args, "remote_path")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindPush, Source: local, Remote: remote})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Pushed %s to %s:%s\n%s", local, deviceID, res.Path, res.Output)), nil
}

func (s *MCPServer) handlePull(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	remote, err := requireString(args, "remote_path")
	if err != nil {
		return nil, err
	}
	local, err := requireString(args, "local_path")
	if err != nil {
		return nil, err
	}

	res, toolErr, err := s.runAction(ctx, deviceID, toolkit.Action{Kind: toolkit.KindPull, Remote: remote, Dest: local})
	if toolErr != nil || err != nil {
		return toolErr, err
	}
	return textResult(fmt.Sprintf("Pulled %s:%s to %s\n%s", deviceID, remote, res.Path, res.Output)), nil
}
