package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

func hasImageContent(result *mcp.CallToolResult) bool {
	if result == nil {
		return false
	}
	for _, c := range result.Content {
		if _, ok := c.(mcp.ImageContent); ok {
			return true
		}
	}
	return false
}

// ==================== toolkit_screenshot ====================

func TestHandleScreenshot_Temp(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.ScreenshotData = []byte("\x89PNG\r\n\x1a\nfake")
	server := newTestServer(mock)

	result, err := server.handleScreenshot(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !hasImageContent(result) {
		t.Error("Result should contain image content")
	}

	a := mock.GetLastCallByMethod("RunAction").Args[1].(toolkit.Action)
	if a.Kind != toolkit.KindScreenshot {
		t.Errorf("Expected screenshot action, got %s", a.Kind)
	}
	if _, err := os.Stat(a.Dest); !os.IsNotExist(err) {
		t.Error("Temporary screenshot should be removed")
	}
}

func TestHandleScreenshot_SavePath(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.ScreenshotData = []byte("\x89PNG\r\n\x1a\nfake")
	server := newTestServer(mock)

	savePath := filepath.Join(t.TempDir(), "shot.png")
	result, err := server.handleScreenshot(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
		"save_path": savePath,
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := os.Stat(savePath); err != nil {
		t.Errorf("Screenshot should be kept at %s: %v", savePath, err)
	}
	found := false
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok && strings.Contains(tc.Text, savePath) {
			found = true
		}
	}
	if !found {
		t.Error("Result should mention the saved path")
	}
}

func TestHandleScreenshot_NotConnected(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.RunActionError = types.Rejected(types.RejectNotConnected)
	server := newTestServer(mock)

	result, err := server.handleScreenshot(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
	}))
	if err != nil {
		t.Fatalf("Rejections should be tool errors, got: %v", err)
	}
	if !result.IsError || !strings.Contains(getTextContent(result), "not connected") {
		t.Errorf("Expected not connected, got: %s", getTextContent(result))
	}
}

// ==================== recording ====================

func TestHandleRecordStart(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.RunActionResult = toolkit.Result{Path: "/sdcard/rec.mp4"}
	server := newTestServer(mock)

	result, err := server.handleRecordStart(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":  "device1",
		"bit_rate":   float64(4),
		"time_limit": float64(60),
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "/sdcard/rec.mp4") {
		t.Errorf("Unexpected result: %s", getTextContent(result))
	}
	a := mock.GetLastCallByMethod("RunAction").Args[1].(toolkit.Action)
	if a.Kind != toolkit.KindRecordStart || a.BitRate != 4000000 || a.TimeLimit != 60 {
		t.Errorf("Unexpected action: %+v", a)
	}
}

func TestHandleRecordStop_NoRecording(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.RunActionError = types.Rejected(types.RejectNoActiveRecording)
	server := newTestServer(mock)

	result, err := server.handleRecordStop(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(getTextContent(result), "no active recording") {
		t.Errorf("Expected no active recording, got: %s", getTextContent(result))
	}
}

// ==================== install / push / pull ====================

func TestHandleInstall(t *testing.T) {
	mock := NewMockOrchestrator()
	server := newTestServer(mock)

	if _, err := server.handleInstall(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
	})); err == nil || !strings.Contains(err.Error(), "apk_path") {
		t.Errorf("Expected apk_path error, got: %v", err)
	}

	result, err := server.handleInstall(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
		"apk_path":  "/tmp/app.apk",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "app.apk") {
		t.Errorf("Unexpected result: %s", getTextContent(result))
	}
}

func TestHandleInstall_Failure(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.RunActionError = errors.New("install app.apk failed: Failure [INSTALL_FAILED_VERSION_DOWNGRADE]")
	server := newTestServer(mock)

	_, err := server.handleInstall(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "device1",
		"apk_path":  "/tmp/app.apk",
	}))
	if err == nil || !strings.Contains(err.Error(), "INSTALL_FAILED") {
		t.Errorf("Expected install failure, got: %v", err)
	}
}

func TestHandlePushPull(t *testing.T) {
	mock := NewMockOrchestrator()
	server := newTestServer(mock)

	if _, err := server.handlePush(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":  "device1",
		"local_path": "/tmp/a.txt",
	})); err == nil {
		t.Error("Expected remote_path error")
	}

	if _, err := server.handlePush(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":   "device1",
		"local_path":  "/tmp/a.txt",
		"remote_path": "/sdcard/a.txt",
	})); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	push := mock.GetLastCallByMethod("RunAction").Args[1].(toolkit.Action)
	if push.Kind != toolkit.KindPush || push.Source != "/tmp/a.txt" || push.Remote != "/sdcard/a.txt" {
		t.Errorf("Unexpected push: %+v", push)
	}

	if _, err := server.handlePull(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":   "device1",
		"remote_path": "/sdcard/a.txt",
		"local_path":  "/tmp/b.txt",
	})); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	pull := mock.GetLastCallByMethod("RunAction").Args[1].(toolkit.Action)
	if pull.Kind != toolkit.KindPull || pull.Remote != "/sdcard/a.txt" || pull.Dest != "/tmp/b.txt" {
		t.Errorf("Unexpected pull: %+v", pull)
	}
}

func TestHandlePush_DeviceLost(t *testing.T) {
	mock := NewMockOrchestrator()
	mock.RunActionError = &types.DeviceLostError{DeviceID: "device1"}
	server := newTestServer(mock)

	result, err := server.handlePush(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":   "device1",
		"local_path":  "/tmp/a.txt",
		"remote_path": "/sdcard/a.txt",
	}))
	if err != nil {
		t.Fatalf("Device loss should be a tool error, got: %v", err)
	}
	if !result.IsError || !strings.Contains(getTextContent(result), "lost") {
		t.Errorf("Expected device lost, got: %s", getTextContent(result))
	}
}
