// Package mcp exposes the DroidView orchestrator as MCP (Model Context Protocol)
// tools so AI clients can list devices, pair, mirror and run device actions.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"DroidView/pkg/discovery"
	"DroidView/pkg/pairing"
	"DroidView/pkg/store"
	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Orchestrator is what the MCP server needs from the daemon. It keeps the tool
// layer independent of how the components are wired.
type Orchestrator interface {
	// Devices
	ListDevices() []types.Device
	GetDevice(deviceID string) (types.Device, error)
	DiscoveryHealth() discovery.Health
	RestartBridge(ctx context.Context) error
	ConnectDevice(ctx context.Context, address string) (types.Device, error)
	DisconnectDevice(ctx context.Context, address string) error

	// Pairing
	StartPairing(req pairing.Request) (pairing.Info, error)
	SubmitPairingCode(address, code string) error
	CancelPairing(address string) error
	PairingStatus(address string) (pairing.Info, error)

	// Mirroring sessions
	StartSession(ctx context.Context, deviceID string, cfg types.MirrorConfig) (types.SessionInfo, error)
	StopSession(ctx context.Context, deviceID string) error
	SessionStatus(deviceID string) (types.SessionInfo, error)
	ListSessions() []types.SessionInfo
	SessionHistory(deviceID string, limit int) ([]store.SessionRecord, error)
	SessionEvents(sessionID string) ([]types.SessionEvent, error)

	// Toolkit
	RunAction(ctx context.Context, deviceID string, a toolkit.Action) (toolkit.Result, error)
	IsRecording(deviceID string) bool
	ActionHistory(q store.ActionQuery) ([]store.ActionRecord, error)

	Version() string
}

// MCPServer wraps the MCP server and routes tool calls to the orchestrator
type MCPServer struct {
	app       Orchestrator
	server    *server.MCPServer
	stdio     *server.StdioServer
	logger    zerolog.Logger
	mu        sync.Mutex
	isRunning bool
}

func NewMCPServer(app Orchestrator, logger zerolog.Logger) *MCPServer {
	mcpServer := server.NewMCPServer(
		"droidview",
		app.Version(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithElicitation(),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
		logger: logger,
	}
	s.registerTools()
	s.registerResources()
	return s
}

func (s *MCPServer) registerTools() {
	s.registerDeviceTools()
	s.registerPairingTools()
	s.registerSessionTools()
	s.registerToolkitTools()
	s.registerMaintenanceTools()
}

func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"droidview://devices",
			"Known Android devices",
			mcp.WithMIMEType("application/json"),
		),
		s.handleDevicesResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"droidview://devices/{deviceId}",
			"Device details",
		),
		s.handleDeviceResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"droidview://sessions",
			"Active mirroring sessions",
			mcp.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)
}

// Serve runs the server over stdin/stdout until ctx ends or stdin closes
func (s *MCPServer) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

func (s *MCPServer) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.stdio = server.NewStdioServer(s.server)
	stdio := s.stdio
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	s.logger.Info().Str("version", s.app.Version()).Msg("MCP server started on stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("MCP server error")
		return err
	}
	s.logger.Info().Msg("MCP server stopped")
	return nil
}

func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// requestConfirmation asks the client to confirm an operation that disrupts running work
func (s *MCPServer) requestConfirmation(ctx context.Context, operation, details string) (bool, error) {
	elicitationRequest := mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: fmt.Sprintf("Disruptive operation: %s\n\nDetails: %s\n\nDo you want to proceed?", operation, details),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm to proceed with this operation",
					},
				},
				"required": []string{"confirm"},
			},
		},
	}

	result, err := s.server.RequestElicitation(ctx, elicitationRequest)
	if err != nil {
		return false, fmt.Errorf("failed to request confirmation: %w", err)
	}
	if result.Action != mcp.ElicitationResponseActionAccept {
		return false, nil
	}

	data, ok := result.Content.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected response format")
	}
	confirm, ok := data["confirm"].(bool)
	if !ok {
		return false, fmt.Errorf("invalid confirmation response")
	}
	return confirm, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

// textWithJSON appends a JSON rendering of v for structured access
func textWithJSON(text string, v any) *mcp.CallToolResult {
	jsonData, _ := json.MarshalIndent(v, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}
}

// rejectedResult reports a refused request as a tool-level error the client can read
func rejectedResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(err.Error())},
		IsError: true,
	}
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func optInt(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func optBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}
