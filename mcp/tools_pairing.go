package mcp

import (
	"context"
	"fmt"

	"DroidView/pkg/pairing"
	"DroidView/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerPairingTools registers wireless debugging pairing tools
func (s *MCPServer) registerPairingTools() {
	// pair_start - Begin pairing
	s.server.AddTool(
		mcp.NewTool("pair_start",
			mcp.WithDescription(`Start pairing with a device over wireless debugging.
The address is the pairing endpoint shown in "Pair device with pairing code" (host:port),
or a bare host to look the endpoint up via mDNS.
If code is omitted the attempt waits in awaiting_code until pair_submit_code is called.`),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("Pairing address (e.g., 192.168.1.20:37123) or bare host"),
			),
			mcp.WithString("code",
				mcp.Description("6-digit pairing code (optional)"),
			),
			mcp.WithString("connect_address",
				mcp.Description("Address to connect to after pairing (default: host:5555 or the mDNS connect endpoint)"),
			),
		),
		s.handlePairStart,
	)

	// pair_submit_code - Provide the code for a waiting attempt
	s.server.AddTool(
		mcp.NewTool("pair_submit_code",
			mcp.WithDescription("Submit the 6-digit pairing code for an attempt in awaiting_code"),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("Address the attempt was started with"),
			),
			mcp.WithString("code",
				mcp.Required(),
				mcp.Description("6-digit pairing code"),
			),
		),
		s.handlePairSubmitCode,
	)

	// pair_cancel - Abort an attempt
	s.server.AddTool(
		mcp.NewTool("pair_cancel",
			mcp.WithDescription("Cancel a pairing attempt"),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("Address the attempt was started with"),
			),
		),
		s.handlePairCancel,
	)

	// pair_status - Inspect an attempt
	s.server.AddTool(
		mcp.NewTool("pair_status",
			mcp.WithDescription("Get the current step of a pairing attempt"),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("Address the attempt was started with"),
			),
		),
		s.handlePairStatus,
	)
}

func (s *MCPServer) handlePairStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	address, err := requireString(args, "address")
	if err != nil {
		return nil, err
	}

	info, err := s.app.StartPairing(pairing.Request{
		Address:        address,
		Code:           optString(args, "code"),
		ConnectAddress: optString(args, "connect_address"),
	})
	if err != nil {
		if types.IsRejected(err, "") {
			return rejectedResult(err), nil
		}
		return nil, fmt.Errorf("failed to start pairing: %w", err)
	}

	return textWithJSON(fmt.Sprintf("Pairing attempt %s started for %s (step: %s)", info.ID, info.Address, info.Step), info), nil
}

func (s *MCPServer) handlePairSubmitCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	address, err := requireString(args, "address")
	if err != nil {
		return nil, err
	}
	code, err := requireString(args, "code")
	if err != nil {
		return nil, err
	}

	if err := s.app.SubmitPairingCode(address, code); err != nil {
		if types.IsRejected(err, "") {
			return rejectedResult(err), nil
		}
		return nil, fmt.Errorf("failed to submit pairing code: %w", err)
	}
	return textResult(fmt.Sprintf("Pairing code submitted for %s", address)), nil
}

func (s *MCPServer) handlePairCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := requireString(request.GetArguments(), "address")
	if err != nil {
		return nil, err
	}

	if err := s.app.CancelPairing(address); err != nil {
		return nil, fmt.Errorf("failed to cancel pairing: %w", err)
	}
	return textResult(fmt.Sprintf("Pairing with %s cancelled", address)), nil
}

func (s *MCPServer) handlePairStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := requireString(request.GetArguments(), "address")
	if err != nil {
		return nil, err
	}

	info, err := s.app.PairingStatus(address)
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing status: %w", err)
	}

	text := fmt.Sprintf("Pairing %s: %s", info.Address, info.Step)
	if info.Reason != "" {
		text += fmt.Sprintf(" (%s)", info.Reason)
	}
	return textWithJSON(text, info), nil
}
