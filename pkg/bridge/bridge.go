// Package bridge wraps the adb command line: building invocations and
// parsing their line-oriented output.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"DroidView/pkg/runner"
	"DroidView/pkg/types"

	"github.com/rs/zerolog"
)

// Markers are the output substrings that signal success. adb wording differs
// between platform-tools releases, so they are configurable.
type Markers struct {
	PairSuccess    []string `yaml:"pair_success"`
	ConnectSuccess []string `yaml:"connect_success"`
	InstallSuccess []string `yaml:"install_success"`
}

func DefaultMarkers() Markers {
	return Markers{
		PairSuccess:    []string{"Successfully paired"},
		ConnectSuccess: []string{"connected to", "already connected to"},
		InstallSuccess: []string{"Success"},
	}
}

type Config struct {
	ADBPath string
	Markers Markers
	Logger  zerolog.Logger
}

// Bridge issues adb commands through a runner.Runner
type Bridge struct {
	runner  runner.Runner
	adbPath string
	markers Markers
	logger  zerolog.Logger
}

func New(r runner.Runner, cfg Config) *Bridge {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	def := DefaultMarkers()
	if len(cfg.Markers.PairSuccess) == 0 {
		cfg.Markers.PairSuccess = def.PairSuccess
	}
	if len(cfg.Markers.ConnectSuccess) == 0 {
		cfg.Markers.ConnectSuccess = def.ConnectSuccess
	}
	if len(cfg.Markers.InstallSuccess) == 0 {
		cfg.Markers.InstallSuccess = def.InstallSuccess
	}
	return &Bridge{
		runner:  r,
		adbPath: cfg.ADBPath,
		markers: cfg.Markers,
		logger:  cfg.Logger,
	}
}

// Runner exposes the underlying runner for callers that hold long-lived processes
func (b *Bridge) Runner() runner.Runner { return b.runner }

// Command builds a host-level adb invocation
func (b *Bridge) Command(args ...string) runner.Command {
	return runner.Command{Name: b.adbPath, Args: args}
}

// DeviceCommand builds an adb invocation scoped to one device
func (b *Bridge) DeviceCommand(deviceID string, args ...string) runner.Command {
	return runner.Command{Name: b.adbPath, Args: append([]string{"-s", deviceID}, args...)}
}

// Run executes a short-lived command
func (b *Bridge) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	return runner.Run(ctx, b.runner, cmd)
}

// ListDevices runs `adb devices -l`
func (b *Bridge) ListDevices(ctx context.Context) ([]Entry, error) {
	res, err := b.Run(ctx, b.Command("devices", "-l"))
	if err != nil {
		return nil, err
	}
	return ParseDevices(res.Lines)
}

// Metadata reads model, API level and resolution of a connected device
func (b *Bridge) Metadata(ctx context.Context, deviceID string) (types.DeviceMetadata, error) {
	var meta types.DeviceMetadata

	res, err := b.Run(ctx, b.DeviceCommand(deviceID, "shell", "getprop"))
	if err != nil {
		return meta, err
	}
	props := ParseGetprop(res.Lines)
	if len(props) == 0 {
		return meta, &types.ProtocolError{Op: "getprop", Line: res.LastLine(), Msg: "no properties in output"}
	}
	meta.Model = props["ro.product.model"]
	if sdk, err := strconv.Atoi(props["ro.build.version.sdk"]); err == nil {
		meta.APILevel = sdk
	}

	res, err = b.Run(ctx, b.DeviceCommand(deviceID, "shell", "wm", "size"))
	if err != nil {
		b.logger.Debug().Err(err).Str("device", deviceID).Msg("wm size failed, resolution unknown")
		return meta, nil
	}
	meta.Resolution = ParseWmSize(res.Lines)
	return meta, nil
}

// Pair runs `adb pair <address> <code>`. adb may exit 0 on failure, so success is judged by marker.
func (b *Bridge) Pair(ctx context.Context, address, code string) error {
	res, err := b.Run(ctx, b.Command("pair", address, code))
	if err != nil && !isExitError(err) {
		return err
	}
	if matchAny(res.Lines, b.markers.PairSuccess) {
		return nil
	}
	return &CommandError{Op: "pair", Target: address, Reason: classifyFailure(res.Lines), Output: res.Output()}
}

// Connect runs `adb connect <address>`
func (b *Bridge) Connect(ctx context.Context, address string) error {
	res, err := b.Run(ctx, b.Command("connect", address))
	if err != nil && !isExitError(err) {
		return err
	}
	for _, line := range res.Lines {
		l := strings.TrimSpace(line)
		for _, m := range b.markers.ConnectSuccess {
			if strings.HasPrefix(l, m) {
				return nil
			}
		}
	}
	return &CommandError{Op: "connect", Target: address, Reason: classifyFailure(res.Lines), Output: res.Output()}
}

// Disconnect runs `adb disconnect <address>`; an unknown address is not an error
func (b *Bridge) Disconnect(ctx context.Context, address string) error {
	res, err := b.Run(ctx, b.Command("disconnect", address))
	if err != nil && !res.Contains("no such device") {
		return err
	}
	return nil
}

// MDNSServices runs `adb mdns services`
func (b *Bridge) MDNSServices(ctx context.Context) ([]Service, error) {
	res, err := b.Run(ctx, b.Command("mdns", "services"))
	if err != nil {
		return nil, err
	}
	return ParseMDNSServices(res.Lines), nil
}

// RestartServer restarts the adb server (kill-server then start-server)
func (b *Bridge) RestartServer(ctx context.Context) error {
	if _, err := b.Run(ctx, b.Command("kill-server")); err != nil {
		b.logger.Warn().Err(err).Msg("adb kill-server failed")
	}
	if _, err := b.Run(ctx, b.Command("start-server")); err != nil {
		return fmt.Errorf("adb start-server: %w", err)
	}
	return nil
}

// InstallSucceeded reports whether install or uninstall output carries the success marker
func (b *Bridge) InstallSucceeded(res runner.Result) bool {
	return matchAny(res.Lines, b.markers.InstallSuccess)
}

// CommandError is a bridge command that ran but reported failure
type CommandError struct {
	Op     string
	Target string
	Reason string
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("adb %s %s failed: %s", e.Op, e.Target, e.Reason)
}

func isExitError(err error) bool {
	var exitErr *runner.ExitError
	return errors.As(err, &exitErr)
}

func matchAny(lines []string, markers []string) bool {
	for _, line := range lines {
		for _, m := range markers {
			if m != "" && strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}

// classifyFailure maps adb's free-form failure text to a short reason
func classifyFailure(lines []string) string {
	text := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case strings.Contains(text, "connection refused"):
		return "connection refused"
	case strings.Contains(text, "no route to host"):
		return "no route to host"
	case strings.Contains(text, "timed out") || strings.Contains(text, "timeout"):
		return "timed out"
	case strings.Contains(text, "failed to authenticate"):
		return "unauthorized"
	case strings.Contains(text, "wrong password"):
		return "wrong pairing code"
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return strings.TrimPrefix(l, "Failed: ")
		}
	}
	return "no output"
}
