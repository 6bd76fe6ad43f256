package bridge

import (
	"context"
	"errors"
	"testing"

	"DroidView/pkg/runner"
	"DroidView/pkg/runner/runnertest"
	"DroidView/pkg/types"

	"github.com/rs/zerolog"
)

const devicesOutput = `* daemon not running; starting now at tcp:5037
* daemon started successfully
List of devices attached
ABC123                 device usb:1-1 product:sunfish model:Pixel_4a device:sunfish transport_id:1
192.168.1.5:5555       device product:oriole model:Pixel_6 device:oriole transport_id:3
adb-XYZ-abc._adb-tls-connect._tcp device product:oriole model:Pixel_6 device:oriole transport_id:4
emulator-5554          unauthorized transport_id:2
DEF456                 no permissions (user in plugdev group; are your udev rules wrong?); see [http://developer.android.com/tools/device.html]
`

func newTestBridge(h runnertest.Handler) (*Bridge, *runnertest.Runner) {
	fake := runnertest.New(h)
	return New(fake, Config{ADBPath: "adb", Logger: zerolog.Nop()}), fake
}

func TestParseDevices(t *testing.T) {
	entries, err := ParseDevices(runnertest.Output(0, devicesOutput).Tail())
	if err != nil {
		t.Fatalf("ParseDevices failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d: %+v", len(entries), entries)
	}

	usb := entries[0]
	if usb.ID != "ABC123" || usb.Kind != types.KindUSB || usb.RawState != "device" || usb.Model != "Pixel_4a" {
		t.Errorf("unexpected usb entry: %+v", usb)
	}
	if entries[1].Kind != types.KindWirelessTCP {
		t.Errorf("ip:port device should be wireless, got %s", entries[1].Kind)
	}
	if entries[2].Kind != types.KindWirelessTCP {
		t.Errorf("mDNS device should be wireless, got %s", entries[2].Kind)
	}
	if entries[3].RawState != "unauthorized" {
		t.Errorf("expected unauthorized, got %s", entries[3].RawState)
	}
	if entries[4].RawState != "no permissions" {
		t.Errorf("expected 'no permissions', got %q", entries[4].RawState)
	}
}

func TestParseDevicesRejectsMalformedLine(t *testing.T) {
	_, err := ParseDevices([]string{"List of devices attached", "ABC123"})
	var protoErr *types.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestParseDevicesEmpty(t *testing.T) {
	entries, err := ParseDevices([]string{"List of devices attached", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestMapState(t *testing.T) {
	tests := []struct {
		raw  string
		want types.DeviceState
	}{
		{"device", types.StateOf(types.PhaseConnected)},
		{"unauthorized", types.StateOf(types.PhaseUnauthorized)},
		{"authorizing", types.StateOf(types.PhaseConnecting)},
		{"offline", types.StateOf(types.PhaseDisconnected)},
		{"recovery", types.ErrorState("recovery")},
	}
	for _, tt := range tests {
		if got := MapState(tt.raw); got != tt.want {
			t.Errorf("MapState(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseWmSizePrefersOverride(t *testing.T) {
	got := ParseWmSize([]string{"Physical size: 1080x2400", "Override size: 720x1600"})
	if got != "720x1600" {
		t.Errorf("expected override size, got %q", got)
	}
	if got := ParseWmSize([]string{"Physical size: 1080x2400"}); got != "1080x2400" {
		t.Errorf("expected physical size, got %q", got)
	}
}

func TestMetadata(t *testing.T) {
	b, _ := newTestBridge(func(cmd runner.Command) (*runnertest.Process, error) {
		switch {
		case runnertest.Has(cmd, "getprop"):
			return runnertest.Completed(0,
				"[ro.product.model]: [Pixel 7]",
				"[ro.build.version.sdk]: [34]",
				"[ro.product.brand]: [google]"), nil
		case runnertest.Has(cmd, "wm", "size"):
			return runnertest.Completed(0, "Physical size: 1080x2400"), nil
		}
		return runnertest.Completed(1), nil
	})

	meta, err := b.Metadata(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	want := types.DeviceMetadata{Model: "Pixel 7", APILevel: 34, Resolution: "1080x2400"}
	if meta != want {
		t.Errorf("got %+v, want %+v", meta, want)
	}
}

func TestPairSuccessAndFailure(t *testing.T) {
	b, fake := newTestBridge(func(cmd runner.Command) (*runnertest.Process, error) {
		if cmd.Args[2] == "123456" {
			return runnertest.Completed(0, "Successfully paired to 192.168.1.5:37123 [guid=adb-XYZ]"), nil
		}
		// adb exits 0 even when pairing fails
		return runnertest.Completed(0, "Failed: Wrong password or connection was dropped."), nil
	})

	if err := b.Pair(context.Background(), "192.168.1.5:37123", "123456"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	err := b.Pair(context.Background(), "192.168.1.5:37123", "000000")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Reason != "wrong pairing code" {
		t.Errorf("unexpected reason %q", cmdErr.Reason)
	}
	if fake.Count("pair") != 2 {
		t.Errorf("expected 2 pair invocations, got %d", fake.Count("pair"))
	}
}

func TestConnectClassifiesFailures(t *testing.T) {
	tests := []struct {
		output string
		reason string
	}{
		{"failed to connect to '192.168.1.5:5555': Connection refused", "connection refused"},
		{"cannot connect to 192.168.1.5:5555: No route to host (113)", "no route to host"},
		{"failed to connect to 192.168.1.5:5555: Operation timed out", "timed out"},
	}
	for _, tt := range tests {
		b, _ := newTestBridge(func(cmd runner.Command) (*runnertest.Process, error) {
			return runnertest.Completed(1, tt.output), nil
		})
		err := b.Connect(context.Background(), "192.168.1.5:5555")
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("%q: expected CommandError, got %v", tt.output, err)
		}
		if cmdErr.Reason != tt.reason {
			t.Errorf("%q: expected reason %q, got %q", tt.output, tt.reason, cmdErr.Reason)
		}
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	b, _ := newTestBridge(func(cmd runner.Command) (*runnertest.Process, error) {
		return runnertest.Completed(0, "already connected to 192.168.1.5:5555"), nil
	})
	if err := b.Connect(context.Background(), "192.168.1.5:5555"); err != nil {
		t.Errorf("already connected should succeed, got %v", err)
	}
}

func TestListDevicesSpawnError(t *testing.T) {
	b, _ := newTestBridge(func(cmd runner.Command) (*runnertest.Process, error) {
		return nil, runnertest.NotFound(cmd)
	})
	_, err := b.ListDevices(context.Background())
	var spawnErr *types.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestParseMDNSServices(t *testing.T) {
	services := ParseMDNSServices([]string{
		"List of discovered mdns services",
		"adb-XYZ-abc\t_adb-tls-pairing._tcp.\t192.168.1.5:37123",
		"adb-XYZ-abc\t_adb-tls-connect._tcp.\t192.168.1.5:41234",
	})
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].Type != ServicePairing || services[0].Address != "192.168.1.5:37123" {
		t.Errorf("unexpected pairing service: %+v", services[0])
	}
}

func TestDeviceCommandScopesSerial(t *testing.T) {
	b, _ := newTestBridge(nil)
	cmd := b.DeviceCommand("ABC123", "shell", "getprop")
	if !runnertest.Has(cmd, "-s", "ABC123", "shell") {
		t.Errorf("expected -s scoping, got %v", cmd.Args)
	}
}

func TestParseWmDensity(t *testing.T) {
	if got := ParseWmDensity([]string{"Physical density: 420"}); got != "420" {
		t.Errorf("Expected 420, got %s", got)
	}
	if got := ParseWmDensity([]string{"Physical density: 420", "Override density: 360"}); got != "360" {
		t.Errorf("Override should win, got %s", got)
	}
}

func TestParseDumpsys(t *testing.T) {
	got := ParseDumpsys([]string{
		"Current Battery Service state:",
		"  AC powered: false",
		"  level: 85",
		"  status: 2",
	})
	if len(got) != 3 || got["level"] != "85" || got["AC powered"] != "false" {
		t.Errorf("Unexpected fields: %v", got)
	}
}

func TestParsePackages(t *testing.T) {
	got := ParsePackages([]string{"package:com.b", "", "package:com.a", "junk"})
	if len(got) != 2 || got[0] != "com.a" || got[1] != "com.b" {
		t.Errorf("Unexpected packages: %v", got)
	}
}
