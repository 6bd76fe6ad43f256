package toolkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"DroidView/pkg/bridge"
	"DroidView/pkg/runner"
	"DroidView/pkg/types"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

type recording struct {
	proc      runner.Process
	remote    string
	startedAt time.Time
	// owner is the start job holding the device's recording claim
	owner *job
}

func (r *recording) alive() bool {
	select {
	case <-r.proc.Done():
		return false
	default:
		return true
	}
}

// screenshot streams `exec-out screencap -p` straight into the destination file
func (d *Dispatcher) screenshot(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(a.Dest), 0755); err != nil {
		return fmt.Errorf("create screenshot directory: %w", err)
	}

	cmd := d.bridge.DeviceCommand(deviceID, "exec-out", "screencap", "-p")
	cmd.StdoutFile = a.Dest
	out, err := d.bridge.Run(ctx, cmd)
	res.Output = out.Output()
	if err != nil {
		os.Remove(a.Dest)
		return err
	}

	f, err := os.Open(a.Dest)
	if err != nil {
		return fmt.Errorf("read screenshot: %w", err)
	}
	head := make([]byte, len(pngMagic))
	n, _ := f.Read(head)
	f.Close()
	if n < len(pngMagic) || !bytes.Equal(head, pngMagic) {
		os.Remove(a.Dest)
		return fmt.Errorf("screencap did not produce a PNG (screen off or locked?)")
	}

	res.Path = a.Dest
	return nil
}

// recordStart launches `screenrecord` and keeps it running until record_stop
func (d *Dispatcher) recordStart(ctx context.Context, j *job, res *Result) error {
	deviceID, a := j.deviceID, j.action
	d.mu.Lock()
	if rec, ok := d.records[deviceID]; ok && rec.alive() {
		d.mu.Unlock()
		return types.Rejected(types.RejectRecordingActive)
	}
	d.mu.Unlock()

	remote := a.Remote
	if remote == "" {
		remote = path.Join(d.cfg.RecordDir, fmt.Sprintf("droidview_%s.mp4", d.now().Format("20060102_150405")))
	}
	args := []string{"shell", "screenrecord"}
	if a.BitRate > 0 {
		args = append(args, "--bit-rate", strconv.Itoa(a.BitRate))
	}
	if a.TimeLimit > 0 {
		args = append(args, "--time-limit", strconv.Itoa(a.TimeLimit))
	}
	args = append(args, remote)

	proc, err := d.bridge.Runner().Spawn(d.bridge.DeviceCommand(deviceID, args...))
	if err != nil {
		return err
	}
	go func() {
		for range proc.Lines() {
		}
	}()

	settle := time.NewTimer(d.cfg.RecordSettle)
	defer settle.Stop()
	select {
	case <-proc.Done():
		st, _ := proc.Wait(context.Background())
		return fmt.Errorf("screenrecord exited immediately (status %d): %s", st.Code, lastLine(proc.Tail()))
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	case <-settle.C:
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = proc.Kill()
		return types.Rejected(types.RejectDispatcherShutdown)
	}
	rec := &recording{proc: proc, remote: remote, startedAt: d.now(), owner: j}
	d.records[deviceID] = rec
	d.wg.Add(1)
	d.mu.Unlock()
	go d.watchRecording(deviceID, rec)

	res.Path = remote
	res.Output = "recording to " + remote
	return nil
}

// watchRecording forgets a recording that ends without a stop, e.g. when
// screenrecord reaches its time limit
func (d *Dispatcher) watchRecording(deviceID string, rec *recording) {
	defer d.wg.Done()
	<-rec.proc.Done()

	d.mu.Lock()
	ended := d.records[deviceID] == rec
	if ended {
		delete(d.records, deviceID)
		if d.recordClaims[deviceID] == rec.owner {
			delete(d.recordClaims, deviceID)
		}
	}
	d.mu.Unlock()

	if ended {
		d.logger.Info().Str("device", deviceID).Str("remote", rec.remote).Msg("Screen recording ended on its own")
	}
}

// recordStop interrupts screenrecord so it finalizes the file, then optionally pulls it
func (d *Dispatcher) recordStop(ctx context.Context, deviceID string, a Action, res *Result) error {
	d.mu.Lock()
	rec, ok := d.records[deviceID]
	delete(d.records, deviceID)
	d.mu.Unlock()
	if !ok {
		return types.Rejected(types.RejectNoActiveRecording)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	if rec.alive() {
		if _, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "shell", "pkill", "-INT", "screenrecord")); err != nil {
			d.logger.Debug().Err(err).Str("device", deviceID).Msg("pkill screenrecord")
		}
		grace := time.NewTimer(d.cfg.RecordStopGrace)
		defer grace.Stop()
		select {
		case <-rec.proc.Done():
		case <-grace.C:
			d.logger.Warn().Str("device", deviceID).Msg("screenrecord ignored interrupt, killing")
			_ = rec.proc.Kill()
		case <-ctx.Done():
			_ = rec.proc.Kill()
			return ctx.Err()
		}
	}

	res.Path = rec.remote
	res.Output = fmt.Sprintf("recorded %s", d.now().Sub(rec.startedAt).Round(time.Second))
	if a.Dest == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.Dest), 0755); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "pull", rec.remote, a.Dest))
	if err != nil {
		return fmt.Errorf("pull recording: %w", err)
	}
	res.Output = out.Output()
	res.Path = a.Dest
	return nil
}

func (d *Dispatcher) install(ctx context.Context, deviceID string, a Action, res *Result) error {
	if _, err := os.Stat(a.Source); err != nil {
		return fmt.Errorf("apk: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.InstallTimeout)
	defer cancel()

	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "install", "-r", a.Source))
	res.Output = out.Output()
	if err != nil && !isExitError(err) {
		return err
	}
	if !d.bridge.InstallSucceeded(out) {
		return fmt.Errorf("install %s failed: %s", filepath.Base(a.Source), out.LastLine())
	}
	res.Path = a.Source
	return nil
}

// transfer runs adb push or pull; reported is the path the result carries
func (d *Dispatcher) transfer(ctx context.Context, deviceID string, res *Result, reported, verb, from, to string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	if verb == "pull" {
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, verb, from, to))
	res.Output = out.Output()
	if err != nil {
		return err
	}
	res.Path = reported
	return nil
}

// uninstall removes a package; with KeepData the app's data and caches stay
func (d *Dispatcher) uninstall(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	args := []string{"uninstall"}
	if a.KeepData {
		args = append(args, "-k")
	}
	args = append(args, a.Package)
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, args...))
	res.Output = out.Output()
	if err != nil && !isExitError(err) {
		return err
	}
	if !d.bridge.InstallSucceeded(out) {
		return fmt.Errorf("uninstall %s failed: %s", a.Package, out.LastLine())
	}
	return nil
}

// disableApp disables a package for the primary user
func (d *Dispatcher) disableApp(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "shell", "pm", "disable-user", "--user", "0", a.Package))
	res.Output = out.Output()
	if err != nil && !isExitError(err) {
		return err
	}
	if !out.Contains("new state: disabled") {
		return fmt.Errorf("disable %s failed: %s", a.Package, out.LastLine())
	}
	return nil
}

func (d *Dispatcher) packages(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	args := []string{"shell", "pm", "list", "packages"}
	if a.ThirdParty {
		args = append(args, "-3")
	}
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, args...))
	if err != nil {
		res.Output = out.Output()
		return err
	}
	res.Items = bridge.ParsePackages(out.Lines)
	res.Output = fmt.Sprintf("%d packages", len(res.Items))
	return nil
}

// reboot restarts the device into the requested mode, or powers it off
func (d *Dispatcher) reboot(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	var args []string
	switch a.Mode {
	case RebootShutdown:
		args = []string{"shell", "reboot", "-p"}
	case RebootSystem:
		args = []string{"reboot"}
	default:
		args = []string{"reboot", a.Mode}
	}
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, args...))
	res.Output = out.Output()
	if err != nil {
		return fmt.Errorf("reboot %s: %w", rebootName(a.Mode), err)
	}
	if res.Output == "" {
		res.Output = "rebooting to " + rebootName(a.Mode)
	}
	return nil
}

func rebootName(mode string) string {
	if mode == RebootSystem {
		return "system"
	}
	return mode
}

// tcpip restarts adbd on the device listening on a TCP port, so it can be
// reached with a plain connect afterwards
func (d *Dispatcher) tcpip(ctx context.Context, deviceID string, a Action, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	port := a.Port
	if port == 0 {
		port = DefaultTcpipPort
	}
	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "tcpip", strconv.Itoa(port)))
	res.Output = out.Output()
	if err != nil {
		return err
	}
	if out.Contains("error:") {
		return fmt.Errorf("tcpip %d failed: %s", port, out.LastLine())
	}
	res.Info = map[string]string{"port": strconv.Itoa(port)}
	return nil
}

func (d *Dispatcher) batteryInfo(ctx context.Context, deviceID string, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	out, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "shell", "dumpsys", "battery"))
	res.Output = out.Output()
	if err != nil {
		return err
	}
	info := bridge.ParseDumpsys(out.Lines)
	if _, ok := info["level"]; !ok {
		return &types.ProtocolError{Op: "dumpsys battery", Line: out.LastLine(), Msg: "no battery level in output"}
	}
	res.Info = info
	return nil
}

func (d *Dispatcher) displayInfo(ctx context.Context, deviceID string, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	size, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "shell", "wm", "size"))
	if err != nil {
		res.Output = size.Output()
		return err
	}
	resolution := bridge.ParseWmSize(size.Lines)
	if resolution == "" {
		return &types.ProtocolError{Op: "wm size", Line: size.LastLine(), Msg: "no size in output"}
	}
	info := map[string]string{"resolution": resolution}

	density, err := d.bridge.Run(ctx, d.bridge.DeviceCommand(deviceID, "shell", "wm", "density"))
	if err != nil {
		d.logger.Debug().Err(err).Str("device", deviceID).Msg("wm density failed")
	} else if dpi := bridge.ParseWmDensity(density.Lines); dpi != "" {
		info["density"] = dpi
	}

	res.Info = info
	res.Output = size.Output()
	if len(density.Lines) > 0 {
		res.Output += "\n" + density.Output()
	}
	return nil
}

func isExitError(err error) bool {
	var exitErr *runner.ExitError
	return errors.As(err, &exitErr)
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no output"
}
