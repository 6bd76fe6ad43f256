package session

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"DroidView/pkg/types"
)

var (
	bitRatePattern     = regexp.MustCompile(`^[0-9]+[KkMm]?$`)
	orientationPattern = regexp.MustCompile(`^@?(flip)?(0|90|180|270)$`)
)

// BuildArgs derives the scrcpy command line for a device from its mirror config
func BuildArgs(deviceID string, c types.MirrorConfig) []string {
	args := []string{"-s", deviceID}

	if c.BitRate != "" {
		args = append(args, "--video-bit-rate", strings.ToUpper(c.BitRate))
	}
	if c.MaxSize > 0 {
		args = append(args, "--max-size", strconv.Itoa(c.MaxSize))
	}
	if c.MaxFps > 0 {
		args = append(args, "--max-fps", strconv.Itoa(c.MaxFps))
	}
	if c.Orientation != "" {
		args = append(args, "--capture-orientation", c.Orientation)
	}
	if c.StayAwake {
		args = append(args, "--stay-awake")
	}
	if c.TurnScreenOff {
		args = append(args, "--turn-screen-off")
	}
	if c.NoAudio {
		args = append(args, "--no-audio")
	}
	if c.AlwaysOnTop {
		args = append(args, "--always-on-top")
	}
	if c.ShowTouches {
		args = append(args, "--show-touches")
	}
	if c.Fullscreen {
		args = append(args, "--fullscreen")
	}
	if c.ReadOnly {
		args = append(args, "--no-control")
	}
	if c.Borderless {
		args = append(args, "--window-borderless")
	}
	if c.RecordPath != "" {
		args = append(args, "--record", c.RecordPath)
	}

	title := c.WindowTitle
	if title == "" {
		title = "DroidView - " + deviceID
	}
	args = append(args, "--window-title", title)

	return append(args, c.ExtraArgs...)
}

// ValidateConfig rejects values scrcpy would refuse, and extra args that would
// rebind the session to another device
func ValidateConfig(c types.MirrorConfig) error {
	if c.BitRate != "" && !bitRatePattern.MatchString(c.BitRate) {
		return fmt.Errorf("invalid bit rate %q (want e.g. 8M)", c.BitRate)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max size must not be negative")
	}
	if c.MaxFps < 0 {
		return fmt.Errorf("max fps must not be negative")
	}
	if c.Orientation != "" && !orientationPattern.MatchString(c.Orientation) {
		return fmt.Errorf("invalid orientation %q", c.Orientation)
	}
	for _, name := range c.Off {
		if !IsBoolOption(name) {
			return fmt.Errorf("unknown option %q", name)
		}
	}
	for _, a := range c.ExtraArgs {
		if a == "-s" || strings.HasPrefix(a, "--serial") || strings.HasPrefix(a, "--tcpip") {
			return fmt.Errorf("extra argument %q cannot select a device", a)
		}
	}
	return nil
}

// boolOptions maps the yaml key of each boolean option to its field
var boolOptions = map[string]func(*types.MirrorConfig) *bool{
	"show_touches":    func(c *types.MirrorConfig) *bool { return &c.ShowTouches },
	"turn_screen_off": func(c *types.MirrorConfig) *bool { return &c.TurnScreenOff },
	"stay_awake":      func(c *types.MirrorConfig) *bool { return &c.StayAwake },
	"fullscreen":      func(c *types.MirrorConfig) *bool { return &c.Fullscreen },
	"always_on_top":   func(c *types.MirrorConfig) *bool { return &c.AlwaysOnTop },
	"borderless":      func(c *types.MirrorConfig) *bool { return &c.Borderless },
	"no_audio":        func(c *types.MirrorConfig) *bool { return &c.NoAudio },
	"read_only":       func(c *types.MirrorConfig) *bool { return &c.ReadOnly },
}

// IsBoolOption reports whether name is the yaml key of a boolean mirror option
func IsBoolOption(name string) bool {
	_, ok := boolOptions[name]
	return ok
}

// MergeConfig fills zero fields of c from defaults. Defaults turn boolean
// flags on unless c lists them in Off.
func MergeConfig(c, defaults types.MirrorConfig) types.MirrorConfig {
	if c.BitRate == "" {
		c.BitRate = defaults.BitRate
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaults.MaxSize
	}
	if c.MaxFps == 0 {
		c.MaxFps = defaults.MaxFps
	}
	if c.Orientation == "" {
		c.Orientation = defaults.Orientation
	}
	c.ShowTouches = c.ShowTouches || defaults.ShowTouches
	c.TurnScreenOff = c.TurnScreenOff || defaults.TurnScreenOff
	c.StayAwake = c.StayAwake || defaults.StayAwake
	c.Fullscreen = c.Fullscreen || defaults.Fullscreen
	c.AlwaysOnTop = c.AlwaysOnTop || defaults.AlwaysOnTop
	c.Borderless = c.Borderless || defaults.Borderless
	c.NoAudio = c.NoAudio || defaults.NoAudio
	c.ReadOnly = c.ReadOnly || defaults.ReadOnly
	for _, name := range c.Off {
		if field, ok := boolOptions[name]; ok {
			*field(&c) = false
		}
	}
	c.Off = nil
	if c.WindowTitle == "" {
		c.WindowTitle = defaults.WindowTitle
	}
	if len(c.ExtraArgs) == 0 {
		c.ExtraArgs = defaults.ExtraArgs
	}
	return c
}
