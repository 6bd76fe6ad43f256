package toolkit

import (
	"regexp"
	"time"

	"DroidView/pkg/types"
)

// Kind names a toolkit action
type Kind string

const (
	KindScreenshot  Kind = "screenshot"
	KindRecordStart Kind = "record_start"
	KindRecordStop  Kind = "record_stop"
	KindInstall     Kind = "install"
	KindPush        Kind = "push"
	KindPull        Kind = "pull"
	KindUninstall   Kind = "uninstall"
	KindDisableApp  Kind = "disable_app"
	KindPackages    Kind = "packages"
	KindReboot      Kind = "reboot"
	KindTcpip       Kind = "tcpip"
	KindBattery     Kind = "battery_info"
	KindDisplay     Kind = "display_info"
)

// Reboot targets accepted in Action.Mode
const (
	RebootSystem     = ""
	RebootRecovery   = "recovery"
	RebootBootloader = "bootloader"
	RebootShutdown   = "shutdown"
)

// DefaultTcpipPort is what adb tcpip listens on when no port is given
const DefaultTcpipPort = 5555

var packagePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z0-9_]+)+$`)

// Action is one request against a device. Which path fields are used depends on Kind:
//
//	screenshot:   Dest (host file)
//	record_start: Remote (device file, optional), BitRate, TimeLimit
//	record_stop:  Dest (host file, optional; the recording is pulled when set)
//	install:      Source (host apk)
//	push:         Source (host) -> Remote (device)
//	pull:         Remote (device) -> Dest (host)
//	uninstall:    Package, KeepData
//	disable_app:  Package
//	packages:     ThirdParty
//	reboot:       Mode (system, recovery, bootloader or shutdown)
//	tcpip:        Port (default 5555)
type Action struct {
	Kind       Kind   `json:"kind"`
	Source     string `json:"source,omitempty"`
	Remote     string `json:"remote,omitempty"`
	Dest       string `json:"dest,omitempty"`
	BitRate    int    `json:"bitRate,omitempty"`
	TimeLimit  int    `json:"timeLimit,omitempty"`
	Package    string `json:"package,omitempty"`
	KeepData   bool   `json:"keepData,omitempty"`
	ThirdParty bool   `json:"thirdParty,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Port       int    `json:"port,omitempty"`
}

func (a Action) validate() error {
	switch a.Kind {
	case KindScreenshot:
		if a.Dest == "" {
			return types.Rejectedf(types.RejectInvalidRequest, "screenshot needs a destination path")
		}
	case KindRecordStart:
		if a.TimeLimit < 0 || a.TimeLimit > 180 {
			return types.Rejectedf(types.RejectInvalidRequest, "time limit must be between 0 and 180 seconds")
		}
		if a.BitRate < 0 {
			return types.Rejectedf(types.RejectInvalidRequest, "bit rate must not be negative")
		}
	case KindRecordStop:
	case KindInstall:
		if a.Source == "" {
			return types.Rejectedf(types.RejectInvalidRequest, "install needs an apk path")
		}
	case KindPush:
		if a.Source == "" || a.Remote == "" {
			return types.Rejectedf(types.RejectInvalidRequest, "push needs source and remote paths")
		}
	case KindPull:
		if a.Remote == "" || a.Dest == "" {
			return types.Rejectedf(types.RejectInvalidRequest, "pull needs remote and destination paths")
		}
	case KindUninstall, KindDisableApp:
		if !packagePattern.MatchString(a.Package) {
			return types.Rejectedf(types.RejectInvalidRequest, "invalid package name %q", a.Package)
		}
	case KindReboot:
		switch a.Mode {
		case RebootSystem, RebootRecovery, RebootBootloader, RebootShutdown:
		default:
			return types.Rejectedf(types.RejectInvalidRequest, "unknown reboot mode %q", a.Mode)
		}
	case KindTcpip:
		if a.Port < 0 || a.Port > 65535 {
			return types.Rejectedf(types.RejectInvalidRequest, "port out of range")
		}
	case KindPackages, KindBattery, KindDisplay:
	default:
		return types.Rejectedf(types.RejectInvalidRequest, "unknown action %q", a.Kind)
	}
	return nil
}

// Result is the outcome of a completed action
type Result struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`
	Kind     Kind   `json:"kind"`
	Path     string `json:"path,omitempty"`
	Output   string `json:"output,omitempty"`
	// Info holds the parsed fields of battery_info and display_info
	Info map[string]string `json:"info,omitempty"`
	// Items lists installed packages for the packages action
	Items      []string  `json:"items,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Event reports every executed action, successful or not
type Event struct {
	Result Result `json:"result"`
	Action Action `json:"action"`
	Error  string `json:"error,omitempty"`
}
