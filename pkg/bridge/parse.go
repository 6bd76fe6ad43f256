package bridge

import (
	"sort"
	"strings"

	"DroidView/pkg/types"
)

// Entry is one line of `adb devices -l`
type Entry struct {
	ID          string
	Kind        types.DeviceKind
	RawState    string
	Model       string
	Product     string
	TransportID string
}

// ParseDevices parses `adb devices -l` output. Daemon start-up chatter is skipped;
// a line that does not carry at least an id and a state is a ProtocolError.
func ParseDevices(lines []string) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]bool)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "* ") {
			continue
		}
		if strings.HasPrefix(line, "adb server") || strings.HasPrefix(line, "error:") || strings.HasPrefix(line, "adb: ") {
			return nil, &types.ProtocolError{Op: "devices", Line: line, Msg: "bridge reported an error"}
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, &types.ProtocolError{Op: "devices", Line: line, Msg: "expected identifier and state"}
		}

		e := Entry{ID: parts[0], RawState: parts[1]}
		props := parts[2:]
		if parts[1] == "no" && len(parts) > 2 && parts[2] == "permissions" {
			e.RawState = "no permissions"
			props = nil
		}

		hasUSB := false
		for _, p := range props {
			kv := strings.SplitN(p, ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "usb":
				hasUSB = true
			case "model":
				e.Model = kv[1]
			case "product":
				e.Product = kv[1]
			case "transport_id":
				e.TransportID = kv[1]
			}
		}

		e.Kind = types.KindUSB
		if !hasUSB && IsWirelessID(e.ID) {
			e.Kind = types.KindWirelessTCP
		}

		if err := types.ValidateDeviceID(e.ID); err != nil {
			return nil, &types.ProtocolError{Op: "devices", Line: line, Msg: err.Error()}
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		entries = append(entries, e)
	}
	return entries, nil
}

// IsWirelessID reports whether an adb serial names a TCP or mDNS transport
func IsWirelessID(id string) bool {
	return strings.Contains(id, ":") || strings.Contains(id, "._tcp") || strings.Contains(id, "._adb-tls-connect")
}

// MapState converts an adb raw state to a registry state
func MapState(raw string) types.DeviceState {
	switch raw {
	case "device":
		return types.StateOf(types.PhaseConnected)
	case "unauthorized":
		return types.StateOf(types.PhaseUnauthorized)
	case "authorizing", "connecting":
		return types.StateOf(types.PhaseConnecting)
	case "offline":
		return types.StateOf(types.PhaseDisconnected)
	default:
		return types.ErrorState(raw)
	}
}

// ParseGetprop parses `[key]: [value]` lines
func ParseGetprop(lines []string) map[string]string {
	props := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "]: [", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimPrefix(parts[0], "[")
		val := strings.TrimSuffix(parts[1], "]")
		props[key] = val
	}
	return props
}

// ParseWmSize returns WxH from `wm size`, preferring an override over the physical size
func ParseWmSize(lines []string) string {
	var physical, override string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Override size:"):
			override = strings.TrimSpace(strings.TrimPrefix(line, "Override size:"))
		case strings.HasPrefix(line, "Physical size:"):
			physical = strings.TrimSpace(strings.TrimPrefix(line, "Physical size:"))
		}
	}
	if override != "" {
		return override
	}
	return physical
}

// Service is one `adb mdns services` entry
type Service struct {
	Name    string
	Type    string
	Address string
}

const (
	ServicePairing = "_adb-tls-pairing._tcp"
	ServiceConnect = "_adb-tls-connect._tcp"
)

// ParseMDNSServices parses `adb mdns services` output
func ParseMDNSServices(lines []string) []Service {
	var out []Service
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of discovered") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		out = append(out, Service{
			Name:    parts[0],
			Type:    strings.TrimSuffix(parts[1], "."),
			Address: parts[2],
		})
	}
	return out
}

// ParseWmDensity returns the dpi from `wm density`, preferring an override
func ParseWmDensity(lines []string) string {
	var physical, override string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Override density:"):
			override = strings.TrimSpace(strings.TrimPrefix(line, "Override density:"))
		case strings.HasPrefix(line, "Physical density:"):
			physical = strings.TrimSpace(strings.TrimPrefix(line, "Physical density:"))
		}
	}
	if override != "" {
		return override
	}
	return physical
}

// ParseDumpsys parses the indented `key: value` lines of a dumpsys section
// such as `dumpsys battery`. Header lines ending in ':' are skipped.
func ParseDumpsys(lines []string) map[string]string {
	out := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		key, val, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		out[strings.TrimSpace(key)] = val
	}
	return out
}

// ParsePackages parses `pm list packages` output into sorted package names
func ParsePackages(lines []string) []string {
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "package:"); ok && name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
