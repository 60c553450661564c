// Package sysprobe answers the questions DaemonLoop needs before doing
// work: are we on AC power, what's the battery level, is the machine
// under load, and how do we surface a notification. No corpus example
// probes hardware telemetry, so this shells out with gitapi's own
// Command wrapper rather than reaching for a platform SDK.
package sysprobe

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	log "github.com/msolo/go-bis/glug"
	"github.com/msolo/git-pulsar/gitapi"
)

// Probe is the live implementation of SystemProbe (§4.2). Fields are
// exported only for tests that want to point it at fixture directories.
type Probe struct {
	// PowerSupplyDir overrides /sys/class/power_supply for tests.
	PowerSupplyDir string
}

func New() *Probe {
	return &Probe{PowerSupplyDir: "/sys/class/power_supply"}
}

// Now returns the current time; it exists so callers can be written
// against an interface and tested with a fixed clock.
func (p *Probe) Now() time.Time { return time.Now() }

// OnACPower reports whether the machine is plugged in. Absence of any
// battery means "desktop-class, always OK" per spec.
func (p *Probe) OnACPower() (bool, error) {
	switch runtime.GOOS {
	case "darwin":
		return p.onACPowerDarwin()
	case "linux":
		return p.onACPowerLinux()
	default:
		return true, nil
	}
}

// BatteryPercent returns the battery charge percentage, or (100, false)
// if there is no battery (desktop-class).
func (p *Probe) BatteryPercent() (pct int, hasBattery bool, err error) {
	switch runtime.GOOS {
	case "darwin":
		return p.batteryPercentDarwin()
	case "linux":
		return p.batteryPercentLinux()
	default:
		return 100, false, nil
	}
}

var pmsetBattRe = regexp.MustCompile(`(\d+)%`)

func (p *Probe) pmsetOutput() (string, error) {
	cmd := gitapi.Command("pmset", "-g", "batt")
	out, err := cmd.Output()
	return string(out), err
}

func (p *Probe) onACPowerDarwin() (bool, error) {
	out, err := p.pmsetOutput()
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return strings.Contains(out, "AC Power"), nil
}

func (p *Probe) batteryPercentDarwin() (int, bool, error) {
	out, err := p.pmsetOutput()
	if err != nil {
		if isNotFound(err) {
			return 100, false, nil
		}
		return 0, false, err
	}
	m := pmsetBattRe.FindStringSubmatch(out)
	if m == nil {
		return 100, false, nil
	}
	pct, _ := strconv.Atoi(m[1])
	return pct, true, nil
}

func (p *Probe) supplyFiles() ([]os.DirEntry, error) {
	return os.ReadDir(p.PowerSupplyDir)
}

func (p *Probe) readSupplyAttr(name, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.PowerSupplyDir, name, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *Probe) onACPowerLinux() (bool, error) {
	entries, err := p.supplyFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	for _, e := range entries {
		typ, _ := p.readSupplyAttr(e.Name(), "type")
		if typ != "Mains" && typ != "USB" {
			continue
		}
		online, err := p.readSupplyAttr(e.Name(), "online")
		if err != nil {
			continue
		}
		if online == "1" {
			return true, nil
		}
	}
	// No mains/USB supply reporting online: if there's no battery either,
	// treat this as desktop-class and always OK.
	hasBattery := false
	for _, e := range entries {
		typ, _ := p.readSupplyAttr(e.Name(), "type")
		if typ == "Battery" {
			hasBattery = true
		}
	}
	return !hasBattery, nil
}

func (p *Probe) batteryPercentLinux() (int, bool, error) {
	entries, err := p.supplyFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return 100, false, nil
		}
		return 0, false, err
	}
	for _, e := range entries {
		typ, _ := p.readSupplyAttr(e.Name(), "type")
		if typ != "Battery" {
			continue
		}
		capStr, err := p.readSupplyAttr(e.Name(), "capacity")
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(capStr)
		if err != nil {
			continue
		}
		return pct, true, nil
	}
	return 100, false, nil
}

// CPULoad1m returns the 1-minute load average on Linux/Darwin, or 0 if
// unavailable (e.g. no /proc/loadavg and no uptime binary).
func (p *Probe) CPULoad1m() (float64, error) {
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
				return v, nil
			}
		}
	}
	cmd := gitapi.Command("uptime")
	out, err := cmd.Output()
	if err != nil {
		return 0, nil
	}
	idx := strings.LastIndex(string(out), "load average")
	if idx < 0 {
		return 0, nil
	}
	tail := string(out)[idx:]
	parts := strings.SplitN(tail, ":", 2)
	if len(parts) != 2 {
		return 0, nil
	}
	first := strings.TrimSpace(strings.Split(parts[1], ",")[0])
	v, _ := strconv.ParseFloat(first, 64)
	return v, nil
}

// Notify sends an OS notification; failures are swallowed (non-fatal) since
// the daemon's work must never depend on notification delivery.
func (p *Probe) Notify(title, body string) {
	var cmd *gitapi.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + escapeAppleScript(body) + `" with title "` + escapeAppleScript(title) + `"`
		cmd = gitapi.Command("osascript", "-e", script)
	case "linux":
		cmd = gitapi.Command("notify-send", title, body)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		log.Infof("notification delivery failed (non-fatal): %s", err)
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func isNotFound(err error) bool {
	var execErr *exec.Error
	if ok := asExecError(err, &execErr); ok {
		return os.IsNotExist(execErr.Err)
	}
	return false
}

func asExecError(err error, target **exec.Error) bool {
	if ee, ok := err.(*exec.Error); ok {
		*target = ee
		return true
	}
	return false
}
