// Package machineid resolves a stable, per-host identifier used to
// namespace shadow refs. It is deliberately shelled-out rather than
// library-backed: no package in the corpus touches platform identity
// primitives, so this follows gitapi's own Command idiom.
package machineid

import (
	"crypto/sha256"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/msolo/git-pulsar/gitapi"
)

// CachePath is where the resolved id is cached for the life of the OS
// install, at <stateDir>/machine_id.
func CachePath(stateDir string) string {
	return filepath.Join(stateDir, "machine_id")
}

// Resolve returns this host's stable machine id, reading the cache file at
// CachePath(stateDir) first and falling back to OS probing plus a
// persisted synthetic id if none of the OS primitives are available.
// Resolution order: cache file, macOS IOPlatformUUID, Linux
// /etc/machine-id, then $HOSTNAME+username hash.
func Resolve(stateDir string) (string, error) {
	cachePath := CachePath(stateDir)
	if data, err := os.ReadFile(cachePath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := probe()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", err
	}
	tmp := cachePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		return "", err
	}
	return id, nil
}

var ioregUUIDRe = regexp.MustCompile(`"IOPlatformUUID" = "([0-9A-Fa-f-]+)"`)

func probe() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		if id, err := probeDarwin(); err == nil && id != "" {
			return sanitize("mac", id), nil
		}
	case "linux":
		if id, err := probeLinuxMachineID(); err == nil && id != "" {
			return sanitize("linux", id), nil
		}
	}
	return fallback()
}

func probeDarwin() (string, error) {
	cmd := gitapi.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	m := ioregUUIDRe.FindSubmatch(out)
	if m == nil {
		return "", errors.New("IOPlatformUUID not found in ioreg output")
	}
	return string(m[1]), nil
}

func probeLinuxMachineID() (string, error) {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// fallback derives a deterministic id from hostname + username, matching
// across reboots on the same OS install (the invariant §3 requires) even
// when no platform primitive is present (containers, exotic distros).
func fallback() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	userName := "unknown"
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	seed := host + ":" + userName
	sum := sha256.Sum256([]byte(seed))
	// uuid.NewSHA1-style namespacing keeps this collision-resistant without
	// pulling in randomness that would break the across-reboot invariant.
	id := uuid.NewSHA1(uuid.NameSpaceDNS, sum[:])
	return sanitize("host", id.String()), nil
}

func sanitize(kind, id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
	return kind + "-" + id
}

// EncodeBranch URL-safe-encodes a branch name for embedding in a shadow
// ref path: "/" becomes "%2F" so slashes in branch names don't collide
// with the ref hierarchy's own separators.
func EncodeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "%2F")
}

// DecodeBranch reverses EncodeBranch.
func DecodeBranch(encoded string) string {
	return strings.ReplaceAll(encoded, "%2F", "/")
}

// ShadowRef returns the shadow ref path for a given machine id and user
// branch: refs/heads/wip/pulsar/<machine-id>/<user-branch>.
func ShadowRef(machineIDStr, branch string) string {
	return "refs/heads/wip/pulsar/" + machineIDStr + "/" + EncodeBranch(branch)
}
