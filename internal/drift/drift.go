// Package drift implements DriftDetector (spec §4.6): per-repo remote
// polling, a cached on-disk drift state, and the roaming-radar
// notification that tells a user "another machine moved on without you."
package drift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	flock "github.com/msolo/go-bis/flock"
	"github.com/msolo/jsonc"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/machineid"
)

const stateFileName = "pulsar_drift_state"

// Blocker records why a snapshot cycle was vetoed, surfaced on the
// drift-state file so `status` can show it without touching the network.
type Blocker struct {
	Reason    string    `json:"reason"`
	Path      string    `json:"path,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	At        time.Time `json:"at"`
}

// State is the on-disk shape at <gitdir>/pulsar_drift_state (spec §3).
type State struct {
	ObservedMachines    []string `json:"observed_machines"`
	LatestShadowShaSeen string   `json:"latest_shadow_sha_seen"`
	AtTime              time.Time `json:"at_time"`
	Acknowledged        bool     `json:"acknowledged"`
	Blocked             *Blocker `json:"blocked,omitempty"`
}

func statePath(gitDir string) string {
	return filepath.Join(gitDir, stateFileName)
}

// Read loads the cached drift state. A missing file reads as a zero
// State with Acknowledged=true (nothing to report yet). This never
// touches the network - the Zero-Latency invariant.
func Read(gitDir string) (State, error) {
	f, err := os.Open(statePath(gitDir))
	if err != nil {
		if os.IsNotExist(err) {
			return State{Acknowledged: true}, nil
		}
		return State{}, err
	}
	defer f.Close()
	var st State
	dec := jsonc.NewDecoder(f)
	if err := dec.Decode(&st); err != nil {
		return State{}, err
	}
	return st, nil
}

// writeAtomic rewrites the state file via the same lock-then-temp-then-
// rename discipline as Registry, holding the lock only for the rewrite
// window.
func writeAtomic(gitDir string, st State) error {
	lockPath := statePath(gitDir) + ".lock"
	lk, err := flock.Open(lockPath)
	if err != nil {
		return err
	}
	defer lk.Close()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := statePath(gitDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SetBlocked records a blocker (large file, detached HEAD, ...) without
// disturbing the observed-machines/acknowledged fields, so the blocker
// banner and the roaming-radar banner can coexist. wasAlreadyBlocked
// reports whether the same blocker reason/path was already recorded, so
// callers can notify only on the unblocked->blocked transition.
func SetBlocked(gitDir string, b Blocker) (wasAlreadyBlocked bool, err error) {
	st, err := Read(gitDir)
	if err != nil {
		return false, err
	}
	wasAlreadyBlocked = st.Blocked != nil && st.Blocked.Reason == b.Reason && st.Blocked.Path == b.Path
	st.Blocked = &b
	return wasAlreadyBlocked, writeAtomic(gitDir, st)
}

// ClearBlocked removes a previously recorded blocker, called once a
// snapshot cycle for the repo succeeds again.
func ClearBlocked(gitDir string) error {
	st, err := Read(gitDir)
	if err != nil {
		return err
	}
	if st.Blocked == nil {
		return nil
	}
	st.Blocked = nil
	return writeAtomic(gitDir, st)
}

// Acknowledge marks the current drift observation as seen by the user.
// Sync calls it after fast-forwarding the working tree; the `status`
// command only reads the drift state and never acknowledges it.
func Acknowledge(gitDir string) error {
	st, err := Read(gitDir)
	if err != nil {
		return err
	}
	st.Acknowledged = true
	return writeAtomic(gitDir, st)
}

// Notifier is the subset of SystemProbe the detector needs; kept as an
// interface so tests can substitute a recorder.
type Notifier interface {
	Notify(title, body string)
}

// Poll fetches the pulsar namespace, looks for shadow tips from machines
// other than localMachineID that are newer than the last recorded
// at_time, and if any are found and unacknowledged, rewrites the drift
// state and notifies.
func Poll(repoPath, remoteName, localMachineID string, probe Notifier) (State, error) {
	gitDir, err := gitapi.GitDir(repoPath)
	if err != nil {
		return State{}, gitapi.New(gitapi.KindTransient, "resolve gitdir", err)
	}

	if err := gitapi.Fetch(repoPath, remoteName, "refs/heads/wip/pulsar/*:refs/heads/wip/pulsar/*"); err != nil {
		return State{}, err
	}

	refs, err := gitapi.ListRefs(repoPath, "refs/heads/wip/pulsar/")
	if err != nil {
		return State{}, err
	}

	prev, err := Read(gitDir)
	if err != nil {
		return State{}, err
	}

	type tip struct {
		machine string
		ref     string
		sha     string
		when    time.Time
	}
	var foreignTips []tip
	for _, ref := range refs {
		mach, _, ok := parseShadowRef(ref)
		if !ok || mach == localMachineID {
			continue
		}
		sha, err := gitapi.ResolveRef(repoPath, ref)
		if err != nil || sha == "" {
			continue
		}
		when, err := gitapi.RefCommitTime(repoPath, ref)
		if err != nil {
			continue
		}
		foreignTips = append(foreignTips, tip{mach, ref, sha, when})
	}

	newest := prev.AtTime
	observed := map[string]bool{}
	for _, m := range prev.ObservedMachines {
		observed[m] = true
	}
	foundNewer := false
	latestSha := prev.LatestShadowShaSeen
	for _, t := range foreignTips {
		observed[t.machine] = true
		if t.when.After(prev.AtTime) {
			foundNewer = true
			if t.when.After(newest) {
				newest = t.when
				latestSha = t.sha
			}
		}
	}

	machines := make([]string, 0, len(observed))
	for m := range observed {
		machines = append(machines, m)
	}
	sort.Strings(machines)

	next := prev
	next.ObservedMachines = machines
	if foundNewer {
		next.AtTime = newest
		next.LatestShadowShaSeen = latestSha
		next.Acknowledged = false
	}

	if err := writeAtomic(gitDir, next); err != nil {
		return State{}, err
	}

	if foundNewer && probe != nil {
		probe.Notify("git-pulsar: drift detected", "another machine has newer shadow commits; run `git pulsar sync`")
	}

	return next, nil
}

func parseShadowRef(ref string) (machine, branch string, ok bool) {
	const prefix = "refs/heads/wip/pulsar/"
	if !strings.HasPrefix(ref, prefix) {
		return "", "", false
	}
	rest := ref[len(prefix):]
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], machineid.DecodeBranch(rest[idx+1:]), true
}
