// Package registry is the persistent set of tracked repositories: a
// single JSON file, rewritten atomically on every mutation. Readers never
// block; writers serialize through a lock file for the rewrite window
// only, per spec §4.3/§5.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	flock "github.com/msolo/go-bis/flock"
	"github.com/msolo/jsonc"
	"github.com/pkg/errors"

	"github.com/msolo/git-pulsar/gitapi"
)

// Entry is one tracked repository, unique by canonical absolute Path.
type Entry struct {
	Path             string    `json:"path"`
	MachineID        string    `json:"machine_id"`
	BranchAtRegister string    `json:"branch_at_register"`
	Paused           bool      `json:"paused"`
	LastSnapshotAt   time.Time `json:"last_snapshot_at,omitempty"`
	LastPushAt       time.Time `json:"last_push_at,omitempty"`
	LastDriftCheckAt time.Time `json:"last_drift_check_at,omitempty"`
}

type document struct {
	Entries []Entry `json:"entries"`
}

// Registry wraps the on-disk registry.json file at
// <stateDir>/registry.json.
type Registry struct {
	path     string
	lockPath string
}

func Open(stateDir string) *Registry {
	return &Registry{
		path:     filepath.Join(stateDir, "registry.json"),
		lockPath: filepath.Join(stateDir, "registry.json.lock"),
	}
}

// Load reads all entries. A missing file reads as an empty registry.
func (r *Registry) Load() ([]Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var doc document
	dec := jsonc.NewDecoder(f)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WithMessage(err, "corrupt registry.json")
	}
	return doc.Entries, nil
}

// mutate performs the read/compute/write-tmp/rename cycle under the
// rewrite-window lock. fn receives the current entries and returns the
// new set.
func (r *Registry) mutate(fn func([]Entry) ([]Entry, error)) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	lk, err := flock.Open(r.lockPath)
	if err != nil {
		return errors.WithMessage(err, "acquiring registry lock")
	}
	defer lk.Close()

	entries, err := r.Load()
	if err != nil {
		return err
	}
	newEntries, err := fn(entries)
	if err != nil {
		return err
	}
	return r.writeAtomic(newEntries)
}

func (r *Registry) writeAtomic(entries []Entry) error {
	data, err := json.MarshalIndent(document{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Register adds path if absent, keyed by canonical absolute path. A path
// that does not exist on disk is keyed by its absolute path unresolved.
func (r *Registry) Register(path, machineIDStr, branch string) error {
	canon, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if resolved, evalErr := filepath.EvalSymlinks(canon); evalErr == nil {
		canon = resolved
	} else if !os.IsNotExist(evalErr) {
		return evalErr
	}
	return r.mutate(func(entries []Entry) ([]Entry, error) {
		for _, e := range entries {
			if e.Path == canon {
				return nil, errAlreadyRegistered{canon}
			}
		}
		entries = append(entries, Entry{
			Path:             canon,
			MachineID:        machineIDStr,
			BranchAtRegister: branch,
		})
		return entries, nil
	})
}

type errAlreadyRegistered struct{ path string }

func (e errAlreadyRegistered) Error() string { return "already registered: " + e.path }

// AlreadyRegistered reports whether err is the "already registered" error,
// which the CLI surfaces as exit code 2 per spec §6.
func AlreadyRegistered(err error) bool {
	_, ok := err.(errAlreadyRegistered)
	return ok
}

// Remove deletes the entry for path, if present.
func (r *Registry) Remove(path string) error {
	canon, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return r.mutate(func(entries []Entry) ([]Entry, error) {
		out := entries[:0]
		for _, e := range entries {
			if e.Path != canon {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// SetPaused flips the paused flag for path.
func (r *Registry) SetPaused(path string, paused bool) error {
	return r.update(path, func(e *Entry) { e.Paused = paused })
}

// TouchSnapshot records that a snapshot just ran for path.
func (r *Registry) TouchSnapshot(path string, at time.Time) error {
	return r.update(path, func(e *Entry) { e.LastSnapshotAt = at })
}

// TouchPush records that a push just ran for path.
func (r *Registry) TouchPush(path string, at time.Time) error {
	return r.update(path, func(e *Entry) { e.LastPushAt = at })
}

// TouchDriftCheck records that a drift poll just ran for path.
func (r *Registry) TouchDriftCheck(path string, at time.Time) error {
	return r.update(path, func(e *Entry) { e.LastDriftCheckAt = at })
}

func (r *Registry) update(path string, mut func(*Entry)) error {
	canon, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return r.mutate(func(entries []Entry) ([]Entry, error) {
		found := false
		for i := range entries {
			if entries[i].Path == canon {
				mut(&entries[i])
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("no such registered repo: %s", canon)
		}
		return entries, nil
	})
}

// Prune removes entries whose path was proved absent or proved to no
// longer be a git repository. It never deletes on ambiguous failures
// (permission errors, transient stat failures) - testable property 4.
func (r *Registry) Prune() (removed []string, err error) {
	mutErr := r.mutate(func(entries []Entry) ([]Entry, error) {
		out := entries[:0]
		for _, e := range entries {
			proved, provedErr := provedGone(e.Path)
			if provedErr != nil {
				// Ambiguous: keep the entry, do not prune on a whim.
				out = append(out, e)
				continue
			}
			if proved {
				removed = append(removed, e.Path)
				continue
			}
			out = append(out, e)
		}
		return out, nil
	})
	return removed, mutErr
}

// provedGone returns (true, nil) only when we have positive proof the path
// is absent or is not a git repository; any ambiguous I/O failure returns
// an error so the caller preserves the entry.
func provedGone(path string) (bool, error) {
	fi, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return true, nil
		}
		return false, statErr
	}
	if !fi.IsDir() {
		return true, nil
	}
	// Output with no Stderr set keeps git's stderr on the error, which
	// isDefinitelyNotARepo inspects.
	gitCmd := gitapi.Command("git", "-C", path, "rev-parse", "--git-dir")
	if _, gitErr := gitCmd.Output(); gitErr != nil {
		if isDefinitelyNotARepo(gitErr) {
			return true, nil
		}
		return false, gitErr
	}
	return false, nil
}

func isDefinitelyNotARepo(err error) bool {
	stderr := gitapi.ExitErrorStderr(err)
	return stderr != "" && strings.Contains(stderr, "not a git repository")
}
