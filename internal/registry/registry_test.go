package registry

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func failOnErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir, err := ioutil.TempDir("", "registry-test-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return Open(dir)
}

func TestRegisterAndLoad(t *testing.T) {
	reg := newTestRegistry(t)
	repoDir, err := ioutil.TempDir("", "registry-repo-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(repoDir) })

	failOnErr(t, reg.Register(repoDir, "mac-abc", "main"))

	entries, err := reg.Load()
	failOnErr(t, err)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	canon, _ := filepath.EvalSymlinks(repoDir)
	if entries[0].Path != canon {
		t.Fatalf("expected canonical path %q, got %q", canon, entries[0].Path)
	}
	if entries[0].MachineID != "mac-abc" || entries[0].BranchAtRegister != "main" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := newTestRegistry(t)
	repoDir, err := ioutil.TempDir("", "registry-repo-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(repoDir) })

	failOnErr(t, reg.Register(repoDir, "mac-abc", "main"))
	err = reg.Register(repoDir, "mac-abc", "main")
	if !AlreadyRegistered(err) {
		t.Fatalf("expected AlreadyRegistered error, got %v", err)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	entries, err := reg.Load()
	failOnErr(t, err)
	if entries != nil {
		t.Fatalf("expected nil entries for missing file, got %v", entries)
	}
}

func TestTouchSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	repoDir, err := ioutil.TempDir("", "registry-repo-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(repoDir) })
	failOnErr(t, reg.Register(repoDir, "mac-abc", "main"))

	now := time.Now().Truncate(time.Second)
	failOnErr(t, reg.TouchSnapshot(repoDir, now))

	entries, err := reg.Load()
	failOnErr(t, err)
	if !entries[0].LastSnapshotAt.Equal(now) {
		t.Fatalf("expected last_snapshot_at %v, got %v", now, entries[0].LastSnapshotAt)
	}
}

// TestPruneRemovesOnlyProvedGone checks the prune property from the spec's
// testable properties with one absent path, one non-repo directory and one
// real repo: prune(G) removes P iff P was proved absent or non-repo.
func TestPruneRemovesOnlyProvedGone(t *testing.T) {
	reg := newTestRegistry(t)

	goneDir := filepath.Join(os.TempDir(), "registry-test-gone-does-not-exist")
	notRepoDir, err := ioutil.TempDir("", "registry-test-notrepo-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(notRepoDir) })

	realRepoDir, err := ioutil.TempDir("", "registry-test-real-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(realRepoDir) })
	cmd := exec.Command("git", "-C", realRepoDir, "init", "-q")
	failOnErr(t, cmd.Run())

	failOnErr(t, reg.Register(goneDir, "m1", "main"))
	failOnErr(t, reg.Register(notRepoDir, "m1", "main"))
	failOnErr(t, reg.Register(realRepoDir, "m1", "main"))

	removed, err := reg.Prune()
	failOnErr(t, err)
	removedSet := map[string]bool{}
	for _, p := range removed {
		removedSet[p] = true
	}

	canonGone, _ := filepath.Abs(goneDir)
	canonNotRepo, _ := filepath.EvalSymlinks(notRepoDir)
	canonReal, _ := filepath.EvalSymlinks(realRepoDir)

	if !removedSet[canonGone] {
		t.Errorf("expected absent path to be pruned: %s", canonGone)
	}
	if !removedSet[canonNotRepo] {
		t.Errorf("expected non-repo path to be pruned: %s", canonNotRepo)
	}
	if removedSet[canonReal] {
		t.Errorf("real repo should never be pruned: %s", canonReal)
	}

	remaining, err := reg.Load()
	failOnErr(t, err)
	if len(remaining) != 1 || remaining[0].Path != canonReal {
		t.Fatalf("expected only the real repo to remain, got %+v", remaining)
	}
}
