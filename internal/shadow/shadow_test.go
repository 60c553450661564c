package shadow

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/config"
	"github.com/msolo/git-pulsar/internal/drift"
)

func failOnErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "shadow-test-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	run := func(args ...string) {
		cmd := gitapi.Command("git", append([]string{"-C", dir}, args...)...)
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %s", args, err)
		}
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644))
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

// Scenario 1 (Isolation): staging an uncommitted file and forcing a
// snapshot must leave `git diff --cached` unchanged while the shadow ref
// picks up the new file.
func TestSnapshotIsolatesStagedChanges(t *testing.T) {
	dir := initRepo(t)
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "b.txt"), []byte("staged\n"), 0644))
	addCmd := gitapi.Command("git", "-C", dir, "add", "b.txt")
	failOnErr(t, addCmd.Run())

	stagedBefore, err := gitapi.GetGitStagedChanges(dir)
	failOnErr(t, err)

	result, err := Snapshot(dir, "mac-test", config.Defaults(), nil, nil, time.Now())
	failOnErr(t, err)
	if result.Skip != SkipNone {
		t.Fatalf("expected a real snapshot, got skip reason %q", result.Skip)
	}

	stagedAfter, err := gitapi.GetGitStagedChanges(dir)
	failOnErr(t, err)
	if len(stagedAfter) != len(stagedBefore) {
		t.Fatalf("snapshot disturbed the real index: before=%v after=%v", stagedBefore, stagedAfter)
	}

	paths, err := gitapi.LsTreePaths(dir, result.CommitSha)
	failOnErr(t, err)
	if !containsPath(paths, "b.txt") {
		t.Fatalf("expected shadow tree to contain b.txt, got %v", paths)
	}
}

// recordingNotifier records every Notify call for assertions.
type recordingNotifier struct {
	calls int
}

func (r *recordingNotifier) Notify(title, body string) {
	r.calls++
}

// Scenario 3 (Large-file veto). The blocked transition must notify exactly
// once, not on every cycle the file stays oversized.
func TestSnapshotVetoesLargeFile(t *testing.T) {
	dir := initRepo(t)
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 2048), 0644))

	cfg := config.Defaults()
	cfg.LargeFileThreshold = 1024
	notifier := &recordingNotifier{}

	result, err := Snapshot(dir, "mac-test", cfg, nil, notifier, time.Now())
	failOnErr(t, err)
	if result.Skip != SkipLargeFile {
		t.Fatalf("expected large_file skip, got %q", result.Skip)
	}

	gitDir := filepath.Join(dir, ".git")
	st, err := drift.Read(gitDir)
	failOnErr(t, err)
	if st.Blocked == nil || st.Blocked.Path != "big.bin" {
		t.Fatalf("expected blocker recorded for big.bin, got %+v", st.Blocked)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notification on the blocked transition, got %d", notifier.calls)
	}

	result, err = Snapshot(dir, "mac-test", cfg, nil, notifier, time.Now())
	failOnErr(t, err)
	if result.Skip != SkipLargeFile {
		t.Fatalf("expected large_file skip on second cycle, got %q", result.Skip)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected no repeat notification while still blocked, got %d calls", notifier.calls)
	}
}

// Scenario 6 (Busy skip).
func TestSnapshotSkipsDuringRebase(t *testing.T) {
	dir := initRepo(t)
	failOnErr(t, os.Mkdir(filepath.Join(dir, ".git", "rebase-merge"), 0755))

	result, err := Snapshot(dir, "mac-test", config.Defaults(), nil, nil, time.Now())
	failOnErr(t, err)
	if result.Skip != SkipBusy {
		t.Fatalf("expected busy skip, got %q", result.Skip)
	}
}

func TestSnapshotNoopOnSecondUnchangedCycle(t *testing.T) {
	dir := initRepo(t)

	first, err := Snapshot(dir, "mac-test", config.Defaults(), nil, nil, time.Now())
	failOnErr(t, err)
	if first.Skip != SkipNone {
		t.Fatalf("expected first cycle to produce a commit, got skip %q", first.Skip)
	}

	second, err := Snapshot(dir, "mac-test", config.Defaults(), nil, nil, time.Now())
	failOnErr(t, err)
	if second.Skip != SkipNoop {
		t.Fatalf("expected second unchanged cycle to no-op, got %q", second.Skip)
	}
	if second.CommitSha != first.CommitSha {
		t.Fatalf("expected no-op to report the existing tip, got %s != %s", second.CommitSha, first.CommitSha)
	}
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}
