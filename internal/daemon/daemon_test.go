package daemon

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/registry"
	"github.com/msolo/git-pulsar/internal/sysprobe"
)

func failOnErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := gitapi.Command("git", append([]string{"-C", dir}, args...)...)
	if err := cmd.Run(); err != nil {
		t.Fatalf("git %v: %s", args, err)
	}
}

// newFixture isolates the config cascade (XDG_CONFIG_HOME) and builds a
// repo with a bare "origin" remote so push/drift polling succeed offline.
func newFixture(t *testing.T) (repoDir string, reg *registry.Registry) {
	t.Helper()
	configHome, err := ioutil.TempDir("", "daemon-config-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(configHome) })
	t.Setenv("XDG_CONFIG_HOME", configHome)

	remoteDir, err := ioutil.TempDir("", "daemon-remote-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(remoteDir) })
	run(t, remoteDir, "init", "-q", "--bare")

	repoDir, err = ioutil.TempDir("", "daemon-repo-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(repoDir) })
	run(t, repoDir, "init", "-q", "-b", "main")
	run(t, repoDir, "config", "user.email", "test@example.com")
	run(t, repoDir, "config", "user.name", "test")
	failOnErr(t, ioutil.WriteFile(filepath.Join(repoDir, "a.txt"), []byte("one\n"), 0644))
	run(t, repoDir, "add", "a.txt")
	run(t, repoDir, "commit", "-q", "-m", "initial")
	run(t, repoDir, "remote", "add", "origin", remoteDir)

	stateDir, err := ioutil.TempDir("", "daemon-state-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(stateDir) })
	reg = registry.Open(stateDir)

	return repoDir, reg
}

func writeRepoConfig(t *testing.T, repoDir string, commitIntervalSec, pushIntervalSec, driftIntervalSec int) {
	t.Helper()
	content := ""
	content += "[daemon]\n"
	content += "commit_interval = " + itoa(commitIntervalSec) + "\n"
	content += "push_interval = " + itoa(pushIntervalSec) + "\n"
	content += "drift_poll_interval = " + itoa(driftIntervalSec) + "\n"
	failOnErr(t, ioutil.WriteFile(filepath.Join(repoDir, "pulsar.toml"), []byte(content), 0644))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Scenario 2 (decoupled cadence): a due commit interval fires a snapshot
// while push and drift, not yet due, are left untouched.
func TestProcessRepoRunsOnlyDueCadences(t *testing.T) {
	repoDir, reg := newFixture(t)
	writeRepoConfig(t, repoDir, 2, 3600, 3600)

	failOnErr(t, reg.Register(repoDir, "m1-alpha", "main"))
	entries, err := reg.Load()
	failOnErr(t, err)
	entry := entries[0]

	now := time.Now()
	entry.LastSnapshotAt = now.Add(-10 * time.Second)
	entry.LastPushAt = now
	entry.LastDriftCheckAt = now

	loop := NewLoop(reg, sysprobe.New(), "m1-alpha")
	loop.processRepo(entry)

	after, err := reg.Load()
	failOnErr(t, err)
	if !after[0].LastSnapshotAt.After(entry.LastSnapshotAt) {
		t.Fatalf("expected a due commit interval to trigger a snapshot and bump last_snapshot_at, got %v", after[0].LastSnapshotAt)
	}
	if !after[0].LastPushAt.Equal(entries[0].LastPushAt) {
		t.Fatalf("expected push (not due) to be left untouched, got %v != %v", after[0].LastPushAt, entries[0].LastPushAt)
	}
	if !after[0].LastDriftCheckAt.Equal(entries[0].LastDriftCheckAt) {
		t.Fatalf("expected drift poll (not due) to be left untouched, got %v != %v", after[0].LastDriftCheckAt, entries[0].LastDriftCheckAt)
	}

	tip, err := gitapi.ResolveRef(repoDir, "refs/heads/wip/pulsar/m1-alpha/main")
	failOnErr(t, err)
	if tip == "" {
		t.Fatal("expected the due snapshot to advance the shadow ref")
	}
}

func TestProcessRepoSkipsPausedEntries(t *testing.T) {
	repoDir, reg := newFixture(t)
	writeRepoConfig(t, repoDir, 1, 1, 1)

	failOnErr(t, reg.Register(repoDir, "m1-alpha", "main"))
	failOnErr(t, reg.SetPaused(repoDir, true))
	entries, err := reg.Load()
	failOnErr(t, err)
	entry := entries[0]
	entry.LastSnapshotAt = time.Now().Add(-time.Hour)

	loop := NewLoop(reg, sysprobe.New(), "m1-alpha")
	loop.processRepo(entry)

	tip, err := gitapi.ResolveRef(repoDir, "refs/heads/wip/pulsar/m1-alpha/main")
	failOnErr(t, err)
	if tip != "" {
		t.Fatal("expected a paused repo to never produce a shadow commit")
	}
	if st := loop.Doctor.State(repoDir); !st.Paused {
		t.Fatalf("expected doctor state to report paused, got %+v", st)
	}
}

func TestProcessRepoAdvancesMultipleDueSnapshotCyclesIndependently(t *testing.T) {
	repoDir, reg := newFixture(t)
	writeRepoConfig(t, repoDir, 2, 3600, 3600)
	failOnErr(t, reg.Register(repoDir, "m1-alpha", "main"))

	var lastSha string
	for i := 0; i < 3; i++ {
		entries, err := reg.Load()
		failOnErr(t, err)
		entry := entries[0]
		entry.LastSnapshotAt = time.Now().Add(-10 * time.Second)
		entry.LastPushAt = time.Now()
		entry.LastDriftCheckAt = time.Now()

		failOnErr(t, ioutil.WriteFile(filepath.Join(repoDir, "rotating.txt"), []byte(itoa(i)), 0644))

		loop := NewLoop(reg, sysprobe.New(), "m1-alpha")
		loop.processRepo(entry)

		tip, err := gitapi.ResolveRef(repoDir, "refs/heads/wip/pulsar/m1-alpha/main")
		failOnErr(t, err)
		if tip == "" {
			t.Fatalf("cycle %d: expected a shadow commit", i)
		}
		if tip == lastSha {
			t.Fatalf("cycle %d: expected the shadow ref to advance on a real content change", i)
		}
		lastSha = tip
	}
}
