package gitapi

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func failOnErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "gitapi-test-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	run := func(args ...string) {
		cmd := Command("git", append([]string{"-C", dir}, args...)...)
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

func TestShadowSnapshotLeavesRealIndexUntouched(t *testing.T) {
	dir := initRepo(t)

	indexPath := filepath.Join(dir, ".git", "index")

	// Stage a change on the real index, the way a developer would mid-edit.
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0644))
	cmd := Command("git", "-C", dir, "add", "a.txt")
	failOnErr(t, cmd.Run())

	staged, err := ioutil.ReadFile(indexPath)
	failOnErr(t, err)

	sw := NewShadowWorkdir(dir, filepath.Join(dir, ".git", "pulsar_index"))
	failOnErr(t, sw.AddAllToShadowIndex(nil))
	tree, err := sw.WriteTree()
	failOnErr(t, err)
	if tree == "" {
		t.Fatal("expected a non-empty tree sha")
	}
	head, err := GetHeadCommitHash(dir)
	failOnErr(t, err)
	commitSha, err := sw.CommitTree(tree, []string{head}, "pulsar: test snapshot")
	failOnErr(t, err)
	failOnErr(t, UpdateRefCAS(dir, "refs/heads/wip/pulsar/m1/main", commitSha, ""))

	after, err := ioutil.ReadFile(indexPath)
	failOnErr(t, err)
	if string(after) != string(staged) {
		t.Fatalf("real index mutated by shadow snapshot: before-shadow=%d bytes after-shadow=%d bytes", len(staged), len(after))
	}
}

func TestResolveRefAbsent(t *testing.T) {
	dir := initRepo(t)
	sha, err := ResolveRef(dir, "refs/heads/wip/pulsar/nope/main")
	failOnErr(t, err)
	if sha != "" {
		t.Fatalf("expected absent ref to resolve empty, got %q", sha)
	}
}

func TestUpdateRefCASRejectsStaleOld(t *testing.T) {
	dir := initRepo(t)
	head, err := GetHeadCommitHash(dir)
	failOnErr(t, err)

	ref := "refs/heads/wip/pulsar/m1/main"
	failOnErr(t, UpdateRefCAS(dir, ref, head, ""))

	err = UpdateRefCAS(dir, ref, head, "0000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected CAS update with wrong old sha to fail")
	}
}

func TestWorkingTreeBusyDetectsRebase(t *testing.T) {
	dir := initRepo(t)
	gitDir := filepath.Join(dir, ".git")
	if busy, _ := WorkingTreeBusy(gitDir); busy {
		t.Fatal("expected clean repo to not be busy")
	}
	failOnErr(t, os.Mkdir(filepath.Join(gitDir, "rebase-merge"), 0755))
	busy, reason := WorkingTreeBusy(gitDir)
	if !busy || reason == "" {
		t.Fatal("expected rebase-merge marker to report busy")
	}
}

func TestFindLargeFileBoundary(t *testing.T) {
	dir := initRepo(t)
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "exact.bin"), make([]byte, 1024), 0644))

	path, _, err := FindLargeFile(dir, 1024)
	failOnErr(t, err)
	if path != "" {
		t.Fatalf("file exactly at threshold should be allowed, got flagged path %q", path)
	}

	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "over.bin"), make([]byte, 1025), 0644))
	path, size, err := FindLargeFile(dir, 1024)
	failOnErr(t, err)
	if path != "over.bin" || size != 1025 {
		t.Fatalf("expected over.bin/1025 to be flagged, got %q/%d", path, size)
	}
}
