package reconcile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msolo/git-pulsar/gitapi"
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

// initRepo creates a repo with an initial commit and a bare "origin" remote,
// so Fetch succeeds even though nothing is ever pushed to it.
func initRepo(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "reconcile-test-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	remoteDir, err := ioutil.TempDir("", "reconcile-remote-")
	failOnErr(t, err)
	t.Cleanup(func() { os.RemoveAll(remoteDir) })
	run(t, remoteDir, "init", "-q", "--bare")

	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "test")
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644))
	run(t, dir, "add", "a.txt")
	run(t, dir, "commit", "-q", "-m", "initial")
	run(t, dir, "remote", "add", "origin", remoteDir)

	return dir
}

// makeShadowTip writes fileName/content into the working tree, stages
// everything into an isolated index off of the current HEAD, and installs
// the result as machineID's shadow ref for "main".
func makeShadowTip(t *testing.T, dir, machineID, fileName, content string) string {
	t.Helper()
	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, fileName), []byte(content), 0644))

	gitDir, err := gitapi.GitDir(dir)
	failOnErr(t, err)
	sw := gitapi.NewShadowWorkdir(dir, filepath.Join(gitDir, "pulsar_index_"+machineID))
	failOnErr(t, sw.AddAllToShadowIndex(nil))
	tree, err := sw.WriteTree()
	failOnErr(t, err)

	head, err := gitapi.GetHeadCommitHash(dir)
	failOnErr(t, err)

	commitSha, err := sw.CommitTree(tree, []string{head}, "pulsar: "+machineID)
	failOnErr(t, err)

	ref := "refs/heads/wip/pulsar/" + machineID + "/main"
	failOnErr(t, gitapi.UpdateRefCAS(dir, ref, commitSha, ""))

	failOnErr(t, os.Remove(filepath.Join(dir, fileName)))
	failOnErr(t, sw.CleanIndex())
	return commitSha
}

func TestFinalizeOctopusSquashWithThreeMachines(t *testing.T) {
	dir := initRepo(t)
	priorTip, err := gitapi.GetHeadCommitHash(dir)
	failOnErr(t, err)

	shaM1 := makeShadowTip(t, dir, "m1-alpha", "m1.txt", "from m1\n")
	shaM2 := makeShadowTip(t, dir, "m2-bravo", "m2.txt", "from m2\n")
	shaM3 := makeShadowTip(t, dir, "m3-charlie", "m3.txt", "from m3\n")

	result, err := Finalize(dir, "origin")
	failOnErr(t, err)

	wantParents := []string{priorTip, shaM1, shaM2, shaM3}
	if len(result.Parents) != len(wantParents) {
		t.Fatalf("expected %d parents, got %v", len(wantParents), result.Parents)
	}
	for i, p := range wantParents {
		if result.Parents[i] != p {
			t.Fatalf("expected parents in lexicographic machine-id order %v, got %v", wantParents, result.Parents)
		}
	}

	paths, err := gitapi.LsTreePaths(dir, result.CommitSha)
	failOnErr(t, err)
	for _, want := range []string{"a.txt", "m1.txt", "m2.txt", "m3.txt"} {
		if !containsPath(paths, want) {
			t.Fatalf("expected finalized tree to contain %q, got %v", want, paths)
		}
	}

	out, err := gitapi.Command("git", "-C", dir, "log", "-1", "--format=%B", result.CommitSha).Output()
	failOnErr(t, err)
	message := string(out)
	for _, want := range []string{"m1-alpha (1 file)", "m2-bravo (1 file)", "m3-charlie (1 file)"} {
		if !strings.Contains(message, want) {
			t.Fatalf("expected commit message to report per-machine file counts, missing %q in %q", want, message)
		}
	}
}

func TestFinalizeAbortsOnConflict(t *testing.T) {
	dir := initRepo(t)
	headBefore, err := gitapi.GetHeadCommitHash(dir)
	failOnErr(t, err)

	makeShadowTip(t, dir, "m1-alpha", "shared.txt", "m1 version\n")
	makeShadowTip(t, dir, "m2-bravo", "shared.txt", "m2 version\n")

	_, err = Finalize(dir, "origin")
	if err == nil {
		t.Fatal("expected conflicting edits to abort finalize")
	}
	if _, ok := err.(*FinalizeConflictError); !ok {
		t.Fatalf("expected *FinalizeConflictError, got %T: %v", err, err)
	}

	headAfter, err := gitapi.GetHeadCommitHash(dir)
	failOnErr(t, err)
	if headAfter != headBefore {
		t.Fatalf("branch ref must be untouched on conflict: before=%s after=%s", headBefore, headAfter)
	}
}

func TestRestoreAppliesImmediatelyWhenUnmodified(t *testing.T) {
	dir := initRepo(t)
	makeShadowTip(t, dir, "m1-alpha", "new.txt", "restored content\n")

	sess, err := Start(dir, "m1-alpha", "new.txt")
	failOnErr(t, err)
	if sess.State != RestoreDone {
		t.Fatalf("expected unmodified restore to auto-apply, got state %v", sess.State)
	}
	got, err := ioutil.ReadFile(filepath.Join(dir, "new.txt"))
	failOnErr(t, err)
	if string(got) != "restored content\n" {
		t.Fatalf("expected restored content, got %q", got)
	}
}

func TestRestorePromptsOnLocalModification(t *testing.T) {
	dir := initRepo(t)
	makeShadowTip(t, dir, "m1-alpha", "a.txt", "shadow version\n")

	failOnErr(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("locally edited\n"), 0644))
	run(t, dir, "add", "a.txt")

	sess, err := Start(dir, "m1-alpha", "a.txt")
	failOnErr(t, err)
	if sess.State != RestorePrompt {
		t.Fatalf("expected modified local copy to enter PROMPT, got %v", sess.State)
	}

	diff, err := sess.Diff()
	failOnErr(t, err)
	if diff != "shadow version\n" {
		t.Fatalf("expected diff view to return shadow blob content, got %q", diff)
	}
	if sess.State != RestorePrompt {
		t.Fatalf("expected VIEW_DIFF to loop back to PROMPT, got %v", sess.State)
	}

	failOnErr(t, sess.Overwrite())
	if sess.State != RestoreDone {
		t.Fatalf("expected overwrite to terminate the session, got %v", sess.State)
	}
	got, err := ioutil.ReadFile(filepath.Join(dir, "a.txt"))
	failOnErr(t, err)
	if string(got) != "shadow version\n" {
		t.Fatalf("expected overwritten content, got %q", got)
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
