package gitapi

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/msolo/go-bis/glug"
)

// ShadowWorkdir is a gitWorkDir bound to an isolated index file. All write
// operations route GIT_INDEX_FILE at indexPath so the caller's real
// .git/index is never read or written, per the zero-interference
// invariant.
type ShadowWorkdir struct {
	dir       string
	indexPath string
}

func NewShadowWorkdir(dir, indexPath string) *ShadowWorkdir {
	return &ShadowWorkdir{dir: dir, indexPath: indexPath}
}

func (sw *ShadowWorkdir) readCommand(args ...string) *Cmd {
	gitArgs := append([]string{"-C", sw.dir}, args...)
	cmd := Command("git", gitArgs...)
	cmd.Env = GetRestrictedEnv()
	return cmd
}

func (sw *ShadowWorkdir) writeCommand(args ...string) *Cmd {
	cmd := sw.readCommand(args...)
	cmd.Env = append(cmd.Env, "GIT_INDEX_FILE="+sw.indexPath)
	return cmd
}

// ResolveRef returns the sha a ref points at, or "" if the ref is absent.
func ResolveRef(workdir, ref string) (string, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("rev-parse", "--verify", "--quiet", ref).Output()
	if err != nil {
		if code, ok := ExitStatus(err); ok && code == 1 {
			return "", nil
		}
		return "", New(KindTransient, "resolve-ref "+ref, err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// ListRefs lists ref names under prefix (e.g. "refs/heads/wip/pulsar/").
func ListRefs(workdir, prefix string) ([]string, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("for-each-ref", "--format=%(refname)", prefix).Output()
	if err != nil {
		return nil, New(KindTransient, "list-refs "+prefix, err)
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// RefCommitTime returns the committer time of the commit a ref points at.
func RefCommitTime(workdir, ref string) (time.Time, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("log", "-1", "--format=%ct", ref).Output()
	if err != nil {
		return time.Time{}, New(KindTransient, "commit-time "+ref, err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return time.Time{}, New(KindCorruption, "commit-time "+ref, err)
	}
	return time.Unix(secs, 0), nil
}

// WorkingTreeBusy reports whether a rebase, merge, or locked index is
// in flight - any of which means a snapshot must be skipped this cycle.
func WorkingTreeBusy(gitDir string) (bool, string) {
	markers := []struct {
		path   string
		reason string
	}{
		{"rebase-merge", "rebase in progress"},
		{"rebase-apply", "rebase in progress"},
		{"MERGE_HEAD", "merge in progress"},
		{"index.lock", "index locked"},
	}
	for _, m := range markers {
		if _, err := os.Stat(path.Join(gitDir, m.path)); err == nil {
			return true, m.reason
		}
	}
	return false, ""
}

// AddAllToShadowIndex populates the isolated index with the working tree,
// honoring .gitignore plus any additional ignore patterns supplied by the
// config cascade's files.ignore list. It never touches HEAD or the real
// index, and never shells out to porcelain `git add` - every write stays
// within the plumbing set (read-tree, hash-object, update-index) per the
// isolation invariant.
func (sw *ShadowWorkdir) AddAllToShadowIndex(extraIgnore []string) error {
	// read-tree seeds the isolated index from HEAD first so unmodified
	// tracked files are present without re-hashing every blob.
	hadHead := true
	// Output (not Run) keeps git's stderr on the error for the check below.
	if _, err := sw.writeCommand("read-tree", "HEAD").Output(); err != nil {
		// An empty repo (no HEAD yet) is fine; start from an empty index.
		if !strings.Contains(ExitErrorStderr(err), "Not a valid object name") {
			return New(KindTransient, "read-tree HEAD", err)
		}
		hadHead = false
	}

	pathspec := []string{"."}
	for _, pat := range extraIgnore {
		pathspec = append(pathspec, ":!"+pat)
	}

	untracked, err := sw.listFiles(pathspec, "-o")
	if err != nil {
		return err
	}

	var changed, deleted []string
	if hadHead {
		// diff against HEAD (not the real index) so a file the caller has
		// already `git add`ed outside pulsar still shows up as changed.
		changed, deleted, err = sw.diffAgainstHead(pathspec)
		if err != nil {
			return err
		}
	} else {
		// No commits yet: everything already in the real index is new.
		changed, err = sw.listFiles(pathspec, "-c")
		if err != nil {
			return err
		}
	}

	for _, relPath := range append(untracked, changed...) {
		if relPath == "" {
			continue
		}
		if err := sw.hashAndStage(relPath); err != nil {
			return err
		}
	}
	for _, relPath := range deleted {
		if relPath == "" {
			continue
		}
		if err := sw.UnstageBlob(relPath); err != nil {
			return err
		}
	}
	return nil
}

// listFiles runs `git ls-files -z --exclude-standard <flags> -- <pathspec>`
// against the real working tree (read-only, no index touched) and splits
// the NUL-terminated output.
func (sw *ShadowWorkdir) listFiles(pathspec []string, flags ...string) ([]string, error) {
	args := append([]string{"ls-files", "-z"}, flags...)
	args = append(args, "--exclude-standard", "--")
	args = append(args, pathspec...)
	out, err := sw.readCommand(args...).Output()
	if err != nil {
		return nil, New(KindTransient, "ls-files", err)
	}
	return SplitNullTerminated(string(out)), nil
}

// diffAgainstHead reports every tracked path whose working-tree content
// differs from HEAD, whether that change is staged, unstaged, or both -
// this is what makes the result equivalent to `git add --all` rather than
// just the unstaged subset `ls-files -m` would show.
func (sw *ShadowWorkdir) diffAgainstHead(pathspec []string) (changed, deleted []string, err error) {
	args := append([]string{"diff", "--name-status", "-z", "--no-renames", "HEAD", "--"}, pathspec...)
	out, err := sw.readCommand(args...).Output()
	if err != nil {
		return nil, nil, New(KindTransient, "diff HEAD", err)
	}
	fields := SplitNullTerminated(string(out))
	for i := 0; i+1 < len(fields); i += 2 {
		status, relPath := fields[i], fields[i+1]
		if status == "D" {
			deleted = append(deleted, relPath)
		} else {
			changed = append(changed, relPath)
		}
	}
	return changed, deleted, nil
}

// hashAndStage writes relPath's current working-tree content as a blob via
// `hash-object -w` and stages it into the isolated index, handling
// symlinks (staged as their link target text, mode 120000) and regular
// files (mode 100644/100755 by the executable bit).
func (sw *ShadowWorkdir) hashAndStage(relPath string) error {
	fullPath := path.Join(sw.dir, relPath)
	fi, err := os.Lstat(fullPath)
	if err != nil {
		return New(KindTransient, "lstat "+relPath, err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(fullPath)
		if err != nil {
			return New(KindTransient, "readlink "+relPath, err)
		}
		sha, err := sw.hashObjectStdin([]byte(target))
		if err != nil {
			return err
		}
		return sw.StageBlob("120000", sha, relPath)
	}

	mode := "100644"
	if fi.Mode()&0111 != 0 {
		mode = "100755"
	}
	out, err := sw.readCommand("hash-object", "-w", "--", relPath).Output()
	if err != nil {
		return New(KindTransient, "hash-object "+relPath, err)
	}
	return sw.StageBlob(mode, strings.TrimSpace(string(out)), relPath)
}

func (sw *ShadowWorkdir) hashObjectStdin(data []byte) (string, error) {
	cmd := sw.readCommand("hash-object", "-w", "--stdin")
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		return "", New(KindTransient, "hash-object --stdin", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// FindLargeFile scans the working tree (respecting gitignore) for any
// tracked-or-new file larger than threshold bytes, returning its path.
// A file exactly at threshold is allowed per spec boundary behavior.
func FindLargeFile(workdir string, threshold int64) (string, int64, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("ls-files", "-z", "--cached", "--others", "--exclude-standard").Output()
	if err != nil {
		return "", 0, New(KindTransient, "ls-files", err)
	}
	for _, fname := range SplitNullTerminated(string(out)) {
		if fname == "" {
			continue
		}
		fi, statErr := os.Lstat(path.Join(workdir, fname))
		if statErr != nil || fi.IsDir() || !fi.Mode().IsRegular() {
			continue
		}
		if fi.Size() > threshold {
			return fname, fi.Size(), nil
		}
	}
	return "", 0, nil
}

// TreeOf returns the tree sha that commitish points at, used to detect a
// no-op snapshot cycle (new tree equals the shadow tip's tree).
func TreeOf(workdir, commitish string) (string, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("rev-parse", "--verify", "--quiet", commitish+"^{tree}").Output()
	if err != nil {
		if code, ok := ExitStatus(err); ok && code == 1 {
			return "", nil
		}
		return "", New(KindTransient, "tree-of "+commitish, err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// WriteTree writes the isolated index as a tree object and returns its sha.
func (sw *ShadowWorkdir) WriteTree() (string, error) {
	out, err := sw.writeCommand("write-tree").Output()
	if err != nil {
		return "", New(KindTransient, "write-tree", err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// CommitTree builds a commit object from a tree and explicit parents,
// bypassing the porcelain commit path entirely (no HEAD update, no
// reflog entry). Returns the new commit sha.
func (sw *ShadowWorkdir) CommitTree(tree string, parents []string, message string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		if p != "" {
			args = append(args, "-p", p)
		}
	}
	cmd := sw.writeCommand(args...)
	cmd.Stdin = strings.NewReader(message)
	out, err := cmd.Output()
	if err != nil {
		return "", New(KindTransient, "commit-tree", err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// UpdateRefCAS does a compare-and-swap ref update: it only succeeds if ref
// currently points at oldSha (oldSha == "" means "must not currently
// exist"). This serializes concurrent writers without any in-process lock.
func UpdateRefCAS(workdir, ref, newSha, oldSha string) error {
	gwd := &gitWorkDir{workdir}
	args := []string{"update-ref", ref, newSha}
	if oldSha != "" {
		args = append(args, oldSha)
	} else {
		args = append(args, strings.Repeat("0", 40))
	}
	if err := gwd.gitCommand(args...).Run(); err != nil {
		return New(KindTransient, "update-ref "+ref, err)
	}
	return nil
}

// DeleteRef removes a ref outright via `update-ref -d`, used for routine
// age-based shadow-ref GC (as opposed to QuarantineRef, which preserves a
// corrupt ref's value before deleting it).
func DeleteRef(workdir, ref string) error {
	gwd := &gitWorkDir{workdir}
	if err := gwd.gitCommand("update-ref", "-d", ref).Run(); err != nil {
		return New(KindTransient, "delete-ref "+ref, err)
	}
	return nil
}

// QuarantineRef renames a corrupt ref out of the live namespace by copying
// its current raw value into refs/pulsar-broken/<leaf>.<unix-ts> and
// deleting the original. update-ref -d is used for the delete so the
// quarantine survives even if the pointed-to object is gone.
func QuarantineRef(workdir, ref string, now time.Time) error {
	gwd := &gitWorkDir{workdir}
	sha, err := ResolveRef(workdir, ref)
	if err != nil {
		return err
	}
	leaf := path.Base(ref)
	brokenRef := fmt.Sprintf("refs/pulsar-broken/%s.%d", leaf, now.Unix())
	if sha != "" {
		if err := gwd.gitCommand("update-ref", brokenRef, sha).Run(); err != nil {
			log.Warningf("failed to preserve broken ref %s as %s: %s", ref, brokenRef, err)
		}
	}
	if err := gwd.gitCommand("update-ref", "-d", ref).Run(); err != nil {
		return New(KindTransient, "quarantine delete "+ref, err)
	}
	return nil
}

// shortstatRe parses the tail of `git diff --shortstat`, tolerating any
// clause (files/insertions/deletions) being omitted.
var shortstatRe = struct {
	files, ins, del *regexp.Regexp
}{
	files: regexp.MustCompile(`(\d+) files? changed`),
	ins:   regexp.MustCompile(`(\d+) insertions?\(\+\)`),
	del:   regexp.MustCompile(`(\d+) deletions?\(-\)`),
}

type Shortstat struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

func parseShortstat(line string) Shortstat {
	var ss Shortstat
	if m := shortstatRe.files.FindStringSubmatch(line); m != nil {
		ss.FilesChanged, _ = strconv.Atoi(m[1])
	}
	if m := shortstatRe.ins.FindStringSubmatch(line); m != nil {
		ss.Insertions, _ = strconv.Atoi(m[1])
	}
	if m := shortstatRe.del.FindStringSubmatch(line); m != nil {
		ss.Deletions, _ = strconv.Atoi(m[1])
	}
	return ss
}

// DiffShortstat returns the {files_changed, insertions, deletions} summary
// between two commits (or trees).
func DiffShortstat(workdir, from, to string) (Shortstat, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("diff", "--shortstat", from, to).Output()
	if err != nil {
		return Shortstat{}, New(KindTransient, "diff-shortstat", err)
	}
	return parseShortstat(string(out)), nil
}

// NameStatus is one line of `git diff --name-status`.
type NameStatus struct {
	Status string
	Path   string
}

// DiffNameStatus returns the changed paths and their status codes between
// two tree-ish objects.
func DiffNameStatus(workdir, from, to string) ([]NameStatus, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("diff", "--name-status", "-z", "--no-renames", from, to).Output()
	if err != nil {
		return nil, New(KindTransient, "diff-name-status", err)
	}
	fields := SplitNullTerminated(string(out))
	var result []NameStatus
	for i := 0; i < len(fields); i++ {
		if fields[i] == "" {
			continue
		}
		result = append(result, NameStatus{Status: fields[i][:1], Path: fields[i+1]})
		i++
	}
	return result, nil
}

// LsTreeEntry returns the mode, type, and sha of a single path within a
// tree-ish, or ok=false if the path is absent from that tree.
func LsTreeEntry(workdir, treeish, relPath string) (mode, objType, sha string, ok bool, err error) {
	gwd := &gitWorkDir{workdir}
	out, cmdErr := gwd.gitCommand("ls-tree", treeish, "--", relPath).Output()
	if cmdErr != nil {
		return "", "", "", false, New(KindTransient, "ls-tree-entry "+relPath, cmdErr)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", "", "", false, nil
	}
	// format: "<mode> <type> <sha>\t<path>"
	tabIdx := strings.IndexByte(line, '\t')
	if tabIdx < 0 {
		return "", "", "", false, New(KindCorruption, "ls-tree-entry "+relPath, fmt.Errorf("unparseable ls-tree line %q", line))
	}
	fields := strings.Fields(line[:tabIdx])
	if len(fields) != 3 {
		return "", "", "", false, New(KindCorruption, "ls-tree-entry "+relPath, fmt.Errorf("unparseable ls-tree line %q", line))
	}
	return fields[0], fields[1], fields[2], true, nil
}

// StageBlob adds (or replaces) a single path in the isolated index with an
// explicit mode and blob sha, without touching the working tree.
func (sw *ShadowWorkdir) StageBlob(mode, sha, relPath string) error {
	cacheinfo := mode + "," + sha + "," + relPath
	if err := sw.writeCommand("update-index", "--add", "--cacheinfo", cacheinfo).Run(); err != nil {
		return New(KindTransient, "stage-blob "+relPath, err)
	}
	return nil
}

// UnstageBlob removes a path from the isolated index.
func (sw *ShadowWorkdir) UnstageBlob(relPath string) error {
	if err := sw.writeCommand("update-index", "--force-remove", relPath).Run(); err != nil {
		return New(KindTransient, "unstage-blob "+relPath, err)
	}
	return nil
}

// ReadTreeInto seeds the isolated index from a tree-ish, discarding
// whatever the index previously held.
func (sw *ShadowWorkdir) ReadTreeInto(treeish string) error {
	if err := sw.writeCommand("read-tree", treeish).Run(); err != nil {
		return New(KindTransient, "read-tree "+treeish, err)
	}
	return nil
}

// MergeBaseOctopus returns the best common ancestor of all given commits.
func MergeBaseOctopus(workdir string, commits []string) (string, error) {
	gwd := &gitWorkDir{workdir}
	args := append([]string{"merge-base", "--octopus"}, commits...)
	out, err := gwd.gitCommand(args...).Output()
	if err != nil {
		return "", New(KindTransient, "merge-base-octopus", err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// Fetch fetches refspec from remoteName.
func Fetch(workdir, remoteName string, refspecs ...string) error {
	gwd := &gitWorkDir{workdir}
	args := append([]string{"fetch", "-q", remoteName}, refspecs...)
	if err := gwd.gitCommand(args...).Run(); err != nil {
		return New(KindTransient, "fetch", err)
	}
	return nil
}

// Push pushes refspec to remoteName.
func Push(workdir, remoteName string, refspecs ...string) error {
	gwd := &gitWorkDir{workdir}
	args := append([]string{"push", "-q", remoteName}, refspecs...)
	if err := gwd.gitCommand(args...).Run(); err != nil {
		return New(KindTransient, "push", err)
	}
	return nil
}

// CheckoutFile materializes a path at a given commit into the working
// tree, via `git checkout <commit> -- <path>`, which updates both the
// real index entry and the working file for that single path only.
func CheckoutFile(workdir, commit, relPath string) error {
	gwd := &gitWorkDir{workdir}
	if err := gwd.gitCommand("checkout", commit, "--", relPath).Run(); err != nil {
		return New(KindTransient, "checkout-file "+relPath, err)
	}
	return nil
}

// ReadBlob returns the raw content of a path as it exists in a given
// commit, without touching the working tree or index at all.
func ReadBlob(workdir, commit, relPath string) ([]byte, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("show", commit+":"+relPath).Output()
	if err != nil {
		return nil, New(KindTransient, "read-blob "+relPath, err)
	}
	return out, nil
}

// LsTreePaths lists every file path in a tree-ish, recursively.
func LsTreePaths(workdir, treeish string) ([]string, error) {
	gwd := &gitWorkDir{workdir}
	out, err := gwd.gitCommand("ls-tree", "-r", "-z", "--name-only", treeish).Output()
	if err != nil {
		return nil, New(KindTransient, "ls-tree", err)
	}
	return SplitNullTerminated(string(out)), nil
}

// ReadTreeMerge rewrites the shadow index to treeish and checks it out
// into the working tree (`read-tree -u`), used by Reconciler.Sync to
// fast-forward the working tree to a cross-machine shadow tip without
// moving the user branch ref.
func (sw *ShadowWorkdir) ReadTreeMerge(treeish string) error {
	if err := sw.writeCommand("read-tree", "-u", "-m", "HEAD", treeish).Run(); err != nil {
		return New(KindTransient, "read-tree -u -m", err)
	}
	return nil
}

// CleanIndex removes the isolated index file between cycles; safe to call
// even if it does not exist.
func (sw *ShadowWorkdir) CleanIndex() error {
	err := os.Remove(sw.indexPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
