// Package gitapi is a narrow, side-effect-explicit wrapper over the git
// CLI. Every invocation receives an explicit working directory and a
// restricted environment; writes route through GIT_INDEX_FILE so the
// caller's real index is never touched. Read-path helpers here are
// adapted from the original git-mg status/diff tooling; shadow.go adds
// the write-path plumbing (write-tree/commit-tree/update-ref) that tool
// never needed.
package gitapi

import (
	"bytes"
	"os"
	"os/exec"
	"path"
	"strings"

	log "github.com/msolo/go-bis/glug"
	"github.com/pkg/errors"
)

func GitWorkdir() string {
	wd, err := os.Getwd()
	if err != nil {
		panic(err) // This is fatal.
	}
	for wd != "/" {
		_, err := os.Stat(path.Join(wd, ".git"))
		if err == nil {
			return wd
		} else if os.IsNotExist(err) {
			wd = path.Dir(wd)
		} else {
			panic(err) // This is also fatal.
		}
	}
	return ""
}

// GitDir resolves the `.git` directory for workdir, following `.git` files
// (worktrees, submodules) rather than assuming it's always a plain directory.
func GitDir(workdir string) (string, error) {
	wd := &gitWorkDir{workdir}
	out, err := wd.gitCommand("rev-parse", "--git-dir").Output()
	if err != nil {
		return "", err
	}
	gitDir := string(bytes.TrimSpace(out))
	if !path.IsAbs(gitDir) {
		gitDir = path.Join(workdir, gitDir)
	}
	return gitDir, nil
}

type gitWorkDir struct {
	dir string
}

func NewGitWorkdir(dir string) *gitWorkDir {
	return &gitWorkDir{dir}
}

type GitConfig interface {
	Get(key string) string
}

type gitConfig map[string]string

// Get normalizes git config keys per `man git-config` - subsections are
// case-sensitive, section and key names are not.
func (gc gitConfig) Get(key string) string {
	kf := strings.Split(key, ".")
	if len(kf) == 3 {
		kf[0] = strings.ToLower(kf[0])
		kf[2] = strings.ToLower(kf[2])
		key = strings.Join(kf, ".")
	} else {
		key = strings.ToLower(key)
	}
	return gc[key]
}

func (wd *gitWorkDir) GitConfig() (GitConfig, error) {
	gitCmd := wd.gitCommand("config", "-z", "-l")
	output, err := gitCmd.Output()
	if err != nil {
		return nil, errors.WithMessage(err, "git config failed")
	}
	entries := SplitNullTerminated(string(output))
	cfg := gitConfig(make(map[string]string))
	for _, ent := range entries {
		keyValTuple := strings.SplitN(ent, "\n", 2)
		if len(keyValTuple) != 2 {
			log.Warningf("invalid git config tuple: %d %v", len(keyValTuple), keyValTuple)
			continue
		}
		cfg[keyValTuple[0]] = keyValTuple[1]
	}
	return cfg, nil
}

// GetRestrictedEnv returns a minimal environment for git subprocesses:
// enough for SSH/credential helpers to work, nothing that leaks unrelated
// process state into a subprocess whose writes we need to reason about
// precisely. Callers that need GIT_INDEX_FILE append it themselves.
func GetRestrictedEnv() []string {
	keys := []string{"PATH", "USER", "LOGNAME", "HOME", "SSH_AUTH_SOCK"}
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		if val := os.Getenv(key); val == "" {
			panic("invalid env, missing key: " + key)
		} else {
			env = append(env, key+"="+val)
		}
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "GIT_TRACE") {
			env = append(env, kv)
		}
	}
	return env
}

func (wd *gitWorkDir) gitCommand(args ...string) *Cmd {
	gitArgs := []string{}
	if wd.dir != "" {
		gitArgs = append(gitArgs, "-C", wd.dir)
	}
	gitArgs = append(gitArgs, args...)
	cmd := Command("git", gitArgs...)
	cmd.Stderr = os.Stderr
	cmd.Env = GetRestrictedEnv()
	return cmd
}

// GetMergeBaseCommitHash returns the merge base of HEAD and baseRef.
func GetMergeBaseCommitHash(workdir, baseRef string) (string, error) {
	gwd := gitWorkDir{workdir}
	out, err := gwd.gitCommand("merge-base", baseRef, "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func CurrentBranch(workdir string) (string, error) {
	gwd := gitWorkDir{workdir}
	out, err := gwd.gitCommand("rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

// CurrentBranchRef returns the full ref name of the currently checked-out
// branch, e.g. "refs/heads/main".
func CurrentBranchRef(workdir string) (string, error) {
	gwd := gitWorkDir{workdir}
	out, err := gwd.gitCommand("symbolic-ref", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func GetHeadCommitHash(workdir string) (string, error) {
	gwd := gitWorkDir{workdir}
	out, err := gwd.gitCommand("rev-parse", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func ParsePorcelainStatus(data []byte) (modifiedFiles []string, untrackedFiles []string, renamedFiles []string, unstagedFiles []string, err error) {
	entries := SplitNullTerminated(string(data))
	modifiedFiles = make([]string, 0, 16)
	unstagedFiles = make([]string, 0, 16)
	untrackedFiles = make([]string, 0, 16)
	renamedFiles = make([]string, 0, 16)
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 3 {
			continue
		}
		status, fname := entry[:2], entry[3:]
		if status == "UU" {
			// Ignore merge conflicts. They have to be resolved by hand.
			log.Warningf("ignoring unmerged file: %s", fname)
			continue
		}

		modifiedFiles = append(modifiedFiles, fname)
		if status[0] == 'R' {
			// Rename is encoded as: R  new\0old\0
			i++
			renamedFile := entries[i]
			modifiedFiles = append(modifiedFiles, renamedFile)
			renamedFiles = append(renamedFiles, renamedFile)
		} else if status == "??" {
			untrackedFiles = append(untrackedFiles, fname)
		} else if status[1] != ' ' {
			unstagedFiles = append(unstagedFiles, fname)
		}
	}
	return modifiedFiles, untrackedFiles, renamedFiles, unstagedFiles, nil
}

func GetGitStatus(workdir string) (changedFiles []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("status", "-z", "--porcelain", "--untracked-files=all").Output()
	if err != nil {
		return nil, err
	}
	changedFiles, _, _, _, err = ParsePorcelainStatus(stdout)
	return changedFiles, err
}

// IsClean reports whether the working tree has no staged or unstaged changes.
func IsClean(workdir string) (bool, error) {
	files, err := GetGitStatus(workdir)
	if err != nil {
		return false, err
	}
	return len(files) == 0, nil
}

// GetGitCommitChanges returns all files changed in a given commit.
func GetGitCommitChanges(workdir string, commitHash string) (changedFiles []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("diff-tree", "--no-commit-id", "-z", "-r", "--name-only", commitHash).Output()
	if err != nil {
		return nil, err
	}
	return SplitNullTerminated(string(stdout)), nil
}

// GetGitDiffChanges returns files changed on HEAD relative to another commit.
func GetGitDiffChanges(workdir string, otherHash string) (changedFiles []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("diff", "-z", "--no-renames", "--name-only", "HEAD", otherHash).Output()
	if err != nil {
		return nil, err
	}
	return SplitNullTerminated(string(stdout)), nil
}

func GetGitStagedChanges(workdir string) (changedFiles []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("diff", "-z", "--no-renames", "--name-only", "--staged").Output()
	if err != nil {
		return nil, err
	}
	return SplitNullTerminated(string(stdout)), nil
}

func GetGitUnstagedChanges(workdir string) (changedFiles []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("diff", "-z", "--no-renames", "--name-only").Output()
	if err != nil {
		return nil, err
	}
	return SplitNullTerminated(string(stdout)), nil
}

// GitCheckIgnore returns the subset of filePaths that are git-ignored.
func GitCheckIgnore(workdir string, filePaths []string) ([]string, error) {
	if len(filePaths) == 0 {
		return nil, nil
	}
	data := JoinNullTerminated(filePaths)
	gwd := gitWorkDir{workdir}
	cmd := gwd.gitCommand("check-ignore", "-z", "--stdin", "--no-index")
	cmd.Stdin = bytes.NewReader([]byte(data))
	out, err := cmd.Output()
	if err != nil {
		if code, ok := ExitStatus(err); ok {
			switch code {
			case 0, 1:
				// 0: some paths ignored, 1: none ignored - both fine.
			default:
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return SplitNullTerminated(string(out)), nil
}

// GitRenamedFiles returns the subset of filePaths git detected as renames.
func GitRenamedFiles(workdir string, filePaths []string) ([]string, error) {
	gwd := &gitWorkDir{workdir}
	args := []string{"status", "-z", "--porcelain", "--untracked-files=normal"}
	args = append(args, filePaths...)
	stdout, err := gwd.gitCommand(args...).Output()
	if err != nil {
		return nil, err
	}
	_, _, renamedFiles, _, err := ParsePorcelainStatus(stdout)
	return renamedFiles, err
}

func GetGitRemoteNames(workdir string) (remoteNames []string, err error) {
	gwd := &gitWorkDir{workdir}
	stdout, err := gwd.gitCommand("remote").Output()
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(stdout)), nil
}

func JoinNullTerminated(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return strings.Join(ss, "\000") + "\000"
}

func SplitNullTerminated(s string) []string {
	if s == "" {
		return nil
	}
	if s[len(s)-1] == '\000' {
		s = s[:len(s)-1]
	}
	return strings.Split(s, "\000")
}

// ExitErrorStderr extracts stderr text from a wrapped exec error, used by
// callers that need to report a plumbing failure verbatim.
func ExitErrorStderr(err error) string {
	if xe, ok := errors.Cause(err).(*ExitError); ok {
		return string(xe.Stderr)
	}
	if ee, ok := errors.Cause(err).(*exec.ExitError); ok {
		return string(ee.Stderr)
	}
	return ""
}
