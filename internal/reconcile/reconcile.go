// Package reconcile implements Reconciler (spec §4.7): sync, restore, and
// the octopus-squash finalize, all invoked only from foreground commands.
package reconcile

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/drift"
	"github.com/msolo/git-pulsar/internal/machineid"
)

// Tip is one machine's shadow ref for a given user branch.
type Tip struct {
	MachineID string
	Ref       string
	Sha       string
}

// machineTips enumerates the newest shadow ref per machine for branch.
func machineTips(repoPath, branch string) ([]Tip, error) {
	refs, err := gitapi.ListRefs(repoPath, "refs/heads/wip/pulsar/")
	if err != nil {
		return nil, err
	}
	suffix := "/" + machineid.EncodeBranch(branch)
	var tips []Tip
	for _, ref := range refs {
		if !strings.HasSuffix(ref, suffix) {
			continue
		}
		rest := strings.TrimPrefix(ref, "refs/heads/wip/pulsar/")
		machine := strings.TrimSuffix(rest, suffix)
		sha, err := gitapi.ResolveRef(repoPath, ref)
		if err != nil || sha == "" {
			continue
		}
		tips = append(tips, Tip{MachineID: machine, Ref: ref, Sha: sha})
	}
	return tips, nil
}

// SyncResult reports what Sync did.
type SyncResult struct {
	NoDrift  bool
	Newest   Tip
	ReadTree bool
}

// Sync fetches, finds the newest cross-machine shadow tip for the current
// branch, requires a clean working tree, and fast-forwards the working
// tree (not the branch ref) to that tip's tree.
func Sync(repoPath, remoteName, localMachineID string) (SyncResult, error) {
	if err := gitapi.Fetch(repoPath, remoteName, "refs/heads/wip/pulsar/*:refs/heads/wip/pulsar/*"); err != nil {
		return SyncResult{}, err
	}

	branch, err := gitapi.CurrentBranch(repoPath)
	if err != nil {
		return SyncResult{}, err
	}
	tips, err := machineTips(repoPath, branch)
	if err != nil {
		return SyncResult{}, err
	}

	var newest Tip
	var newestTime time.Time
	for _, t := range tips {
		if t.MachineID == localMachineID {
			continue
		}
		when, err := gitapi.RefCommitTime(repoPath, t.Ref)
		if err != nil {
			continue
		}
		if newest.Sha == "" || when.After(newestTime) {
			newest = t
			newestTime = when
		}
	}
	if newest.Sha == "" {
		return SyncResult{NoDrift: true}, nil
	}

	clean, err := gitapi.IsClean(repoPath)
	if err != nil {
		return SyncResult{}, err
	}
	if !clean {
		return SyncResult{}, gitapi.New(gitapi.KindBlocker, "sync requires a clean working tree", nil)
	}

	gitDir, err := gitapi.GitDir(repoPath)
	if err != nil {
		return SyncResult{}, err
	}
	indexPath := filepath.Join(gitDir, "pulsar_index")
	sw := gitapi.NewShadowWorkdir(repoPath, indexPath)
	defer sw.CleanIndex()
	if err := sw.ReadTreeMerge(newest.Sha); err != nil {
		return SyncResult{}, err
	}

	if err := drift.Acknowledge(gitDir); err != nil {
		return SyncResult{}, err
	}

	return SyncResult{Newest: newest, ReadTree: true}, nil
}

// RestoreState is a node in the restore negotiation state machine
// (spec §4.7): PROMPT -> OVERWRITE -> done, PROMPT -> VIEW_DIFF -> PROMPT,
// PROMPT -> CANCEL -> done.
type RestoreState int

const (
	RestorePrompt RestoreState = iota
	RestoreOverwrite
	RestoreViewDiff
	RestoreCancel
	RestoreDone
)

// RestoreSession drives one `restore <path>` negotiation. The CLI layer
// calls Start, then Diff/Overwrite/Cancel in response to user input.
type RestoreSession struct {
	RepoPath  string
	MachineID string
	Path      string
	Modified  bool
	State     RestoreState

	shadowSha string
}

// Start locates the path at the latest local-machine shadow tip, decides
// whether it is modified locally, and enters PROMPT (if modified) or
// applies the restore immediately (if not).
func Start(repoPath, machineIDStr, relPath string) (*RestoreSession, error) {
	branch, err := gitapi.CurrentBranch(repoPath)
	if err != nil {
		return nil, err
	}
	ref := machineid.ShadowRef(machineIDStr, branch)
	tip, err := gitapi.ResolveRef(repoPath, ref)
	if err != nil {
		return nil, err
	}
	if tip == "" {
		return nil, gitapi.New(gitapi.KindBlocker, "no shadow history for this machine/branch", nil)
	}

	sess := &RestoreSession{RepoPath: repoPath, MachineID: machineIDStr, Path: relPath, shadowSha: tip}

	staged, err := gitapi.GetGitStagedChanges(repoPath)
	if err != nil {
		return nil, err
	}
	unstaged, err := gitapi.GetGitUnstagedChanges(repoPath)
	if err != nil {
		return nil, err
	}
	sess.Modified = contains(staged, relPath) || contains(unstaged, relPath)

	if !sess.Modified {
		if err := gitapi.CheckoutFile(repoPath, tip, relPath); err != nil {
			return nil, err
		}
		sess.State = RestoreDone
		return sess, nil
	}

	sess.State = RestorePrompt
	return sess, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Diff returns the full content of the path as recorded in the shadow
// commit, for VIEW_DIFF; it does not compute a line diff against the
// working copy. The session loops back to PROMPT afterward.
func (s *RestoreSession) Diff() (string, error) {
	s.State = RestoreViewDiff
	blob, err := gitapi.ReadBlob(s.RepoPath, s.shadowSha, s.Path)
	if err != nil {
		return "", err
	}
	s.State = RestorePrompt
	return string(blob), nil
}

// Overwrite applies the shadow version over the working copy, terminating
// the session.
func (s *RestoreSession) Overwrite() error {
	if err := gitapi.CheckoutFile(s.RepoPath, s.shadowSha, s.Path); err != nil {
		return err
	}
	s.State = RestoreDone
	return nil
}

// Cancel ends the session without mutating anything.
func (s *RestoreSession) Cancel() {
	s.State = RestoreCancel
}

// ConflictReport describes why finalize aborted.
type ConflictReport struct {
	Path      string
	Machines  []string
}

// FinalizeResult reports the outcome of a successful finalize.
type FinalizeResult struct {
	CommitSha string
	Parents   []string
	Machines  []string
}

// FinalizeConflictError wraps one or more conflicting paths; finalize
// leaves the user branch untouched when this is returned.
type FinalizeConflictError struct {
	Conflicts []ConflictReport
}

func (e *FinalizeConflictError) Error() string {
	var b strings.Builder
	b.WriteString("finalize aborted: conflicting paths:\n")
	for _, c := range e.Conflicts {
		fmt.Fprintf(&b, "  %s (from: %s)\n", c.Path, strings.Join(c.Machines, ", "))
	}
	return b.String()
}

// Finalize runs the octopus squash: fetch, enumerate every machine's
// shadow tip for the current branch, merge their trees against the common
// base, and install one commit on the user branch with all tips as
// parents (plus the prior branch tip), in lexicographic machine-id order.
func Finalize(repoPath, remoteName string) (FinalizeResult, error) {
	if err := gitapi.Fetch(repoPath, remoteName, "refs/heads/wip/pulsar/*:refs/heads/wip/pulsar/*"); err != nil {
		return FinalizeResult{}, err
	}

	branch, err := gitapi.CurrentBranch(repoPath)
	if err != nil {
		return FinalizeResult{}, err
	}
	tips, err := machineTips(repoPath, branch)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(tips) == 0 {
		return FinalizeResult{}, gitapi.New(gitapi.KindBlocker, "no shadow tips to finalize", nil)
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i].MachineID < tips[j].MachineID })

	priorTip, err := gitapi.GetHeadCommitHash(repoPath)
	if err != nil {
		return FinalizeResult{}, err
	}

	baseCommits := append([]string{priorTip}, shas(tips)...)
	base, err := gitapi.MergeBaseOctopus(repoPath, baseCommits)
	if err != nil {
		return FinalizeResult{}, err
	}

	type change struct {
		mode, objType, sha, machine string
	}
	merged := map[string]change{}
	var conflicts []ConflictReport
	conflictMachines := map[string][]string{}
	fileCounts := map[string]int{}

	for _, t := range tips {
		diffs, err := gitapi.DiffNameStatus(repoPath, base, t.Sha)
		if err != nil {
			return FinalizeResult{}, err
		}
		fileCounts[t.MachineID] = len(diffs)
		for _, d := range diffs {
			mode, objType, sha, ok, err := gitapi.LsTreeEntry(repoPath, t.Sha, d.Path)
			if err != nil {
				return FinalizeResult{}, err
			}
			if !ok {
				mode, objType, sha = "0", "deleted", ""
			}
			if existing, present := merged[d.Path]; present && existing.sha != sha {
				conflictMachines[d.Path] = append(conflictMachines[d.Path], existing.machine, t.MachineID)
				continue
			}
			merged[d.Path] = change{mode: mode, objType: objType, sha: sha, machine: t.MachineID}
		}
	}

	if len(conflictMachines) > 0 {
		for path, machines := range conflictMachines {
			conflicts = append(conflicts, ConflictReport{Path: path, Machines: uniq(machines)})
		}
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
		return FinalizeResult{}, &FinalizeConflictError{Conflicts: conflicts}
	}

	gitDir, err := gitapi.GitDir(repoPath)
	if err != nil {
		return FinalizeResult{}, err
	}
	indexPath := filepath.Join(gitDir, "pulsar_index")
	sw := gitapi.NewShadowWorkdir(repoPath, indexPath)
	defer sw.CleanIndex()
	if err := sw.ReadTreeInto(base); err != nil {
		return FinalizeResult{}, err
	}
	for path, ch := range merged {
		if ch.objType == "deleted" {
			if err := sw.UnstageBlob(path); err != nil {
				return FinalizeResult{}, err
			}
			continue
		}
		if err := sw.StageBlob(ch.mode, ch.sha, path); err != nil {
			return FinalizeResult{}, err
		}
	}
	tree, err := sw.WriteTree()
	if err != nil {
		return FinalizeResult{}, err
	}

	machineSummaries := make([]string, 0, len(tips))
	for _, t := range tips {
		n := fileCounts[t.MachineID]
		plural := "s"
		if n == 1 {
			plural = ""
		}
		machineSummaries = append(machineSummaries, fmt.Sprintf("%s (%d file%s)", t.MachineID, n, plural))
	}
	message := fmt.Sprintf("pulsar finalize: squash from %s", strings.Join(machineSummaries, ", "))

	parents := append([]string{priorTip}, shas(tips)...)
	commitSha, err := sw.CommitTree(tree, parents, message)
	if err != nil {
		return FinalizeResult{}, err
	}

	headRef, err := gitapi.CurrentBranchRef(repoPath)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := gitapi.UpdateRefCAS(repoPath, headRef, commitSha, priorTip); err != nil {
		return FinalizeResult{}, err
	}

	machineNames := make([]string, len(tips))
	for i, t := range tips {
		machineNames[i] = t.MachineID
	}
	return FinalizeResult{CommitSha: commitSha, Parents: parents, Machines: machineNames}, nil
}

func shas(tips []Tip) []string {
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.Sha
	}
	return out
}

func uniq(ss []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
