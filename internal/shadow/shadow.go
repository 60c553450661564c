// Package shadow implements ShadowEngine (spec §4.5): the snapshot-commit
// routine that turns a dirty working tree into a shadow ref update without
// ever touching the user's real index, HEAD, or reflog.
package shadow

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/msolo/go-bis/glug"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/config"
	"github.com/msolo/git-pulsar/internal/drift"
	"github.com/msolo/git-pulsar/internal/machineid"
	"github.com/msolo/git-pulsar/internal/registry"
)

// SkipReason names why a cycle produced no new commit.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipBusy       SkipReason = "busy"
	SkipLargeFile  SkipReason = "large_file"
	SkipLockHeld   SkipReason = "lock_held"
	SkipNoop       SkipReason = "noop"
)

// Result reports the outcome of one snapshot cycle.
type Result struct {
	Skip     SkipReason
	CommitSha string
	Shortstat gitapi.Shortstat
}

// Snapshot runs the 8-step cycle for one repo:
//  1. acquire the non-blocking per-repo lock, skipping the cycle if held
//  2. skip if the working tree is mid-rebase/merge or index-locked
//  3. abort (and record a blocker, notifying on the unblocked->blocked
//     transition) if any candidate file exceeds the large-file threshold
//  4. populate the isolated index and write a tree
//  5. resolve the shadow ref's current tip
//  6. no-op out if the new tree equals the tip's tree
//  7. build and CAS-install the new commit
//  8. release the lock and record last_snapshot_at
func Snapshot(repoPath string, machineIDStr string, cfg config.Config, reg *registry.Registry, probe drift.Notifier, now time.Time) (Result, error) {
	gitDir, err := gitapi.GitDir(repoPath)
	if err != nil {
		return Result{}, gitapi.New(gitapi.KindTransient, "resolve gitdir", err)
	}

	lockPath := filepath.Join(gitDir, "pulsar.lock")
	lk := flock.New(lockPath)
	locked, err := lk.TryLock()
	if err != nil {
		return Result{}, gitapi.New(gitapi.KindTransient, "acquire snapshot lock", err)
	}
	if !locked {
		return Result{Skip: SkipLockHeld}, nil
	}
	defer lk.Unlock()

	if busy, reason := gitapi.WorkingTreeBusy(gitDir); busy {
		log.Infof("%s: skipping snapshot, %s", repoPath, reason)
		return Result{Skip: SkipBusy}, nil
	}

	if largePath, size, err := gitapi.FindLargeFile(repoPath, cfg.LargeFileThreshold); err != nil {
		return Result{}, err
	} else if largePath != "" {
		blocker := drift.Blocker{
			Reason:    "large_file",
			Path:      largePath,
			SizeBytes: size,
			At:        now,
		}
		wasBlocked, err := drift.SetBlocked(gitDir, blocker)
		if err != nil {
			log.Warningf("%s: failed to record large-file blocker: %s", repoPath, err)
		}
		if !wasBlocked && probe != nil {
			probe.Notify("git-pulsar: snapshot blocked",
				fmt.Sprintf("%s: %s exceeds the large-file threshold (%d bytes); snapshots paused until it's removed or ignored", repoPath, largePath, size))
		}
		return Result{Skip: SkipLargeFile}, nil
	}
	if err := drift.ClearBlocked(gitDir); err != nil {
		log.Warningf("%s: failed to clear blocker state: %s", repoPath, err)
	}

	branch, err := gitapi.CurrentBranch(repoPath)
	if err != nil {
		return Result{}, err
	}
	ref := machineid.ShadowRef(machineIDStr, branch)

	indexPath := filepath.Join(gitDir, "pulsar_index")
	sw := gitapi.NewShadowWorkdir(repoPath, indexPath)
	defer sw.CleanIndex()

	if err := sw.AddAllToShadowIndex(cfg.IgnorePatterns); err != nil {
		return Result{}, err
	}
	tree, err := sw.WriteTree()
	if err != nil {
		return Result{}, err
	}

	tip, err := gitapi.ResolveRef(repoPath, ref)
	if err != nil {
		return Result{}, err
	}

	if tip != "" {
		tipTree, err := gitapi.TreeOf(repoPath, tip)
		if err != nil {
			return Result{}, err
		}
		if tipTree == tree {
			if reg != nil {
				_ = reg.TouchSnapshot(repoPath, now)
			}
			return Result{Skip: SkipNoop, CommitSha: tip}, nil
		}
	}

	var parents []string
	if tip != "" {
		parents = []string{tip}
	} else if headSha, err := gitapi.GetHeadCommitHash(repoPath); err == nil {
		parents = []string{headSha}
	}

	stat := gitapi.Shortstat{}
	if len(parents) > 0 {
		if ss, err := gitapi.DiffShortstat(repoPath, parents[0], tree); err == nil {
			stat = ss
		}
	}

	message := fmt.Sprintf("pulsar: %s @ %s (%d files, +%d/-%d)",
		machineIDStr, now.UTC().Format(time.RFC3339), stat.FilesChanged, stat.Insertions, stat.Deletions)

	commitSha, err := sw.CommitTree(tree, parents, message)
	if err != nil {
		return Result{}, err
	}

	if err := gitapi.UpdateRefCAS(repoPath, ref, commitSha, tip); err != nil {
		return Result{}, err
	}

	if reg != nil {
		_ = reg.TouchSnapshot(repoPath, now)
	}

	return Result{CommitSha: commitSha, Shortstat: stat}, nil
}

// Push pushes the local machine's shadow ref for branch to the configured
// remote; this runs on its own cadence, independent of Snapshot.
func Push(repoPath, machineIDStr, branch, remoteName string) error {
	ref := machineid.ShadowRef(machineIDStr, branch)
	refspec := ref + ":" + ref
	return gitapi.Push(repoPath, remoteName, refspec)
}

// MaxShadowRefAge is the retention window for shadow refs (spec §6/§9):
// a ref whose commit is older than this is deleted by PruneStaleRefs.
const MaxShadowRefAge = 30 * 24 * time.Hour

// PruneStaleRefs deletes every shadow ref under refs/heads/wip/pulsar/
// whose commit time is older than maxAge, returning the deleted ref
// names. A ref whose commit time can't be read is left alone rather than
// guessed at.
func PruneStaleRefs(repoPath string, maxAge time.Duration, now time.Time) ([]string, error) {
	refs, err := gitapi.ListRefs(repoPath, "refs/heads/wip/pulsar/")
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, ref := range refs {
		when, err := gitapi.RefCommitTime(repoPath, ref)
		if err != nil {
			log.Warningf("%s: skipping stale-ref check for %s: %s", repoPath, ref, err)
			continue
		}
		if now.Sub(when) <= maxAge {
			continue
		}
		if err := gitapi.DeleteRef(repoPath, ref); err != nil {
			log.Warningf("%s: failed to prune stale shadow ref %s: %s", repoPath, ref, err)
			continue
		}
		deleted = append(deleted, ref)
	}
	return deleted, nil
}
