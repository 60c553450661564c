package main

import (
	"context"
	"time"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/shadow"
	"github.com/msolo/git-pulsar/internal/sysprobe"
)

func runNow(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	machineIDStr := localMachineID()
	cfg := loadConfig(repoPath)
	reg := openRegistry()
	probe := sysprobe.New()

	result, err := shadow.Snapshot(repoPath, machineIDStr, cfg, reg, probe, time.Now())
	exitOnError(err)

	switch result.Skip {
	case shadow.SkipBusy, shadow.SkipLargeFile, shadow.SkipLockHeld:
		log.Warningf("%s: snapshot skipped (%s)", repoPath, result.Skip)
		atexit.Exit(1)
		return
	case shadow.SkipNoop:
		log.Infof("%s: no changes to snapshot", repoPath)
	default:
		log.Infof("%s: snapshotted %s", repoPath, result.CommitSha)
	}

	branch, err := gitapi.CurrentBranch(repoPath)
	exitOnError(err)
	if err := shadow.Push(repoPath, machineIDStr, branch, cfg.RemoteName); err != nil {
		log.Warningf("%s: push failed: %s", repoPath, err)
		atexit.Exit(1)
		return
	}
	_ = reg.TouchPush(repoPath, time.Now())
}
