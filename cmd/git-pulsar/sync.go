package main

import (
	"context"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/reconcile"
)

func runSync(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	machineIDStr := localMachineID()
	cfg := loadConfig(repoPath)

	result, err := reconcile.Sync(repoPath, cfg.RemoteName, machineIDStr)
	if gitapi.IsBlocker(err) {
		log.Warningf("%s", err)
		atexit.Exit(1)
		return
	}
	exitOnError(err)

	if result.NoDrift {
		log.Infof("no shadow tip from another machine for this branch")
		atexit.Exit(2)
		return
	}
	log.Infof("working tree fast-forwarded to %s's shadow tip %s", result.Newest.MachineID, result.Newest.Sha)
}
