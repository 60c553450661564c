package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/internal/reconcile"
)

func runFinalize(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	cfg := loadConfig(repoPath)

	result, err := reconcile.Finalize(repoPath, cfg.RemoteName)
	if conflictErr, ok := err.(*reconcile.FinalizeConflictError); ok {
		fmt.Fprintln(os.Stderr, conflictErr.Error())
		atexit.Exit(3)
		return
	}
	exitOnError(err)

	log.Infof("finalized %s onto current branch, parents from: %v", result.CommitSha, result.Machines)
}
