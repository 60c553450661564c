package main

import (
	"context"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/registry"
)

func runRegister(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	branch, err := gitapi.CurrentBranch(repoPath)
	exitOnError(err)

	machineIDStr := localMachineID()

	reg := openRegistry()
	if err := reg.Register(repoPath, machineIDStr, branch); err != nil {
		if registry.AlreadyRegistered(err) {
			log.Warningf("already registered: %s", repoPath)
			atexit.Exit(2)
			return
		}
		exitOnError(err)
	}
	log.Infof("registered %s as machine %s on branch %s", repoPath, machineIDStr, branch)
}
