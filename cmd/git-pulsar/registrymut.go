package main

import (
	"context"
	"time"

	log "github.com/msolo/go-bis/glug"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/internal/shadow"
)

func runPause(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	exitOnError(openRegistry().SetPaused(repoPath, true))
	log.Infof("paused %s", repoPath)
}

func runResume(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	exitOnError(openRegistry().SetPaused(repoPath, false))
	log.Infof("resumed %s", repoPath)
}

func runRemove(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()
	exitOnError(openRegistry().Remove(repoPath))
	log.Infof("removed %s", repoPath)
}

func runPrune(ctx context.Context, cmd *cmdflag.Command, args []string) {
	reg := openRegistry()
	removed, err := reg.Prune()
	exitOnError(err)
	for _, path := range removed {
		log.Infof("pruned registry entry %s", path)
	}

	entries, err := reg.Load()
	exitOnError(err)
	now := time.Now()
	for _, e := range entries {
		deleted, err := shadow.PruneStaleRefs(e.Path, shadow.MaxShadowRefAge, now)
		if err != nil {
			log.Warningf("%s: stale shadow-ref prune failed: %s", e.Path, err)
			continue
		}
		for _, ref := range deleted {
			log.Infof("%s: pruned stale shadow ref %s", e.Path, ref)
		}
	}
}
