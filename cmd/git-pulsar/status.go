package main

import (
	"context"
	"fmt"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/drift"
	"github.com/msolo/git-pulsar/internal/sysprobe"
)

func runStatus(ctx context.Context, cmd *cmdflag.Command, args []string) {
	repoPath := repoRoot()

	entries, err := openRegistry().Load()
	exitOnError(err)

	var found bool
	for _, e := range entries {
		if e.Path != repoPath {
			continue
		}
		found = true
		fmt.Printf("repo:        %s\n", e.Path)
		fmt.Printf("machine_id:  %s\n", e.MachineID)
		fmt.Printf("paused:      %v\n", e.Paused)
		fmt.Printf("last snapshot: %s\n", e.LastSnapshotAt)
		fmt.Printf("last push:     %s\n", e.LastPushAt)
		fmt.Printf("last drift check: %s\n", e.LastDriftCheckAt)
	}
	if !found {
		fmt.Println("not registered")
	}

	gitDir, err := gitapi.GitDir(repoPath)
	exitOnError(err)
	st, err := drift.Read(gitDir)
	exitOnError(err)
	if !st.Acknowledged {
		fmt.Printf("drift:       newer shadow commits from %v as of %s (run `sync`)\n", st.ObservedMachines, st.AtTime)
	}
	if st.Blocked != nil {
		fmt.Printf("blocked:     %s (%s, %d bytes)\n", st.Blocked.Reason, st.Blocked.Path, st.Blocked.SizeBytes)
	}

	probe := sysprobe.New()
	onAC, _ := probe.OnACPower()
	pct, hasBattery, _ := probe.BatteryPercent()
	if hasBattery {
		fmt.Printf("power:       AC=%v battery=%d%%\n", onAC, pct)
	} else {
		fmt.Printf("power:       AC=%v (no battery)\n", onAC)
	}
}
