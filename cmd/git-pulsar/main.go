// Command git-pulsar is the foreground CLI collaborator for the daemon:
// register/pause/resume/remove mutate the Registry, now/sync/restore/
// finalize drive the Reconciler and ShadowEngine synchronously, and status
// reads cached state without ever touching the network.
package main

import (
	"context"
	"os"

	log "github.com/msolo/go-bis/glug"
	"github.com/posener/complete/v2/predict"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
)

func exitOnError(err error) {
	if err != nil {
		atexit.Fatal(err)
	}
}

var cmdRegister = &cmdflag.Command{
	Name:      "register",
	Run:       runRegister,
	UsageLine: "register",
	UsageLong: "Add the current repository to the Registry and probe this machine's identity.",
	Args:      cmdflag.PredictNothing,
}

var cmdNow = &cmdflag.Command{
	Name:      "now",
	Run:       runNow,
	UsageLine: "now",
	UsageLong: "Run a synchronous snapshot and push for the current repository.",
	Args:      cmdflag.PredictNothing,
}

var cmdSync = &cmdflag.Command{
	Name:      "sync",
	Run:       runSync,
	UsageLine: "sync",
	UsageLong: "Fast-forward the working tree to the newest cross-machine shadow tip.",
	Args:      cmdflag.PredictNothing,
}

var cmdRestore = &cmdflag.Command{
	Name:      "restore",
	Run:       runRestore,
	UsageLine: "restore <path>",
	UsageLong: "Restore a single path from this machine's latest shadow commit.",
	Args:      predict.Files("*"),
}

var cmdFinalize = &cmdflag.Command{
	Name:      "finalize",
	Run:       runFinalize,
	UsageLine: "finalize",
	UsageLong: "Octopus-squash every machine's shadow stream onto the current branch.",
	Args:      cmdflag.PredictNothing,
}

var cmdPause = &cmdflag.Command{
	Name:      "pause",
	Run:       runPause,
	UsageLine: "pause",
	UsageLong: "Pause daemon activity for the current repository.",
	Args:      cmdflag.PredictNothing,
}

var cmdResume = &cmdflag.Command{
	Name:      "resume",
	Run:       runResume,
	UsageLine: "resume",
	UsageLong: "Resume daemon activity for the current repository.",
	Args:      cmdflag.PredictNothing,
}

var cmdRemove = &cmdflag.Command{
	Name:      "remove",
	Run:       runRemove,
	UsageLine: "remove",
	UsageLong: "Remove the current repository from the Registry.",
	Args:      cmdflag.PredictNothing,
}

var cmdStatus = &cmdflag.Command{
	Name:      "status",
	Run:       runStatus,
	UsageLine: "status",
	UsageLong: "Show Registry, drift, and SystemProbe state. Never touches the network.",
	Args:      cmdflag.PredictNothing,
}

var cmdPrune = &cmdflag.Command{
	Name:      "prune",
	Run:       runPrune,
	UsageLine: "prune",
	UsageLong: "Remove Registry entries for missing or non-repository paths and delete shadow refs older than 30 days. Refs already folded in by finalize are not deleted before they reach that age.",
	Args:      cmdflag.PredictNothing,
}

var cmdMain = &cmdflag.Command{
	Name: "git-pulsar",
	UsageLong: `git-pulsar - background state capture across machines

git-pulsar snapshots a git working directory into a per-machine shadow
branch namespace, pushes those snapshots independently of your normal
workflow, and reconciles shadow streams from every machine into a single
squashed commit on demand.
`,
	Args: cmdflag.PredictNothing,
}

var subcommands = []*cmdflag.Command{
	cmdRegister,
	cmdNow,
	cmdSync,
	cmdRestore,
	cmdFinalize,
	cmdPause,
	cmdResume,
	cmdRemove,
	cmdStatus,
	cmdPrune,
}

func main() {
	defer atexit.Exit(0)

	if val := os.Getenv("GIT_TRACE"); val != "" && val != "0" {
		log.SetLevel("INFO")
	}

	cmd, args := cmdflag.Parse(cmdMain, subcommands)
	cmd.Run(context.Background(), cmd, args)
}
