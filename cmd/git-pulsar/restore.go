package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/cmdflag"
	"github.com/msolo/git-pulsar/internal/reconcile"
)

func runRestore(ctx context.Context, cmd *cmdflag.Command, args []string) {
	if len(args) != 1 {
		exitOnError(fmt.Errorf("usage: git-pulsar restore <path>"))
	}
	repoPath := repoRoot()
	machineIDStr := localMachineID()

	sess, err := reconcile.Start(repoPath, machineIDStr, args[0])
	exitOnError(err)

	if sess.State == reconcile.RestoreDone {
		log.Infof("restored %s", args[0])
		return
	}

	reader := bufio.NewReader(os.Stdin)
	for sess.State == reconcile.RestorePrompt {
		fmt.Fprintf(os.Stderr, "%s is modified locally. [o]verwrite, [v]iew diff, [c]ancel? ", args[0])
		line, _ := reader.ReadString('\n')
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "o", "overwrite":
			exitOnError(sess.Overwrite())
		case "v", "view", "diff":
			diff, err := sess.Diff()
			exitOnError(err)
			fmt.Fprintln(os.Stderr, diff)
		case "c", "cancel", "":
			sess.Cancel()
		default:
			fmt.Fprintln(os.Stderr, "unrecognized response")
		}
	}

	switch sess.State {
	case reconcile.RestoreDone:
		log.Infof("restored %s", args[0])
	case reconcile.RestoreCancel:
		atexit.Exit(1)
	}
}
