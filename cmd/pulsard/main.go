// Command pulsard is the long-lived background process: it loads the
// Registry, resolves this machine's identity, and runs DaemonLoop until
// SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/msolo/go-bis/glug"
	"github.com/tebeka/atexit"

	"github.com/msolo/git-pulsar/internal/daemon"
	"github.com/msolo/git-pulsar/internal/machineid"
	"github.com/msolo/git-pulsar/internal/registry"
	"github.com/msolo/git-pulsar/internal/sysprobe"
)

func stateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "git-pulsar")
}

func main() {
	defer atexit.Exit(0)

	sd := stateDir()
	if err := os.MkdirAll(sd, 0755); err != nil {
		log.Exit(err)
	}

	machineIDStr, err := machineid.Resolve(sd)
	if err != nil {
		log.Exit(err)
	}
	log.Infof("pulsard starting, machine_id=%s, state_dir=%s", machineIDStr, sd)

	reg := registry.Open(sd)
	probe := sysprobe.New()
	loop := daemon.NewLoop(reg, probe, machineIDStr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Infof("pulsard received shutdown signal, draining")
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		log.Exit(err)
	}
	log.Infof("pulsard exiting")
}
