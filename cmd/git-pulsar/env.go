package main

import (
	"os"
	"path/filepath"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/config"
	"github.com/msolo/git-pulsar/internal/machineid"
	"github.com/msolo/git-pulsar/internal/registry"
)

// stateDir resolves ${XDG_STATE_HOME:-$HOME/.local/state}/git-pulsar.
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

func openRegistry() *registry.Registry {
	return registry.Open(stateDir())
}

func localMachineID() string {
	id, err := machineid.Resolve(stateDir())
	exitOnError(err)
	return id
}

func repoRoot() string {
	wd := gitapi.GitWorkdir()
	if wd == "" {
		exitOnError(gitapi.New(gitapi.KindFatal, "not inside a git repository", nil))
	}
	return wd
}

func loadConfig(repoPath string) config.Config {
	cfg, err := config.Load(config.DefaultLayerPaths(repoPath))
	exitOnError(err)
	return cfg
}
