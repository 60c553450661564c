// Package config implements ConfigCascade (spec §4.4): defaults, then
// global, then repo-local TOML layers, merged key by key, with presets
// expanding before later layers apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the fully-merged, fully-expanded set of recognized keys (§3).
type Config struct {
	RemoteName          string
	CommitIntervalSec   int
	PushIntervalSec     int
	EcoModePercent      int
	DriftPollIntervalSec int
	LargeFileThreshold  int64
	IgnorePatterns      []string
}

// Defaults returns the hardcoded base layer.
func Defaults() Config {
	return Config{
		RemoteName:           "origin",
		CommitIntervalSec:    600,
		PushIntervalSec:      3600,
		EcoModePercent:       20,
		DriftPollIntervalSec: 900,
		LargeFileThreshold:   104857600,
		IgnorePatterns:       nil,
	}
}

// presets holds the commit/push interval expansion for a daemon.preset
// value, per the table in spec §3.
var presets = map[string][2]int{
	"paranoid":   {300, 300},
	"aggressive": {300, 900},
	"balanced":   {600, 3600},
	"lazy":       {1800, 7200},
}

// rawLayer is the TOML decode target. Every key must be recognized;
// unrecognized keys fail the cascade load by name and file (§9).
type rawLayer struct {
	Core struct {
		RemoteName *string `toml:"remote_name"`
	} `toml:"core"`
	Daemon struct {
		Preset             *string `toml:"preset"`
		CommitInterval     *int    `toml:"commit_interval"`
		PushInterval       *int    `toml:"push_interval"`
		EcoModePercent     *int    `toml:"eco_mode_percent"`
		DriftPollInterval  *int    `toml:"drift_poll_interval"`
	} `toml:"daemon"`
	Limits struct {
		LargeFileThreshold *int64 `toml:"large_file_threshold"`
	} `toml:"limits"`
	Files struct {
		Ignore []string `toml:"ignore"`
	} `toml:"files"`
}

// LayerPaths is the set of files ConfigCascade watches and merges, in
// cascade order: global, repo-local pulsar.toml, repo-local project
// metadata table. Callers construct this once per repo.
type LayerPaths struct {
	Global       string // ~/.config/git-pulsar/config.toml
	RepoLocal    string // <repo>/pulsar.toml
	ProjectTable string // <repo>/git-pulsar.toml, [tool.git-pulsar] table
}

// DefaultLayerPaths resolves the standard cascade locations for a repo
// rooted at repoDir, honoring XDG_CONFIG_HOME.
func DefaultLayerPaths(repoDir string) LayerPaths {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return LayerPaths{
		Global:       filepath.Join(configHome, "git-pulsar", "config.toml"),
		RepoLocal:    filepath.Join(repoDir, "pulsar.toml"),
		ProjectTable: filepath.Join(repoDir, "git-pulsar.toml"),
	}
}

// Load reads and merges every layer in cascade order. A missing layer
// file is not an error; an unparseable or unrecognized-key layer is.
func Load(paths LayerPaths) (Config, error) {
	cfg := Defaults()

	for _, lp := range []string{paths.Global, paths.RepoLocal} {
		layer, present, err := readLayer(lp)
		if err != nil {
			return Config{}, err
		}
		if present {
			applyLayer(&cfg, layer)
		}
	}

	// The project-metadata layer only contributes its [tool.git-pulsar]
	// table, mirroring pyproject.toml's [tool.<name>] convention.
	if layer, present, err := readProjectTable(paths.ProjectTable); err != nil {
		return Config{}, err
	} else if present {
		applyLayer(&cfg, layer)
	}

	return cfg, nil
}

func readLayer(path string) (rawLayer, bool, error) {
	var layer rawLayer
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return layer, false, nil
		}
		return layer, false, err
	}
	md, err := toml.Decode(string(data), &layer)
	if err != nil {
		return layer, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return layer, false, fmt.Errorf("%s: unrecognized key %q", path, undecoded[0].String())
	}
	return layer, true, nil
}

func readProjectTable(path string) (rawLayer, bool, error) {
	var doc struct {
		Tool struct {
			GitPulsar rawLayer `toml:"git-pulsar"`
		} `toml:"tool"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rawLayer{}, false, nil
		}
		return rawLayer{}, false, err
	}
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return rawLayer{}, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	hasTable := false
	for _, k := range md.Keys() {
		if len(k) > 0 && k[0] == "tool" {
			hasTable = true
		}
	}
	if !hasTable {
		return rawLayer{}, false, nil
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return rawLayer{}, false, fmt.Errorf("%s: unrecognized key %q", path, undecoded[0].String())
	}
	return doc.Tool.GitPulsar, true, nil
}

// applyLayer expands any daemon.preset first, so an explicit interval set
// later in the same layer wins over that layer's own preset - and so a
// later layer's explicit interval always wins over an earlier layer's
// preset expansion, per the associativity law in spec §8.
func applyLayer(cfg *Config, layer rawLayer) {
	if layer.Daemon.Preset != nil {
		if iv, ok := presets[*layer.Daemon.Preset]; ok {
			cfg.CommitIntervalSec = iv[0]
			cfg.PushIntervalSec = iv[1]
		}
	}
	if layer.Core.RemoteName != nil {
		cfg.RemoteName = *layer.Core.RemoteName
	}
	if layer.Daemon.CommitInterval != nil {
		cfg.CommitIntervalSec = *layer.Daemon.CommitInterval
	}
	if layer.Daemon.PushInterval != nil {
		cfg.PushIntervalSec = *layer.Daemon.PushInterval
	}
	if layer.Daemon.EcoModePercent != nil {
		cfg.EcoModePercent = *layer.Daemon.EcoModePercent
	}
	if layer.Daemon.DriftPollInterval != nil {
		cfg.DriftPollIntervalSec = *layer.Daemon.DriftPollInterval
	}
	if layer.Limits.LargeFileThreshold != nil {
		cfg.LargeFileThreshold = *layer.Limits.LargeFileThreshold
	}
	if len(layer.Files.Ignore) > 0 {
		cfg.IgnorePatterns = dedupeAppend(cfg.IgnorePatterns, layer.Files.Ignore)
	}
}

// dedupeAppend concatenates base and next in cascade order, dropping
// duplicates while preserving first occurrence (spec §4.4 list-key rule).
func dedupeAppend(base, next []string) []string {
	seen := make(map[string]bool, len(base)+len(next))
	out := make([]string, 0, len(base)+len(next))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range next {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// MtimePaths returns every layer path that exists on disk, for callers
// (DaemonLoop, via fsnotify) that want to watch for cascade changes.
func MtimePaths(paths LayerPaths) []string {
	var out []string
	for _, p := range []string{paths.Global, paths.RepoLocal, paths.ProjectTable} {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
