// Package daemon implements DaemonLoop (spec §4.8): a single ticker-driven
// scheduler that drives ShadowEngine and DriftDetector across every
// registered, non-paused repo through a small bounded worker pool.
package daemon

import (
	"context"
	"sync"
	"time"

	log "github.com/msolo/go-bis/glug"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/msolo/git-pulsar/gitapi"
	"github.com/msolo/git-pulsar/internal/config"
	"github.com/msolo/git-pulsar/internal/drift"
	"github.com/msolo/git-pulsar/internal/registry"
	"github.com/msolo/git-pulsar/internal/shadow"
	"github.com/msolo/git-pulsar/internal/sysprobe"
)

// DefaultTick is the daemon's wake-up period.
const DefaultTick = 30 * time.Second

// DefaultWorkers bounds how many repos are processed concurrently.
const DefaultWorkers = 4

// Loop is the long-lived scheduler. One Loop per daemon process.
type Loop struct {
	Reg       *registry.Registry
	Probe     *sysprobe.Probe
	Doctor    *Doctor
	MachineID string
	Tick      time.Duration
	Workers   int64

	repoStateMu sync.Mutex
	repoState   map[string]*repoState
}

type repoState struct {
	cfg     config.Config
	watcher *config.Watcher
}

func NewLoop(reg *registry.Registry, probe *sysprobe.Probe, machineIDStr string) *Loop {
	return &Loop{
		Reg:       reg,
		Probe:     probe,
		Doctor:    NewDoctor(),
		MachineID: machineIDStr,
		Tick:      DefaultTick,
		Workers:   DefaultWorkers,
		repoState: make(map[string]*repoState),
	}
}

// Run blocks ticking until ctx is canceled (SIGTERM), draining the current
// in-flight tick before returning.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.runTick(ctx); err != nil {
				log.Warningf("daemon tick failed: %s", err)
			}
		}
	}
}

func (l *Loop) runTick(ctx context.Context) error {
	entries, err := l.Reg.Load()
	if err != nil {
		return gitapi.New(gitapi.KindFatal, "load registry", err)
	}

	sem := semaphore.NewWeighted(l.Workers)
	g, gctx := errgroup.WithContext(ctx)

	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // context canceled, draining
			}
			defer sem.Release(1)
			l.processRepo(e)
			return nil
		})
	}
	return g.Wait()
}

func (l *Loop) processRepo(e registry.Entry) {
	if e.Paused {
		l.Doctor.SetState(e.Path, State{Paused: true})
		return
	}

	cfg, err := l.loadConfig(e.Path)
	if err != nil {
		log.Warningf("%s: config cascade error: %s", e.Path, err)
		l.Doctor.Record(e.Path, gitapi.KindFatal, err.Error(), l.Probe.Now())
		return
	}

	now := l.Probe.Now()

	if now.Sub(e.LastSnapshotAt) >= time.Duration(cfg.CommitIntervalSec)*time.Second {
		l.runSnapshot(e, cfg, now)
	}
	if now.Sub(e.LastPushAt) >= time.Duration(cfg.PushIntervalSec)*time.Second {
		l.runPush(e, cfg, now)
	}
	if now.Sub(e.LastDriftCheckAt) >= time.Duration(cfg.DriftPollIntervalSec)*time.Second {
		l.runDriftCheck(e, cfg, now)
	}
}

func (l *Loop) runSnapshot(e registry.Entry, cfg config.Config, now time.Time) {
	result, err := shadow.Snapshot(e.Path, e.MachineID, cfg, l.Reg, l.Probe, now)
	if err != nil {
		kind := gitapi.KindTransient
		if gerr, ok := err.(*gitapi.Error); ok {
			kind = gerr.Kind
		}
		log.Warningf("%s: snapshot failed: %s", e.Path, err)
		l.Doctor.Record(e.Path, kind, err.Error(), now)
		return
	}
	l.Doctor.SetState(e.Path, State{
		Busy:    result.Skip == shadow.SkipBusy,
		Blocked: result.Skip == shadow.SkipLargeFile,
	})
	if result.Skip == shadow.SkipBusy {
		l.Doctor.Record(e.Path, gitapi.KindBusy, "working tree busy", now)
	}
}

func (l *Loop) runPush(e registry.Entry, cfg config.Config, now time.Time) {
	onAC, err := l.Probe.OnACPower()
	if err == nil && !onAC {
		pct, hasBattery, err := l.Probe.BatteryPercent()
		if err == nil && hasBattery && pct < cfg.EcoModePercent {
			log.Infof("%s: deferring push, eco mode (%d%% < %d%%)", e.Path, pct, cfg.EcoModePercent)
			return
		}
	}

	branch, err := gitapi.CurrentBranch(e.Path)
	if err != nil {
		l.Doctor.Record(e.Path, gitapi.KindTransient, err.Error(), now)
		return
	}
	if err := shadow.Push(e.Path, e.MachineID, branch, cfg.RemoteName); err != nil {
		log.Infof("%s: push failed (will retry): %s", e.Path, err)
		l.Doctor.Record(e.Path, gitapi.KindTransient, err.Error(), now)
		return
	}
	_ = l.Reg.TouchPush(e.Path, now)
}

func (l *Loop) runDriftCheck(e registry.Entry, cfg config.Config, now time.Time) {
	if _, err := drift.Poll(e.Path, cfg.RemoteName, e.MachineID, l.Probe); err != nil {
		log.Infof("%s: drift poll failed: %s", e.Path, err)
		l.Doctor.Record(e.Path, gitapi.KindTransient, err.Error(), now)
		return
	}
	_ = l.Reg.TouchDriftCheck(e.Path, now)
}

// loadConfig is called concurrently for distinct repos out of the same
// worker pool in runTick, so every access to the shared repoState map is
// guarded - a bare map is not safe for concurrent writes even on distinct
// keys.
func (l *Loop) loadConfig(repoPath string) (config.Config, error) {
	l.repoStateMu.Lock()
	rs, ok := l.repoState[repoPath]
	l.repoStateMu.Unlock()

	if !ok {
		paths := config.DefaultLayerPaths(repoPath)
		cfg, err := config.Load(paths)
		if err != nil {
			return config.Config{}, err
		}
		watcher, err := config.NewWatcher(paths)
		if err != nil {
			log.Infof("%s: config watch unavailable, falling back to static cascade: %s", repoPath, err)
		}
		rs = &repoState{cfg: cfg, watcher: watcher}

		l.repoStateMu.Lock()
		l.repoState[repoPath] = rs
		l.repoStateMu.Unlock()
		return rs.cfg, nil
	}

	if rs.watcher != nil {
		select {
		case <-rs.watcher.Changed():
			paths := config.DefaultLayerPaths(repoPath)
			cfg, err := config.Load(paths)
			if err != nil {
				return config.Config{}, err
			}
			rs.cfg = cfg
		default:
		}
	}
	return rs.cfg, nil
}
