package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/msolo/go-bis/glug"
)

// Watcher notifies DaemonLoop when any cascade layer file changes, so the
// daemon can reload a repo's Config without polling os.Stat every tick.
type Watcher struct {
	fsw     *fsnotify.Watcher
	changed chan string
}

// NewWatcher watches the directories containing each layer path in paths
// (fsnotify watches directories, not bare files, so renames/atomic
// replacements of the config file are still observed).
func NewWatcher(paths LayerPaths) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]bool{}
	for _, p := range []string{paths.Global, paths.RepoLocal, paths.ProjectTable} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			log.Infof("config watch: skipping unwatchable dir %s: %s", dir, err)
		}
	}
	w := &Watcher{fsw: fsw, changed: make(chan string, 8)}
	go w.run(paths)
	return w, nil
}

func (w *Watcher) run(paths LayerPaths) {
	interesting := map[string]bool{
		paths.Global:       true,
		paths.RepoLocal:    true,
		paths.ProjectTable: true,
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if interesting[ev.Name] {
				select {
				case w.changed <- ev.Name:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Infof("config watch error: %s", err)
		}
	}
}

// Changed delivers a changed layer path whenever a watched file is
// written, created, or renamed into place.
func (w *Watcher) Changed() <-chan string { return w.changed }

func (w *Watcher) Close() error { return w.fsw.Close() }
