// doctor.go decouples historical daemon events from current repo state, so
// a transient error that has since resolved is filtered out of what Events
// returns (spec §7).
package daemon

import (
	"sync"
	"time"

	"github.com/msolo/git-pulsar/gitapi"
)

// Event is one recorded occurrence, kept even after its condition resolves.
type Event struct {
	RepoPath string
	Kind     gitapi.Kind
	Reason   string
	At       time.Time
}

// State is the current condition of a repo as last observed by the loop.
type State struct {
	Busy    bool
	Blocked bool
	Paused  bool
}

const eventRingSize = 64

// Doctor holds a bounded history of events per repo plus each repo's last
// observed state, and filters stale events out at read time.
type Doctor struct {
	mu     sync.Mutex
	events map[string][]Event
	states map[string]State
}

func NewDoctor() *Doctor {
	return &Doctor{
		events: make(map[string][]Event),
		states: make(map[string]State),
	}
}

// Record appends an event to repoPath's ring, dropping the oldest entry
// once the ring is full.
func (d *Doctor) Record(repoPath string, kind gitapi.Kind, reason string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring := d.events[repoPath]
	ring = append(ring, Event{RepoPath: repoPath, Kind: kind, Reason: reason, At: at})
	if len(ring) > eventRingSize {
		ring = ring[len(ring)-eventRingSize:]
	}
	d.events[repoPath] = ring
}

// SetState records the current observed condition for a repo.
func (d *Doctor) SetState(repoPath string, st State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[repoPath] = st
}

// Events returns repoPath's event history, suppressing Transient and Busy
// entries whose condition the current state shows is resolved.
func (d *Doctor) Events(repoPath string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[repoPath]
	var out []Event
	for _, ev := range d.events[repoPath] {
		if ev.Kind == gitapi.KindBusy && !st.Busy {
			continue
		}
		if ev.Kind == gitapi.KindTransient && !st.Busy && !st.Blocked {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// State returns the last observed state for a repo.
func (d *Doctor) State(repoPath string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[repoPath]
}
