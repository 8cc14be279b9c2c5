package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/workerpool"
)

type JobInfo struct {
	ID            string
	Name          string
	Handler       string
	Cron          string
	Active        bool
	Registered    bool
	SkipIfRunning bool

	// Next and Prev come from the expression; LastFired is the engine's record.
	Next      time.Time
	Prev      time.Time
	LastFired time.Time
}

type Snapshot struct {
	State    State
	Timezone string
	Entries  int
	Jobs     []JobInfo
	Pool     workerpool.Snapshot
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snap := Snapshot{State: m.State(), Timezone: m.loc.String()}
	for _, reg := range m.list() {
		d := reg.desc
		it := JobInfo{
			ID:            d.ID(),
			Name:          d.Name(),
			Handler:       d.Handler(),
			Cron:          d.Cron(),
			Active:        d.Active(),
			Registered:    reg.hasEntry,
			SkipIfRunning: d.SkipIfRunning(),
		}
		if d.Active() && reg.trig != nil {
			it.Next = reg.trig.Next(now)
			it.Prev = reg.trig.Prev(now)
		}
		if m.eng != nil && reg.hasEntry {
			if _, last, ok := m.eng.Entry(reg.entry); ok {
				it.LastFired = last
			}
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	if m.eng != nil {
		snap.Entries = m.eng.Len()
	}
	if m.pool != nil {
		snap.Pool = m.pool.Snapshot()
	}
	return snap
}

// NextFireTimes previews the next n fire times of job id.
func (m *Manager) NextFireTimes(id string, n int) ([]time.Time, error) {
	id = strings.TrimSpace(id)
	for _, reg := range m.list() {
		if reg.desc.ID() != id {
			continue
		}
		if reg.trig == nil {
			return nil, nil
		}
		return reg.trig.NextN(m.now(), n), nil
	}
	return nil, errors.Wrapf(ErrJobNotFound, "job %q", id)
}
