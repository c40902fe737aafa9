// Package state implements the run's shared key/value state with persistent-
// value semantics: every mutating operation returns a new Manager and leaves
// the prior one untouched. Steps never touch the state directly; they get a
// Scoped view restricted to their declared keys, writes are staged on the
// view, and the driver commits them explicitly after the step completes.
// Every permitted access lands in an audit log the run can report on.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/avorel/ensemble/pkg/api"
)

// Manager is one immutable snapshot in the run's state chain. Copies are
// shallow: values are shared between snapshots, so treat stored values as
// read-only. At large state sizes the per-commit map copy is the hotspot to
// revisit (structural sharing would fix it); ensembles keep state small in
// practice.
type Manager struct {
	schema map[string]string
	state  map[string]any
	log    []api.AccessLogEntry
}

// New builds the initial Manager for a run. cfg may be nil.
func New(cfg *api.StateConfig) *Manager {
	m := &Manager{
		schema: map[string]string{},
		state:  map[string]any{},
	}
	if cfg != nil {
		for k, v := range cfg.Schema {
			m.schema[k] = v
		}
		for k, v := range cfg.Initial {
			m.state[k] = v
		}
	}
	return m
}

// Restore rebuilds a Manager from a suspend snapshot.
func Restore(snapshot map[string]any, log []api.AccessLogEntry, schema map[string]string) *Manager {
	m := &Manager{
		schema: map[string]string{},
		state:  make(map[string]any, len(snapshot)),
		log:    append([]api.AccessLogEntry(nil), log...),
	}
	for k, v := range schema {
		m.schema[k] = v
	}
	for k, v := range snapshot {
		m.state[k] = v
	}
	return m
}

// Get returns the current value for key.
func (m *Manager) Get(key string) (any, bool) {
	v, ok := m.state[key]
	return v, ok
}

// Snapshot returns a copy of the current state map.
func (m *Manager) Snapshot() map[string]any {
	out := make(map[string]any, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

// AccessLog returns a copy of the cumulative access log.
func (m *Manager) AccessLog() []api.AccessLogEntry {
	return append([]api.AccessLogEntry(nil), m.log...)
}

// ForAgent returns a scoped view for one step: reads restricted to
// access.Use, writes to access.Set. A nil access denies everything.
func (m *Manager) ForAgent(owner string, access *api.StateAccess) *Scoped {
	s := &Scoped{
		owner:   owner,
		use:     map[string]bool{},
		set:     map[string]bool{},
		view:    m.state,
		pending: map[string]any{},
	}
	if access != nil {
		for _, k := range access.Use {
			s.use[k] = true
		}
		for _, k := range access.Set {
			s.set[k] = true
		}
	}
	return s
}

// ApplyPendingUpdates commits a scoped view's staged writes and recorded
// accesses, returning a new Manager. The receiver is unchanged; earlier
// snapshots stay valid for speculative branches and replay.
func (m *Manager) ApplyPendingUpdates(s *Scoped) *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Manager{
		schema: m.schema,
		state:  make(map[string]any, len(m.state)+len(s.pending)),
		log:    make([]api.AccessLogEntry, 0, len(m.log)+len(s.log)),
	}
	for k, v := range m.state {
		next.state[k] = v
	}
	for k, v := range s.pending {
		next.state[k] = v
	}
	next.log = append(next.log, m.log...)
	next.log = append(next.log, s.log...)
	return next
}

// Report derives the access-pattern summary from the cumulative log.
func (m *Manager) Report() *api.StateReport {
	patterns := make(map[string]api.KeyAccess)
	for _, e := range m.log {
		p := patterns[e.Key]
		switch e.Op {
		case api.AccessRead:
			p.Reads++
			p.Readers = appendUnique(p.Readers, e.Owner)
		case api.AccessWrite:
			p.Writes++
			p.Writers = appendUnique(p.Writers, e.Owner)
		}
		patterns[e.Key] = p
	}

	report := &api.StateReport{Patterns: patterns}
	for key := range m.state {
		p, touched := patterns[key]
		switch {
		case !touched:
			report.UnusedKeys = append(report.UnusedKeys, key)
		case p.Reads == 0 && p.Writes > 0:
			report.WriteOnlyKeys = append(report.WriteOnlyKeys, key)
		}
	}
	for key := range m.schema {
		if _, ok := m.state[key]; ok {
			continue
		}
		if _, touched := patterns[key]; !touched {
			report.UnusedKeys = append(report.UnusedKeys, key)
		}
	}
	sort.Strings(report.UnusedKeys)
	sort.Strings(report.WriteOnlyKeys)
	return report
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}

// Scoped is a step's restricted state view. Reads hit the snapshot the view
// was created from (plus the step's own staged writes); writes are staged
// until the driver commits via ApplyPendingUpdates.
type Scoped struct {
	owner string
	use   map[string]bool
	set   map[string]bool
	view  map[string]any

	mu      sync.Mutex
	pending map[string]any
	log     []api.AccessLogEntry
}

var _ api.ScopedState = (*Scoped)(nil)

// Get returns the value for key when the step declared it in Use. The step's
// own staged writes are visible to its reads.
func (s *Scoped) Get(key string) (any, bool) {
	if !s.use[key] {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, api.AccessLogEntry{
		Owner:     s.owner,
		Key:       key,
		Op:        api.AccessRead,
		Timestamp: time.Now(),
	})
	if v, ok := s.pending[key]; ok {
		return v, true
	}
	v, ok := s.view[key]
	return v, ok
}

// Set stages a write for key. Keys outside the step's Set declaration fail.
func (s *Scoped) Set(key string, value any) error {
	if !s.set[key] {
		return &api.AgentConfigError{
			Agent:  s.owner,
			Reason: "state key " + key + " is not writable by this step",
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = value
	s.log = append(s.log, api.AccessLogEntry{
		Owner:     s.owner,
		Key:       key,
		Op:        api.AccessWrite,
		Timestamp: time.Now(),
	})
	return nil
}

// Keys lists the keys this step may read, sorted.
func (s *Scoped) Keys() []string {
	keys := make([]string, 0, len(s.use))
	for k := range s.use {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PendingUpdates returns a copy of the staged writes.
func (s *Scoped) PendingUpdates() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}
