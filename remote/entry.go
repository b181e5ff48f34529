package remote

import "github.com/K-jun98/bucket4j/core"

// Snapshot is the persisted content of one bucket: its configuration and the
// lanes aligned with it.
type Snapshot struct {
	Configuration core.Configuration
	State         core.State
}

// NewSnapshot returns the initial snapshot of a bucket created at now.
func NewSnapshot(c core.Configuration, now int64) Snapshot {
	return Snapshot{Configuration: c.Clone(), State: core.NewState(c, now)}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Configuration: s.Configuration.Clone(), State: s.State.Clone()}
}

// MutableEntry is the view of one stored bucket a command executes against.
type MutableEntry interface {
	// Exists reports whether the bucket has state.
	Exists() bool
	// Get returns a copy of the current snapshot, or ErrBucketAbsent.
	Get() (Snapshot, error)
	// Set replaces the snapshot.
	Set(Snapshot)
}

// Entry is the MutableEntry used by the engine and by server-side executors.
// It is owned by a single execution attempt and is not safe for concurrent use.
type Entry struct {
	current *Snapshot
	changed bool
}

var _ MutableEntry = (*Entry)(nil)

// NewEntry wraps the fetched snapshot; nil means the bucket does not exist.
func NewEntry(s *Snapshot) *Entry {
	if s == nil {
		return &Entry{}
	}
	cp := s.Clone()
	return &Entry{current: &cp}
}

// Exists reports whether the entry holds a snapshot.
func (e *Entry) Exists() bool {
	return e.current != nil
}

// Get returns a copy so commands can mutate freely before calling Set.
func (e *Entry) Get() (Snapshot, error) {
	if e.current == nil {
		return Snapshot{}, ErrBucketAbsent
	}
	return e.current.Clone(), nil
}

// Set stores a copy of s and marks the entry as changed.
func (e *Entry) Set(s Snapshot) {
	cp := s.Clone()
	e.current = &cp
	e.changed = true
}

// Changed reports whether Set was called.
func (e *Entry) Changed() bool {
	return e.changed
}

// Snapshot returns the current snapshot, if any.
func (e *Entry) Snapshot() (Snapshot, bool) {
	if e.current == nil {
		return Snapshot{}, false
	}
	return e.current.Clone(), true
}
