package follower

import "sync/atomic"

// Status is the follower's externally readable state: owned by the follower
// goroutine on the write side, safe for concurrent reads. It replaces the
// process-global flags the original design grew around the loop.
type Status struct {
	connected  atomic.Bool
	ready      atomic.Bool
	fullUpdate atomic.Bool
}

// StatusSnapshot is a point-in-time copy of Status for reporting.
type StatusSnapshot struct {
	Connected         bool `json:"connected"`
	Ready             bool `json:"ready"`
	FullUpdateRunning bool `json:"fullUpdateRunning"`
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		Connected:         s.connected.Load(),
		Ready:             s.ready.Load(),
		FullUpdateRunning: s.fullUpdate.Load(),
	}
}

// Connected reports whether the upstream connection is established.
func (s *Status) Connected() bool { return s.connected.Load() }

// Ready reports whether the follower has completed at least one successful
// pass over the notification log or a snapshot.
func (s *Status) Ready() bool { return s.ready.Load() }

// FullUpdateRunning reports whether a snapshot rebuild is in flight.
func (s *Status) FullUpdateRunning() bool { return s.fullUpdate.Load() }

func (s *Status) setConnected(v bool) { s.connected.Store(v) }
func (s *Status) setReady()           { s.ready.Store(true) }

// beginFullUpdate asserts the full-update flag; it returns false when a
// full update is already running, which callers treat as a contract
// violation since the loop is single-threaded.
func (s *Status) beginFullUpdate() bool {
	return s.fullUpdate.CompareAndSwap(false, true)
}

func (s *Status) endFullUpdate() {
	s.fullUpdate.Store(false)
}
