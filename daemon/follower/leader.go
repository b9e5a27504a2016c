package follower

// LeaderMonitor reports whether this replica may ingest notifications.
// Implementations are typically backed by an external election; the result
// may flip between any two calls.
type LeaderMonitor interface {
	IsLeader() bool
}

// alwaysLeader is the single-node mode: no election configured means this
// replica is the leader.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

func leaderOrDefault(m LeaderMonitor) LeaderMonitor {
	if m == nil {
		return alwaysLeader{}
	}
	return m
}
