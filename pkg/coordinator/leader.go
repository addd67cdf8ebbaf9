package coordinator

import (
	"sync"

	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
)

// LeaderTracker records which session is the leader for the current run.
//
// Leadership goes to the first session actually created after a reset and
// is never reassigned while that session lives. When the leader exits the
// role stays vacant until the next Reset.
type LeaderTracker struct {
	mu        sync.Mutex
	leaderID  string
	assigned  bool
	confirmed bool
	notifier  notify.Notifier
}

// NewLeaderTracker creates a tracker that alerts notifier on leader death.
func NewLeaderTracker(notifier notify.Notifier) *LeaderTracker {
	return &LeaderTracker{notifier: notifier}
}

// ConsiderForLeadership decides the role of a newly created session.
// The first session since the last reset becomes leader regardless of
// hinted; every later one is a worker.
func (t *LeaderTracker) ConsiderForLeadership(sessionID string, hinted models.OwnerRole) models.OwnerRole {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.assigned {
		t.assigned = true
		t.leaderID = sessionID
		return models.RoleLeader
	}
	return models.RoleWorker
}

// Adopt makes sessionID the leader if none has been assigned this run.
// Used when a leader from a previous run survived in the daemon.
func (t *LeaderTracker) Adopt(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.assigned {
		return t.leaderID == sessionID
	}
	t.assigned = true
	t.leaderID = sessionID
	return true
}

// Release undoes an assignment whose session never became usable.
func (t *LeaderTracker) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.leaderID == sessionID {
		t.leaderID = ""
		t.assigned = false
	}
}

// Reset clears the leader so the next created session becomes leader again.
func (t *LeaderTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaderID = ""
	t.assigned = false
	t.confirmed = false
}

// Protect reports whether sessionID is the current leader.
func (t *LeaderTracker) Protect(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sessionID != "" && sessionID == t.leaderID
}

// LeaderID returns the current leader, if any.
func (t *LeaderTracker) LeaderID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaderID, t.leaderID != ""
}

// ConfirmShutdown marks the operator-confirmed shutdown sequence. Leader
// exits after this point are expected and not alerted.
func (t *LeaderTracker) ConfirmShutdown() {
	t.mu.Lock()
	t.confirmed = true
	t.mu.Unlock()
}

// OnLeaderExit handles the exit of sessionID. If it was the leader the role
// becomes vacant and, unless a shutdown was confirmed, the notifier is
// alerted. It reports whether sessionID was the leader.
func (t *LeaderTracker) OnLeaderExit(sessionID string, exitCode int) bool {
	t.mu.Lock()
	if sessionID == "" || sessionID != t.leaderID {
		t.mu.Unlock()
		return false
	}
	t.leaderID = ""
	alert := !t.confirmed
	t.mu.Unlock()

	if alert && t.notifier != nil {
		t.notifier.LeaderDied(sessionID, exitCode)
	}
	return true
}
