package coordinator

import (
	"context"
	"sort"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/sirupsen/logrus"
)

// ReconcileReport lists what one reconciliation pass changed.
type ReconcileReport struct {
	// Resumed sessions were live and persisted; they were resubscribed and re-registered.
	Resumed []string
	// Killed sessions were live in the backend with no persisted record.
	Killed []string
	// Dropped records had no live backend session.
	Dropped []string
	// Adopted is the surviving leader taken over from a previous run, if any.
	Adopted string
}

// Reconcile recomputes the authoritative session set from the backend's
// live list and the persisted records, then replays registrations.
// Orphaned backend sessions are killed before anything is re-registered.
// Concurrent calls share one pass.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	v, err, _ := c.reconcileGroup.Do("reconcile", func() (interface{}, error) {
		return c.reconcile(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReconcileReport), nil
}

// TriggerReconcile requests a pass in the background. Requests made while a
// pass is queued collapse into it.
func (c *Coordinator) TriggerReconcile() {
	select {
	case c.reconcileReq <- struct{}{}:
	default:
	}
}

func (c *Coordinator) reconcileLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconcileReq:
			if _, err := c.Reconcile(c.ctx); err != nil {
				c.logger.WithError(err).Warn("Reconciliation failed")
			}
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) (*ReconcileReport, error) {
	live, err := c.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.store.GetAllSessions()
	if err != nil {
		return nil, err
	}

	liveByID := make(map[string]models.SessionStatus, len(live))
	for _, s := range live {
		liveByID[s.ID] = s
	}
	recordByID := make(map[string]models.SessionRecord, len(records))
	for _, r := range records {
		recordByID[r.Key()] = r
	}

	report := &ReconcileReport{}

	// Live without a record: orphans from an earlier run. Kill first.
	for _, s := range live {
		if _, ok := recordByID[s.ID]; ok || c.isPending(s.ID) {
			continue
		}
		c.logger.WithError(errors.ReconciliationDrift("backend_orphan", s.ID)).
			WithField("session_id", s.ID).
			WithField("pid", s.PID).
			Error("Killing orphaned backend session")
		if err := c.backend.Kill(ctx, s.ID); err != nil && !errors.Is(err, errors.ErrCodeSessionNotFound) {
			c.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to kill orphaned session")
			continue
		}
		report.Killed = append(report.Killed, s.ID)
	}

	// Records without a live session: the process is gone.
	for _, r := range records {
		id := r.Key()
		if _, ok := liveByID[id]; ok || c.isPending(id) {
			continue
		}
		c.dropRecord(ctx, id)
		report.Dropped = append(report.Dropped, id)
	}

	// Both: resume.
	for _, r := range records {
		id := r.Key()
		status, ok := liveByID[id]
		if !ok || !status.Alive || c.isPending(id) {
			continue
		}
		session, adopted, ok := c.resume(ctx, r, status)
		if !ok {
			c.dropRecord(ctx, id)
			report.Dropped = append(report.Dropped, id)
			continue
		}
		if adopted {
			report.Adopted = id
		}
		c.registry.RegisterSession(ctx, c.entryFor(session))
		report.Resumed = append(report.Resumed, id)
	}

	sort.Strings(report.Resumed)
	sort.Strings(report.Killed)
	sort.Strings(report.Dropped)

	c.logger.WithFields(logrus.Fields{
		"resumed": len(report.Resumed),
		"killed":  len(report.Killed),
		"dropped": len(report.Dropped),
	}).Info("Reconciliation complete")

	return report, nil
}

// resume brings a surviving session back under coordination and
// resubscribes to its output. It reports whether the session was adopted
// as leader, and false in ok when the session exited after the live list
// was taken.
func (c *Coordinator) resume(ctx context.Context, r models.SessionRecord, status models.SessionStatus) (session *models.Session, adopted, ok bool) {
	id := status.ID

	role := models.RoleWorker
	if c.leader.Protect(id) {
		role = models.RoleLeader
	} else if r.OwnerRole == models.RoleLeader && c.leader.Adopt(id) {
		role = models.RoleLeader
		adopted = true
		c.logger.WithField("session_id", id).Info("Adopted surviving leader session")
	}

	c.mu.Lock()
	tracked, found := c.sessions[id]
	if !found {
		tracked = &models.Session{
			ID:             id,
			OwnerAgentID:   r.LinkedAgentID,
			OwnerSessionID: r.SessionID,
			Title:          r.Title,
			CLIType:        r.CLIType,
			CreatedAt:      r.CreatedAt,
		}
		if tracked.CLIType == "" {
			tracked.CLIType = c.cfg.Registry.CLIType
		}
		c.sessions[id] = tracked
	}
	tracked.PID = status.PID
	tracked.OwnerRole = role
	session = copySession(tracked)
	c.mu.Unlock()

	// Tracked before subscribing, so an exit from here on is finalized by
	// the event pump.
	if err := c.backend.Subscribe(ctx, id); err != nil {
		if errors.Is(err, errors.ErrCodeSessionNotFound) {
			c.logger.WithField("session_id", id).Info("Session exited before it could be resumed")
			return nil, adopted, false
		}
		c.logger.WithError(err).WithField("session_id", id).Warn("Failed to resubscribe to session")
	}

	c.mu.Lock()
	_, stillTracked := c.sessions[id]
	c.mu.Unlock()
	if stillTracked && r.OwnerRole != role {
		r.OwnerRole = role
		if err := c.store.SaveSession(r); err != nil {
			c.logger.WithError(err).WithField("session_id", id).Warn("Failed to update session record")
		}
	}
	return session, adopted, true
}

// dropRecord forgets a session whose process is gone without an exit event,
// typically because the daemon restarted.
func (c *Coordinator) dropRecord(ctx context.Context, id string) {
	c.logger.WithField("session_id", id).Info("Dropping record of vanished session")

	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()

	if err := c.store.RemoveSession(id); err != nil {
		c.logger.WithError(err).WithField("session_id", id).Warn("Failed to remove session record")
	}
	c.registry.UnregisterSession(ctx, id)

	if c.leader.OnLeaderExit(id, -1) {
		c.logger.WithField("session_id", id).Error("Leader session vanished from backend")
	}
}

func (c *Coordinator) isPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}
