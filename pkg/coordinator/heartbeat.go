package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/ptyhost/errors"
)

// HeartbeatInterval returns the current heartbeat period.
func (c *Coordinator) HeartbeatInterval() time.Duration {
	return time.Duration(c.heartbeatInterval.Load())
}

func (c *Coordinator) heartbeatLoop() {
	timer := time.NewTimer(c.HeartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.Heartbeat(c.ctx)
			timer.Reset(c.HeartbeatInterval())
		}
	}
}

// Heartbeat sends one heartbeat per persisted session. Failures are
// swallowed; the registry expires sessions whose heartbeats stop. A session
// the registry no longer knows means it restarted, so a reconciliation is
// requested.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	records, err := c.store.GetAllSessions()
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read session records for heartbeat")
		return
	}

	var (
		wg       sync.WaitGroup
		lost     atomic.Bool
		failures atomic.Int32
	)
	for _, r := range records {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.registry.Heartbeat(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, errors.ErrCodeSessionNotFound):
				lost.Store(true)
			default:
				failures.Add(1)
			}
		}(r.Key())
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		c.heartbeatLog.Do(func() {
			c.logger.WithField("failed", n).Debug("Heartbeats failed; registry may be down")
		})
	}
	if lost.Load() {
		c.logger.Info("Registry lost track of sessions, reconciling")
		c.TriggerReconcile()
	}
}
