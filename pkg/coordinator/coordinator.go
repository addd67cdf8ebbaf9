// Package coordinator ties the session backend, the registry and local
// persistence together. It owns the leader role, orders the create and
// destroy steps, and heals drift between the three.
package coordinator

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/grovetools/ptyhost/pkg/registry"
	"github.com/grovetools/ptyhost/state"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Environment entries added to spawned sessions when the caller has not set them.
const (
	EnvSessionID   = "PTYHOST_SESSION_ID"
	EnvRegistryURL = "PTYHOST_REGISTRY_URL"
)

// Options wires a Coordinator to its collaborators.
type Options struct {
	Config    *config.Config
	Backend   daemon.Client
	Registrar *registry.Registrar
	Registry  *registry.Client
	Store     *state.Store
	Notifier  notify.Notifier
	// Forwarder receives every backend event for the UI. Optional.
	Forwarder *Forwarder
}

// Coordinator is the long-lived coordination context for one application run.
type Coordinator struct {
	cfg       *config.Config
	backend   daemon.Client
	registrar *registry.Registrar
	registry  *registry.Client
	store     *state.Store
	forwarder *Forwarder
	leader    *LeaderTracker
	logger    *logrus.Entry

	mu         sync.Mutex
	sessions   map[string]*models.Session
	pending    map[string]struct{}
	earlyExits map[string]int

	heartbeatInterval atomic.Int64
	heartbeatLog      rate.Sometimes

	reconcileGroup singleflight.Group
	reconcileReq   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Start before use.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Coordinator{
		cfg:          cfg,
		backend:      opts.Backend,
		registrar:    opts.Registrar,
		registry:     opts.Registry,
		store:        opts.Store,
		forwarder:    opts.Forwarder,
		leader:       NewLeaderTracker(opts.Notifier),
		logger:       logging.NewLogger("coordinator"),
		sessions:     make(map[string]*models.Session),
		pending:      make(map[string]struct{}),
		earlyExits:   make(map[string]int),
		heartbeatLog: rate.Sometimes{First: 1, Interval: time.Minute},
		reconcileReq: make(chan struct{}, 1),
	}
	c.heartbeatInterval.Store(int64(cfg.Registry.HeartbeatIntervalDuration()))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// reconnectNotifier is implemented by backends that can lose and regain
// their connection.
type reconnectNotifier interface {
	OnReconnect(fn func())
}

// Start registers the desktop secret, reconciles against the backend, and
// starts the event pump, heartbeat and reconcile loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.registry.SetLeader(c.leaderEntry)
	c.registry.OnReauth(c.TriggerReconcile)
	if rn, ok := c.backend.(reconnectNotifier); ok {
		rn.OnReconnect(c.TriggerReconcile)
	}

	c.registrar.Register(ctx)

	if c.forwarder != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.forwarder.run(c.ctx)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump()
	}()

	if _, err := c.Reconcile(ctx); err != nil {
		c.logger.WithError(err).Warn("Startup reconciliation failed")
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.reconcileLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop()
	}()

	c.logger.WithField("backend", c.backend.Mode()).Info("Coordinator started")
	return nil
}

// Leader exposes the leader tracker.
func (c *Coordinator) Leader() *LeaderTracker {
	return c.leader
}

// Create spawns a session and brings it under coordination in order:
// persist, register, subscribe. Only spawn failures are returned; registry
// failures leave the session working but unregistered until reconciliation.
func (c *Coordinator) Create(ctx context.Context, spec models.SpawnSpec) (*models.Session, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	id := spec.ID
	spec.Env = c.sessionEnv(spec)

	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	defer c.settleCreate(id)

	res, err := c.spawn(ctx, spec)
	if err != nil {
		c.logger.WithError(err).WithField("command", spec.Command).Warn("Session spawn failed")
		return nil, err
	}

	role := c.leader.ConsiderForLeadership(id, spec.OwnerRole)
	if spec.OwnerRole == models.RoleWorker && role == models.RoleLeader {
		c.logger.WithField("session_id", id).Info("First session becomes leader despite worker hint")
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:             id,
		PID:            res.PID,
		Command:        spec.Command,
		Args:           spec.Args,
		Cwd:            spec.Cwd,
		OwnerAgentID:   spec.OwnerAgentID,
		OwnerSessionID: spec.OwnerSessionID,
		OwnerRole:      role,
		Title:          spec.Title,
		CLIType:        spec.CLIType,
		CreatedAt:      now,
	}
	if session.CLIType == "" {
		session.CLIType = c.cfg.Registry.CLIType
	}

	record := models.SessionRecord{
		ID:            id,
		Title:         session.Title,
		PtyID:         id,
		SessionID:     session.OwnerSessionID,
		LinkedAgentID: session.OwnerAgentID,
		ViewMode:      models.ViewModeTerminal,
		CreatedAt:     now,
		LastActiveAt:  now,
		CLIType:       session.CLIType,
		OwnerRole:     role,
	}
	if err := c.store.SaveSession(record); err != nil {
		c.leader.Release(id)
		if killErr := c.backend.Kill(context.WithoutCancel(ctx), id); killErr != nil {
			c.logger.WithError(killErr).WithField("session_id", id).Warn("Failed to kill unpersisted session")
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to persist session record")
	}

	c.mu.Lock()
	c.sessions[id] = session
	c.mu.Unlock()

	c.registry.RegisterSession(ctx, c.entryFor(session))

	if err := c.backend.Subscribe(ctx, id); err != nil && !errors.Is(err, errors.ErrCodeSessionNotFound) {
		c.logger.WithError(err).WithField("session_id", id).Warn("Failed to subscribe to session output")
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": id,
		"pid":        res.PID,
		"owner_role": role,
	}).Info("Session created")

	return copySession(session), nil
}

// settleCreate clears the pending guard and replays an exit that arrived
// while the create was still in flight.
func (c *Coordinator) settleCreate(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	code, exited := c.earlyExits[id]
	delete(c.earlyExits, id)
	c.mu.Unlock()

	if exited {
		c.handleExit(models.NewExitEvent(id, code))
	}
}

// spawn creates the process, waiting out a brief backend disconnect.
func (c *Coordinator) spawn(ctx context.Context, spec models.SpawnSpec) (*models.SpawnResult, error) {
	deadline := time.Now().Add(c.cfg.Backend.ReconnectWaitDuration())
	poll := c.cfg.Backend.ReconnectPollDuration()

	interrupted := false
	for {
		if !c.backend.IsRunning() {
			if err := c.waitConnected(ctx, deadline, poll); err != nil {
				return nil, errors.SpawnFailed(spec.Command, errors.DaemonUnavailable(err))
			}
		}

		// An earlier attempt may have spawned before its reply was lost.
		if interrupted {
			if res, ok := c.spawnedEarlier(ctx, spec.ID); ok {
				return res, nil
			}
		}

		res, err := c.backend.Create(ctx, spec)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errors.ErrCodeDaemonUnavailable) {
			if errors.Is(err, errors.ErrCodeSpawnFailed) {
				return nil, err
			}
			return nil, errors.SpawnFailed(spec.Command, err)
		}
		interrupted = true
		if time.Now().After(deadline) {
			return nil, errors.SpawnFailed(spec.Command, err)
		}

		c.logger.WithError(err).Debug("Backend unavailable during create, waiting for reconnect")
		select {
		case <-ctx.Done():
			return nil, errors.SpawnFailed(spec.Command, ctx.Err())
		case <-time.After(poll):
		}
	}
}

func (c *Coordinator) spawnedEarlier(ctx context.Context, id string) (*models.SpawnResult, bool) {
	live, err := c.backend.List(ctx)
	if err != nil {
		return nil, false
	}
	for _, s := range live {
		if s.ID == id {
			c.logger.WithField("session_id", id).Info("Create reply lost, session was spawned")
			return &models.SpawnResult{ID: id, PID: s.PID}, true
		}
	}
	return nil, false
}

func (c *Coordinator) waitConnected(ctx context.Context, deadline time.Time, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for !c.backend.IsRunning() {
		if time.Now().After(deadline) {
			return errors.New(errors.ErrCodeDaemonUnavailable, "backend did not reconnect in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// sessionEnv returns the caller's environment plus the coordinator's
// entries for keys the caller did not set.
func (c *Coordinator) sessionEnv(spec models.SpawnSpec) []string {
	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	env = append([]string(nil), env...)

	add := func(key, value string) {
		prefix := key + "="
		for _, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				return
			}
		}
		env = append(env, prefix+value)
	}
	add(EnvSessionID, spec.ID)
	if c.cfg.Registry.URL != "" {
		add(EnvRegistryURL, c.cfg.Registry.URL)
	}
	return env
}

// Kill terminates a session, then unregisters it and drops its record.
// The leader is protected and yields LEADER_PROTECTED.
func (c *Coordinator) Kill(ctx context.Context, id string) error {
	if c.leader.Protect(id) {
		c.logger.WithField("session_id", id).Warn("Refusing to kill leader session")
		return errors.LeaderProtected(id)
	}
	return c.destroy(ctx, id)
}

func (c *Coordinator) destroy(ctx context.Context, id string) error {
	err := c.backend.Kill(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrCodeSessionNotFound) {
		return err
	}
	c.finalize(ctx, id)
	return err
}

// finalize unregisters id and removes its record. It runs once per session
// whichever of kill or exit gets there first.
func (c *Coordinator) finalize(ctx context.Context, id string) {
	c.mu.Lock()
	_, tracked := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if !tracked {
		return
	}

	c.registry.UnregisterSession(ctx, id)
	if err := c.store.RemoveSession(id); err != nil {
		c.logger.WithError(err).WithField("session_id", id).Warn("Failed to remove session record")
	}
}

// handleExit runs for every exit event the backend delivers.
func (c *Coordinator) handleExit(ev models.Event) {
	id := ev.SessionID

	c.mu.Lock()
	if _, inFlight := c.pending[id]; inFlight {
		c.earlyExits[id] = ev.ExitCode
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"session_id": id,
		"exit_code":  ev.ExitCode,
	}).Info("Session exited")

	c.finalize(c.ctx, id)

	if c.leader.OnLeaderExit(id, ev.ExitCode) {
		c.logger.WithField("session_id", id).WithField("exit_code", ev.ExitCode).Error("Leader session exited")
	}
}

// Write sends input to a session.
func (c *Coordinator) Write(ctx context.Context, id string, data []byte) error {
	return c.backend.Write(ctx, id, data)
}

// Resize changes a session's window size.
func (c *Coordinator) Resize(ctx context.Context, id string, cols, rows uint16) error {
	return c.backend.Resize(ctx, id, cols, rows)
}

// SetClaudeMode records whether a session is shown in agent mode.
func (c *Coordinator) SetClaudeMode(id string, enabled bool) error {
	return c.store.SetClaudeMode(id, enabled)
}

// Sessions returns the coordinated sessions ordered by creation time.
func (c *Coordinator) Sessions() []*models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Session returns one coordinated session.
func (c *Coordinator) Session(id string) (*models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return copySession(s), true
}

// ApplyConfig applies settings that can change without a restart.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	interval := cfg.Registry.HeartbeatIntervalDuration()
	if time.Duration(c.heartbeatInterval.Swap(int64(interval))) != interval {
		c.logger.WithField("interval", interval).Info("Heartbeat interval updated")
	}
}

// Shutdown is the operator-confirmed teardown: every session is killed,
// the leader included, without a leader-died alert.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.killAll(ctx)
	c.leader.Reset()
	return c.Close()
}

// FullReset kills every session, clears local records and the registry,
// and resets leadership so the next created session leads again.
func (c *Coordinator) FullReset(ctx context.Context) models.ResetResult {
	c.killAll(ctx)

	if err := c.store.ClearAll(); err != nil {
		c.logger.WithError(err).Error("Failed to clear session records")
	}
	res := c.registry.ResetRegistry(ctx)
	c.leader.Reset()

	c.logger.WithField("cleared_count", res.ClearedCount).Info("Full reset complete")
	return res
}

func (c *Coordinator) killAll(ctx context.Context) {
	c.leader.ConfirmShutdown()

	ids := make(map[string]struct{})
	if live, err := c.backend.List(ctx); err == nil {
		for _, s := range live {
			ids[s.ID] = struct{}{}
		}
	} else {
		c.logger.WithError(err).Warn("Failed to list backend sessions for shutdown")
	}
	c.mu.Lock()
	for id := range c.sessions {
		ids[id] = struct{}{}
	}
	c.mu.Unlock()

	for id := range ids {
		if err := c.destroy(ctx, id); err != nil && !errors.Is(err, errors.ErrCodeSessionNotFound) {
			c.logger.WithError(err).WithField("session_id", id).Warn("Failed to kill session")
		}
	}
}

// Close stops the coordinator's loops and releases the backend. Sessions
// in an external daemon keep running.
func (c *Coordinator) Close() error {
	c.cancel()
	err := c.backend.Close()
	c.wg.Wait()
	return err
}

// pump drains backend events and handles exits. UI delivery happens on the
// forwarder's goroutine so a stalled reader never delays exit handling.
func (c *Coordinator) pump() {
	events := c.backend.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if c.forwarder != nil {
				c.forwarder.enqueue(ev)
			}
			if ev.Type == models.EventTypeExit {
				c.handleExit(ev)
			}
		}
	}
}

func (c *Coordinator) entryFor(s *models.Session) models.RegistryEntry {
	label := s.Title
	if label == "" {
		label = s.Command
	}
	return models.RegistryEntry{
		SessionID:      s.ID,
		Source:         models.Source(c.cfg.Registry.Source),
		DesktopURL:     c.cfg.Registry.DesktopURL,
		CLIType:        s.CLIType,
		PID:            s.PID,
		OwnerAgentID:   s.OwnerAgentID,
		OwnerSessionID: s.OwnerSessionID,
		OwnerRole:      s.OwnerRole,
		Label:          label,
	}
}

// leaderEntry is the registry's lookup for re-registering the leader.
func (c *Coordinator) leaderEntry() (models.RegistryEntry, bool) {
	id, ok := c.leader.LeaderID()
	if !ok {
		return models.RegistryEntry{}, false
	}
	c.mu.Lock()
	s, tracked := c.sessions[id]
	c.mu.Unlock()
	if !tracked {
		return models.RegistryEntry{}, false
	}
	return c.entryFor(s), true
}

func copySession(s *models.Session) *models.Session {
	cp := *s
	cp.Args = append([]string(nil), s.Args...)
	return &cp
}
