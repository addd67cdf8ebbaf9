// Package engine connects the daemon's PTY manager to its state store.
package engine

import (
	"context"
	"time"

	"github.com/grovetools/ptyhost/internal/daemon/store"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/terminal"
	"github.com/sirupsen/logrus"
)

// Engine runs session operations for the daemon and pumps manager events into the store.
type Engine struct {
	store   *store.Store
	manager *terminal.Manager
	logger  *logrus.Entry
}

// New creates a new Engine instance.
func New(st *store.Store, manager *terminal.Manager, logger *logrus.Entry) *Engine {
	return &Engine{
		store:   st,
		manager: manager,
		logger:  logger,
	}
}

// Start forwards manager events to the store until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.manager.Events():
			if ev.Type == models.EventTypeExit {
				e.logger.WithField("session_id", ev.SessionID).WithField("exit_code", ev.ExitCode).Debug("Forwarding exit")
			}
			e.store.ApplyEvent(ev)
		}
	}
}

// Create spawns a session and records it.
func (e *Engine) Create(spec models.SpawnSpec) (*models.SpawnResult, error) {
	res, err := e.manager.Create(spec)
	if err != nil {
		return nil, err
	}
	e.store.AddSession(&store.SessionInfo{
		ID:        res.ID,
		PID:       res.PID,
		Command:   spec.Command,
		Args:      spec.Args,
		Cwd:       spec.Cwd,
		CreatedAt: time.Now(),
	})
	return res, nil
}

// Subscribe starts data delivery for a session.
func (e *Engine) Subscribe(id string) error {
	if err := e.manager.Subscribe(id); err != nil {
		return err
	}
	e.store.MarkSubscribed(id)
	return nil
}

// Write forwards input to a session.
func (e *Engine) Write(id string, data []byte) error {
	return e.manager.Write(id, data)
}

// Resize changes a session's window size.
func (e *Engine) Resize(id string, cols, rows uint16) error {
	return e.manager.Resize(id, cols, rows)
}

// Kill terminates a session.
func (e *Engine) Kill(id string) error {
	return e.manager.Kill(id)
}

// List returns live session status from the manager.
func (e *Engine) List() []models.SessionStatus {
	return e.manager.List()
}

// Shutdown kills every hosted session.
func (e *Engine) Shutdown() {
	e.manager.Close()
}

// Store returns the engine's state store.
func (e *Engine) Store() *store.Store {
	return e.store
}
