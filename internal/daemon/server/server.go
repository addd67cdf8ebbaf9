// Package server provides the HTTP server for the pty daemon.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/internal/daemon/engine"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	pingInterval = 20 * time.Second
	writeTimeout = 10 * time.Second
)

// Server manages the daemon's HTTP server over a Unix socket.
type Server struct {
	logger   *logrus.Entry
	server   *http.Server
	engine   *engine.Engine
	upgrader websocket.Upgrader

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a new Server instance.
func New(eng *engine.Engine, logger *logrus.Entry) *Server {
	return &Server{
		logger: logger,
		engine: eng,
		quit:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Only local clients can reach the unix socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the daemon's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("POST /api/sessions/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKill)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return mux
}

// ListenAndServe starts the daemon on the given unix socket path.
// It blocks until the server stops or fails.
func (s *Server) ListenAndServe(socketPath string) error {
	// Cleanup stale socket
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set restrictive permissions on socket
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return s.Serve(listener)
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("Daemon listening")
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	// Hijacked websocket connections are not tracked by http.Server.
	s.quitOnce.Do(func() { close(s.quit) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends err as a GroveError body so clients can rebuild its code.
func writeError(w http.ResponseWriter, err error) {
	groveErr, ok := errors.As(err)
	if !ok {
		groveErr = errors.Wrap(err, errors.ErrCodeInternal, err.Error())
	}

	status := http.StatusInternalServerError
	switch groveErr.Code {
	case errors.ErrCodeSessionNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeSpawnFailed:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, groveErr)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   s.engine.Store().Status(),
		"sessions": s.engine.Store().GetSessions(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec models.SpawnSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid spawn request"))
		return
	}
	if spec.Command == "" {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "command is required"))
		return
	}

	res, err := s.engine.Create(spec)
	if err != nil {
		s.logger.WithError(err).WithField("command", spec.Command).Warn("Spawn failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid input request"))
		return
	}
	if err := s.engine.Write(r.PathValue("id"), req.Data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid resize request"))
		return
	}
	if err := s.engine.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Subscribe(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Kill(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams session events as JSON websocket frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.engine.Store().Subscribe()
	defer s.engine.Store().Unsubscribe(sub)

	s.logger.Debug("Event client connected")

	// Reader detects client close; clients send nothing else.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("Event client disconnected")
			return
		case <-r.Context().Done():
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				s.logger.Warn("Event client fell behind, closing stream")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagging"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
