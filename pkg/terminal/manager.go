// Package terminal hosts PTY processes in the current process.
package terminal

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	grerrors "github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/process"
	"github.com/sirupsen/logrus"
)

const (
	// MaxPendingOutput bounds the output kept for a session before it is subscribed.
	MaxPendingOutput = 64 * 1024

	defaultCols = 80
	defaultRows = 24

	killGrace  = 3 * time.Second
	drainGrace = 500 * time.Millisecond
)

type session struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	mu           sync.Mutex
	subscribed   bool
	pending      [][]byte
	pendingBytes int

	readDone chan struct{}
	done     chan struct{}
}

// Manager spawns and supervises PTY sessions. Output and exit notifications
// are delivered in order on the Events channel.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	events   chan models.Event
	closed   chan struct{}
	once     sync.Once
	logger   *logrus.Entry
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		events:   make(chan models.Event, 256),
		closed:   make(chan struct{}),
		logger:   logging.NewLogger("terminal"),
	}
}

// Events returns the channel of data and exit events for all sessions.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// Create spawns spec.Command in a new PTY.
func (m *Manager) Create(spec models.SpawnSpec) (*models.SpawnResult, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, grerrors.SpawnFailed(spec.Command, err)
	}
	if spec.Cwd != "" {
		if info, err := os.Stat(spec.Cwd); err != nil || !info.IsDir() {
			return nil, grerrors.SpawnFailed(spec.Command, errors.New("working directory does not exist")).
				WithDetail("cwd", spec.Cwd)
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, grerrors.New(grerrors.ErrCodeInvalidInput, "session id already in use").
			WithDetail("session_id", id)
	}
	// Reserve the id while spawning.
	m.sessions[id] = nil
	m.mu.Unlock()

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Cwd
	if spec.Env != nil {
		cmd.Env = spec.Env
	} else {
		cmd.Env = os.Environ()
	}

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, grerrors.SpawnFailed(spec.Command, err)
	}

	s := &session{
		id:       id,
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.readLoop(s)
	go m.waitLoop(s)

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"pid":        s.pid,
		"command":    spec.Command,
	}).Info("Session created")

	return &models.SpawnResult{ID: id, PID: s.pid}, nil
}

func (m *Manager) get(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Write sends input to a session. Unknown ids are ignored.
func (m *Manager) Write(id string, data []byte) error {
	s := m.get(id)
	if s == nil {
		return nil
	}
	if _, err := s.ptmx.Write(data); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Resize changes a session's window size. Unknown ids are ignored.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s := m.get(id)
	if s == nil {
		return nil
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Kill terminates a session: SIGTERM now, SIGKILL after a grace period.
// It returns once the signal is issued.
func (m *Manager) Kill(id string) error {
	s := m.get(id)
	if s == nil {
		return grerrors.SessionNotFound(id)
	}

	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(killGrace):
			_ = s.cmd.Process.Kill()
		}
	}()

	m.logger.WithField("session_id", id).Info("Session kill issued")
	return nil
}

// List reports every tracked session with its current process liveness.
func (m *Manager) List() []models.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]models.SessionStatus, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s == nil {
			continue
		}
		list = append(list, models.SessionStatus{
			ID:    id,
			PID:   s.pid,
			Alive: process.IsProcessAlive(s.pid),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Subscribe starts data delivery for a session, flushing output buffered
// since it was created.
func (m *Manager) Subscribe(id string) error {
	s := m.get(id)
	if s == nil {
		return grerrors.SessionNotFound(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return nil
	}
	for _, chunk := range s.pending {
		m.emit(models.NewDataEvent(id, chunk))
	}
	s.pending = nil
	s.pendingBytes = 0
	s.subscribed = true
	return nil
}

// Close kills every session and stops event delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.cmd.Process.Kill()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(killGrace):
		}
	}
	m.once.Do(func() { close(m.closed) })
}

func (m *Manager) emit(ev models.Event) {
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

func (m *Manager) readLoop(s *session) {
	defer close(s.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.deliver(s, data)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				m.logger.WithError(err).WithField("session_id", s.id).Debug("pty read error")
			}
			return
		}
	}
}

// deliver emits data for subscribed sessions and buffers it otherwise,
// dropping the oldest chunks beyond MaxPendingOutput.
func (m *Manager) deliver(s *session, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed {
		m.emit(models.NewDataEvent(s.id, data))
		return
	}

	s.pending = append(s.pending, data)
	s.pendingBytes += len(data)
	for s.pendingBytes > MaxPendingOutput && len(s.pending) > 1 {
		s.pendingBytes -= len(s.pending[0])
		s.pending = s.pending[1:]
	}
}

func (m *Manager) waitLoop(s *session) {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	// Let trailing output reach subscribers before the exit event.
	select {
	case <-s.readDone:
	case <-time.After(drainGrace):
	}
	s.ptmx.Close()

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	close(s.done)

	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"exit_code":  code,
	}).Info("Session exited")

	m.emit(models.NewExitEvent(s.id, code))
}
