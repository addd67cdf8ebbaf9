package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/grovetools/ptyhost/pkg/registry"
	"github.com/grovetools/ptyhost/state"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory session backend.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.SessionStatus
	specs    map[string]models.SpawnSpec
	calls    []string
	nextPID  int
	events   chan models.Event

	running     atomic.Bool
	creates     atomic.Int32
	lostReplies atomic.Int32
	createErr   error
	onSubscribe func(id string)
	onReconnect func()
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{
		sessions: make(map[string]*models.SessionStatus),
		specs:    make(map[string]models.SpawnSpec),
		nextPID:  1000,
		events:   make(chan models.Event, 64),
	}
	b.running.Store(true)
	return b
}

func (b *fakeBackend) record(call string) {
	b.calls = append(b.calls, call)
}

// seed adds a live session as if it survived from an earlier run.
func (b *fakeBackend) seed(id string, alive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPID++
	b.sessions[id] = &models.SessionStatus{ID: id, PID: b.nextPID, Alive: alive}
}

func (b *fakeBackend) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	return ok
}

// exit simulates the process behind id exiting on its own.
func (b *fakeBackend) exit(id string, code int) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
	b.events <- models.NewExitEvent(id, code)
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Create(ctx context.Context, spec models.SpawnSpec) (*models.SpawnResult, error) {
	if !b.running.Load() {
		return nil, errors.DaemonUnavailable(context.DeadlineExceeded)
	}
	if spec.Command == "missing" {
		return nil, errors.SpawnFailed(spec.Command, context.Canceled)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	if _, exists := b.sessions[spec.ID]; exists {
		return nil, errors.New(errors.ErrCodeInvalidInput, "session id already in use")
	}
	b.creates.Add(1)
	b.nextPID++
	b.sessions[spec.ID] = &models.SessionStatus{ID: spec.ID, PID: b.nextPID, Alive: true}
	b.specs[spec.ID] = spec
	b.record("create:" + spec.ID)
	if b.lostReplies.Load() > 0 {
		b.lostReplies.Add(-1)
		return nil, errors.DaemonUnavailable(context.DeadlineExceeded)
	}
	return &models.SpawnResult{ID: spec.ID, PID: b.nextPID}, nil
}

func (b *fakeBackend) Write(ctx context.Context, id string, data []byte) error { return nil }

func (b *fakeBackend) Resize(ctx context.Context, id string, cols, rows uint16) error { return nil }

func (b *fakeBackend) Kill(ctx context.Context, id string) error {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	b.record("kill:" + id)
	b.mu.Unlock()

	if !ok {
		return errors.SessionNotFound(id)
	}
	b.events <- models.NewExitEvent(id, -1)
	return nil
}

func (b *fakeBackend) List(ctx context.Context) ([]models.SessionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SessionStatus, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, id string) error {
	if b.onSubscribe != nil {
		b.onSubscribe(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("subscribe:" + id)
	if _, ok := b.sessions[id]; !ok {
		return errors.SessionNotFound(id)
	}
	return nil
}

func (b *fakeBackend) Events() <-chan models.Event { return b.events }

func (b *fakeBackend) IsRunning() bool { return b.running.Load() }

func (b *fakeBackend) Mode() daemon.Mode { return daemon.ModeEmbedded }

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) OnReconnect(fn func()) { b.onReconnect = fn }

var _ daemon.Client = (*fakeBackend)(nil)

// fakeRegistry rejects privileged calls with 403 until the secret is trusted.
type fakeRegistry struct {
	mu         sync.Mutex
	trusted    map[string]bool
	entries    map[string]models.RegistryEntry
	registered []string

	trustCalls atomic.Int32
	resets     atomic.Int32
	heartbeats atomic.Int32
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	f := &fakeRegistry{
		trusted: make(map[string]bool),
		entries: make(map[string]models.RegistryEntry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /desktop/trust", func(w http.ResponseWriter, r *http.Request) {
		f.trustCalls.Add(1)
		f.mu.Lock()
		f.trusted[r.Header.Get(registry.SecretHeader)] = true
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /mcp/desktop/trust", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /pty/register", func(w http.ResponseWriter, r *http.Request) {
		var entry models.RegistryEntry
		json.NewDecoder(r.Body).Decode(&entry)

		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.trusted[r.Header.Get(registry.SecretHeader)] {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.entries[entry.SessionID] = entry
		f.registered = append(f.registered, entry.SessionID)
	})
	mux.HandleFunc("DELETE /pty/unregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.trusted[r.Header.Get(registry.SecretHeader)] {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if _, ok := f.entries[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.entries, r.PathValue("id"))
	})
	mux.HandleFunc("DELETE /pty/reset", func(w http.ResponseWriter, r *http.Request) {
		f.resets.Add(1)
		f.mu.Lock()
		n := len(f.entries)
		f.entries = make(map[string]models.RegistryEntry)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(models.ResetResult{OK: true, ClearedCount: n})
	})
	mux.HandleFunc("POST /pty/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.heartbeats.Add(1)
		var body struct {
			SessionID string `json:"session_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		_, ok := f.entries[body.SessionID]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeRegistry) entry(id string) (models.RegistryEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return e, ok
}

// forgetTrust drops trust but keeps entries.
func (f *fakeRegistry) forgetTrust() {
	f.mu.Lock()
	f.trusted = make(map[string]bool)
	f.mu.Unlock()
}

// restart drops trust and entries.
func (f *fakeRegistry) restart() {
	f.mu.Lock()
	f.trusted = make(map[string]bool)
	f.entries = make(map[string]models.RegistryEntry)
	f.mu.Unlock()
}

func (f *fakeRegistry) registrations(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.registered {
		if r == id {
			n++
		}
	}
	return n
}

type harness struct {
	coord     *Coordinator
	backend   *fakeBackend
	registry  *fakeRegistry
	store     *state.Store
	notifier  *notify.ChannelNotifier
	forwarder *Forwarder
	cfg       *config.Config
}

func newHarness(t *testing.T, prepare func(h *harness)) *harness {
	t.Helper()
	t.Setenv("PTYHOST_HOME", t.TempDir())

	reg, ts := newFakeRegistry(t)

	cfg := config.Default()
	cfg.Registry.URL = ts.URL
	cfg.Registry.HeartbeatInterval = "1h"
	cfg.Registry.UnregisterDelay = "1ms"
	cfg.Registry.ResetInterval = "1ms"
	cfg.Backend.ReconnectWait = "300ms"
	cfg.Backend.ReconnectPoll = "10ms"

	h := &harness{
		backend:  newFakeBackend(),
		registry: reg,
		store:    state.NewStore(filepath.Join(t.TempDir(), "sessions.json")),
		notifier: notify.NewChannelNotifier(8),
		cfg:      cfg,
	}
	if prepare != nil {
		prepare(h)
	}

	registrar, err := registry.NewRegistrar(cfg.Registry, nil)
	require.NoError(t, err)

	h.coord = New(Options{
		Config:    cfg,
		Backend:   h.backend,
		Registrar: registrar,
		Registry:  registry.NewClient(cfg.Registry, registrar, nil, h.notifier),
		Store:     h.store,
		Notifier:  h.notifier,
		Forwarder: h.forwarder,
	})
	require.NoError(t, h.coord.Start(context.Background()))
	t.Cleanup(func() { h.coord.Close() })
	return h
}

func (h *harness) create(t *testing.T, spec models.SpawnSpec) *models.Session {
	t.Helper()
	if spec.Command == "" {
		spec.Command = "claude"
	}
	s, err := h.coord.Create(context.Background(), spec)
	require.NoError(t, err)
	return s
}
