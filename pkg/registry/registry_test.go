package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry models the registry's trust state: privileged calls are
// rejected with 403 until the current secret has been trusted.
type fakeRegistry struct {
	mu      sync.Mutex
	trusted map[string]bool // secret -> trusted
	entries map[string]models.RegistryEntry

	primaryTrust   atomic.Int32
	secondaryTrust atomic.Int32
	registers      atomic.Int32
	heartbeats     atomic.Int32

	// registerGate, when set, holds register handlers until closed.
	registerGate chan struct{}
	// failPrimary makes the primary trust endpoint return 500.
	failPrimary atomic.Bool
	// unregisterStatus overrides the unregister response when non-zero.
	unregisterStatus atomic.Int32
	// resetStatus overrides the reset response when non-zero.
	resetStatus atomic.Int32
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	f := &fakeRegistry{
		trusted: make(map[string]bool),
		entries: make(map[string]models.RegistryEntry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /desktop/trust", func(w http.ResponseWriter, r *http.Request) {
		f.primaryTrust.Add(1)
		if f.failPrimary.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.trust(r.Header.Get(SecretHeader))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /mcp/desktop/trust", func(w http.ResponseWriter, r *http.Request) {
		f.secondaryTrust.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /pty/register", func(w http.ResponseWriter, r *http.Request) {
		f.registers.Add(1)
		if !f.isTrusted(r) {
			f.mu.Lock()
			gate := f.registerGate
			f.mu.Unlock()
			if gate != nil {
				<-gate
			}
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var entry models.RegistryEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.entries[entry.SessionID] = entry
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /pty/unregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		if code := f.unregisterStatus.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		if !f.isTrusted(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.entries[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.entries, r.PathValue("id"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /pty/reset", func(w http.ResponseWriter, r *http.Request) {
		if code := f.resetStatus.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
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
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeRegistry) trust(secret string) {
	f.mu.Lock()
	f.trusted[secret] = true
	f.mu.Unlock()
}

func (f *fakeRegistry) isTrusted(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted[r.Header.Get(SecretHeader)]
}

// restart forgets trust and entries, as a restarted registry would.
func (f *fakeRegistry) restart() {
	f.mu.Lock()
	f.trusted = make(map[string]bool)
	f.entries = make(map[string]models.RegistryEntry)
	f.mu.Unlock()
}

func (f *fakeRegistry) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	return ok
}

func testConfig(url string) config.RegistryConfig {
	cfg := config.Default().Registry
	cfg.URL = url
	cfg.UnregisterDelay = "1ms"
	cfg.ResetInterval = "1ms"
	cfg.RequestTimeout = "2s"
	return cfg
}

func newTestClient(t *testing.T, url string, notifier notify.Notifier) (*Client, *Registrar, *test.Hook) {
	t.Helper()
	t.Setenv("PTYHOST_HOME", t.TempDir())

	cfg := testConfig(url)
	registrar, err := NewRegistrar(cfg, nil)
	require.NoError(t, err)

	client := NewClient(cfg, registrar, nil, notifier)
	logger, hook := test.NewNullLogger()
	client.logger = logger.WithField("component", "registry")
	return client, registrar, hook
}

func entry(id string, role models.OwnerRole) models.RegistryEntry {
	return models.RegistryEntry{
		SessionID: id,
		Source:    models.SourceDesktop,
		CLIType:   "claude",
		PID:       42,
		OwnerRole: role,
		Label:     id,
	}
}

func TestRegistrarSecret(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())
	a, err := NewRegistrar(testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)
	b, err := NewRegistrar(testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	assert.Len(t, a.Secret(), 64)
	assert.NotEqual(t, a.Secret(), b.Secret())
	assert.False(t, a.Valid())
}

func TestRegisterAllEndpointsIndependently(t *testing.T) {
	f, ts := newFakeRegistry(t)
	_, registrar, _ := newTestClient(t, ts.URL, nil)

	f.failPrimary.Store(true)
	registrar.Register(context.Background())
	assert.Equal(t, int32(1), f.primaryTrust.Load())
	assert.Equal(t, int32(1), f.secondaryTrust.Load(), "secondary endpoint tried despite primary failure")
	assert.False(t, registrar.Valid())

	f.failPrimary.Store(false)
	registrar.Register(context.Background())
	assert.True(t, registrar.Valid())
	assert.Equal(t, uint64(1), registrar.Epoch())
}

func TestRegisterUnreachableRegistry(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())
	registrar, err := NewRegistrar(testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	registrar.Register(context.Background())
	assert.False(t, registrar.Valid())
	assert.False(t, registrar.EnsureRegistered(context.Background()))
}

func TestEnsureRegisteredSingleFlight(t *testing.T) {
	f, ts := newFakeRegistry(t)
	_, registrar, _ := newTestClient(t, ts.URL, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, registrar.EnsureRegistered(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.primaryTrust.Load())
	assert.Equal(t, int32(0), f.secondaryTrust.Load())
	assert.True(t, registrar.EnsureRegistered(context.Background()))
	assert.Equal(t, int32(1), f.primaryTrust.Load())
}

func TestInvalidateIgnoresStaleEpoch(t *testing.T) {
	_, ts := newFakeRegistry(t)
	_, registrar, _ := newTestClient(t, ts.URL, nil)

	registrar.Register(context.Background())
	stale := registrar.Epoch()
	registrar.Invalidate(stale)
	require.True(t, registrar.EnsureRegistered(context.Background()))

	assert.False(t, registrar.Invalidate(stale))
	assert.True(t, registrar.Valid())
}

func TestRegisterSession(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, _ := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	assert.True(t, client.RegisterSession(context.Background(), entry("s1", models.RoleWorker)))
	assert.True(t, f.has("s1"))
}

func TestRegisterSessionNonAuthFailureNoRetry(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/trust") {
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client, _, _ := newTestClient(t, ts.URL, nil)
	assert.False(t, client.RegisterSession(context.Background(), entry("s1", models.RoleWorker)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthRetryConvergence(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, _ := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())
	require.True(t, registrar.Valid())

	var reauths atomic.Int32
	client.OnReauth(func() { reauths.Add(1) })

	// The registry forgets the secret; both registrations see 403 together.
	f.restart()
	gate := make(chan struct{})
	f.mu.Lock()
	f.registerGate = gate
	f.mu.Unlock()
	before := f.primaryTrust.Load()

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = client.RegisterSession(context.Background(), entry(id, models.RoleWorker))
		}(i, id)
	}

	require.Eventually(t, func() bool { return f.registers.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, int32(1), f.primaryTrust.Load()-before, "exactly one re-registration")
	assert.True(t, f.has("a"))
	assert.True(t, f.has("b"))
	assert.Eventually(t, func() bool { return reauths.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuthRecoveryReRegistersLeader(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, _ := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	leader := entry("lead", models.RoleLeader)
	client.SetLeader(func() (models.RegistryEntry, bool) { return leader, true })

	f.restart()
	assert.True(t, client.RegisterSession(context.Background(), entry("w1", models.RoleWorker)))
	assert.True(t, f.has("lead"))
	assert.True(t, f.has("w1"))
}

func TestUnregisterIdempotent(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, hook := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	require.True(t, client.RegisterSession(context.Background(), entry("s1", models.RoleWorker)))
	assert.True(t, client.UnregisterSession(context.Background(), "s1"))
	assert.False(t, f.has("s1"))

	assert.True(t, client.UnregisterSession(context.Background(), "s1"), "absent id is success")
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level)
	}
}

func TestUnregisterOrphanLoggedAtError(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, hook := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	f.unregisterStatus.Store(http.StatusInternalServerError)
	assert.False(t, client.UnregisterSession(context.Background(), "s1"))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "s1", last.Data["session_id"])
	err, ok := last.Data[logrus.ErrorKey].(error)
	require.True(t, ok)
	assert.True(t, errors.Is(err, errors.ErrCodeReconciliationDrift))
}

func TestResetRegistry(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, _ := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	client.RegisterSession(context.Background(), entry("s1", models.RoleWorker))
	client.RegisterSession(context.Background(), entry("s2", models.RoleWorker))

	res := client.ResetRegistry(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.ClearedCount)
	assert.False(t, f.has("s1"))
}

func TestResetRegistryExhaustedAlerts(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())
	f, ts := newFakeRegistry(t)
	notifier := notify.NewChannelNotifier(1)
	client, registrar, _ := newTestClient(t, ts.URL, notifier)
	registrar.Register(context.Background())

	f.resetStatus.Store(http.StatusServiceUnavailable)
	res := client.ResetRegistry(context.Background())
	assert.False(t, res.OK)

	require.Len(t, notifier.C, 1)
	sig := <-notifier.C
	assert.Equal(t, notify.SignalRegistryResetFailed, sig.Kind)
	assert.True(t, errors.Is(sig.Err, errors.ErrCodeResetFailed))
}

func TestHeartbeat(t *testing.T) {
	f, ts := newFakeRegistry(t)
	client, registrar, _ := newTestClient(t, ts.URL, nil)
	registrar.Register(context.Background())

	client.RegisterSession(context.Background(), entry("s1", models.RoleWorker))
	assert.NoError(t, client.Heartbeat(context.Background(), "s1"))

	err := client.Heartbeat(context.Background(), "gone")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
	assert.Equal(t, int32(2), f.heartbeats.Load())
}
