package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrdersPersistRegisterSubscribe(t *testing.T) {
	var checked atomic.Bool
	h := newHarness(t, func(h0 *harness) {
		h0.backend.onSubscribe = func(id string) {
			_, persisted, err := h0.store.GetSession(id)
			assert.NoError(t, err)
			assert.True(t, persisted, "record must exist before subscribe")
			_, registered := h0.registry.entry(id)
			assert.True(t, registered, "entry must be registered before subscribe")
			checked.Store(true)
		}
	})

	s := h.create(t, models.SpawnSpec{Title: "main", OwnerAgentID: "agent-1"})
	assert.True(t, checked.Load())
	assert.Equal(t, models.RoleLeader, s.OwnerRole)
	assert.Equal(t, "claude", s.CLIType)

	rec, ok, err := h.store.GetSession(s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.ID, rec.PtyID)
	assert.Equal(t, "agent-1", rec.LinkedAgentID)
	assert.Equal(t, models.RoleLeader, rec.OwnerRole)

	entry, ok := h.registry.entry(s.ID)
	require.True(t, ok)
	assert.Equal(t, models.SourceDesktop, entry.Source)
	assert.Equal(t, "main", entry.Label)
	assert.Equal(t, models.RoleLeader, entry.OwnerRole)
	assert.Equal(t, h.cfg.Registry.DesktopURL, entry.DesktopURL)
}

func TestCreateSpawnFailure(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.coord.Create(context.Background(), models.SpawnSpec{Command: "missing"})
	assert.True(t, errors.Is(err, errors.ErrCodeSpawnFailed))

	// A failed spawn does not consume leadership.
	s := h.create(t, models.SpawnSpec{})
	assert.Equal(t, models.RoleLeader, s.OwnerRole)
}

func TestCreateAddsEnvWithoutOverriding(t *testing.T) {
	h := newHarness(t, nil)

	s := h.create(t, models.SpawnSpec{Env: []string{"PTYHOST_SESSION_ID=custom", "FOO=bar"}})

	h.backend.mu.Lock()
	env := h.backend.specs[s.ID].Env
	h.backend.mu.Unlock()

	assert.Contains(t, env, "PTYHOST_SESSION_ID=custom")
	assert.NotContains(t, env, "PTYHOST_SESSION_ID="+s.ID)
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "PTYHOST_REGISTRY_URL="+h.cfg.Registry.URL)
}

func TestCreateWaitsForReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.running.Store(false)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.backend.running.Store(true)
	}()

	s, err := h.coord.Create(context.Background(), models.SpawnSpec{Command: "claude"})
	require.NoError(t, err)
	assert.True(t, h.backend.has(s.ID))
}

func TestCreateFailsWhenBackendStaysDown(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.running.Store(false)

	start := time.Now()
	_, err := h.coord.Create(context.Background(), models.SpawnSpec{Command: "claude"})
	assert.True(t, errors.Is(err, errors.ErrCodeSpawnFailed))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestCreateRecoversLostReply(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.lostReplies.Store(1)

	s, err := h.coord.Create(context.Background(), models.SpawnSpec{Command: "claude"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.backend.creates.Load())
	assert.True(t, h.backend.has(s.ID))
	assert.Equal(t, models.RoleLeader, s.OwnerRole)
}

func TestCreateWrapsBackendErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.mu.Lock()
	h.backend.createErr = errors.New(errors.ErrCodeInternal, "boom")
	h.backend.mu.Unlock()

	_, err := h.coord.Create(context.Background(), models.SpawnSpec{Command: "claude"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSpawnFailed, errors.GetCode(err))
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
}

func TestKillLeaderProtected(t *testing.T) {
	h := newHarness(t, nil)
	leader := h.create(t, models.SpawnSpec{})

	err := h.coord.Kill(context.Background(), leader.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeLeaderProtected))
	assert.True(t, h.backend.has(leader.ID))

	live, err := h.backend.List(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, leader.ID, live[0].ID)
}

func TestKillWorkerUnregistersAndForgets(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, models.SpawnSpec{})
	worker := h.create(t, models.SpawnSpec{})
	assert.Equal(t, models.RoleWorker, worker.OwnerRole)

	require.NoError(t, h.coord.Kill(context.Background(), worker.ID))
	assert.False(t, h.backend.has(worker.ID))

	_, registered := h.registry.entry(worker.ID)
	assert.False(t, registered)
	_, persisted, err := h.store.GetSession(worker.ID)
	require.NoError(t, err)
	assert.False(t, persisted)

	err = h.coord.Kill(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
}

func TestLeaderDeathAlertsAndRoleStaysVacant(t *testing.T) {
	h := newHarness(t, nil)
	leader := h.create(t, models.SpawnSpec{})

	h.backend.exit(leader.ID, 139)

	// The alert is raised after the session has been finalized.
	select {
	case sig := <-h.notifier.C:
		assert.Equal(t, notify.SignalLeaderDied, sig.Kind)
		assert.Equal(t, leader.ID, sig.SessionID)
		assert.Equal(t, 139, sig.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("expected leader-died alert")
	}

	_, persisted, err := h.store.GetSession(leader.ID)
	require.NoError(t, err)
	assert.False(t, persisted)

	next := h.create(t, models.SpawnSpec{})
	assert.Equal(t, models.RoleWorker, next.OwnerRole)
}

func TestShutdownKillsLeaderWithoutAlert(t *testing.T) {
	h := newHarness(t, nil)
	leader := h.create(t, models.SpawnSpec{})
	worker := h.create(t, models.SpawnSpec{})

	require.NoError(t, h.coord.Shutdown(context.Background()))

	assert.False(t, h.backend.has(leader.ID))
	assert.False(t, h.backend.has(worker.ID))
	assert.Empty(t, h.notifier.C)

	records, err := h.store.GetAllSessions()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFullReset(t *testing.T) {
	h := newHarness(t, nil)
	leader := h.create(t, models.SpawnSpec{})
	h.create(t, models.SpawnSpec{})

	res := h.coord.FullReset(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, int32(1), h.registry.resets.Load())
	assert.Empty(t, h.notifier.C)

	live, err := h.backend.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)

	records, err := h.store.GetAllSessions()
	require.NoError(t, err)
	assert.Empty(t, records)

	fresh := h.create(t, models.SpawnSpec{})
	assert.Equal(t, models.RoleLeader, fresh.OwnerRole)
	assert.NotEqual(t, leader.ID, fresh.ID)
}

func TestForwarderRelaysEvents(t *testing.T) {
	fwd := NewForwarder(8)
	h := newHarness(t, func(h *harness) { h.forwarder = fwd })

	h.backend.events <- models.NewDataEvent("x", []byte("hello"))
	select {
	case ev := <-fwd.Events():
		assert.Equal(t, models.EventTypeData, ev.Type)
		assert.Equal(t, "hello", string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestExitHandledWhileUIStalled(t *testing.T) {
	fwd := NewForwarder(0)
	h := newHarness(t, func(h *harness) { h.forwarder = fwd })

	leader := h.create(t, models.SpawnSpec{})
	worker := h.create(t, models.SpawnSpec{})

	h.backend.events <- models.NewDataEvent(worker.ID, []byte("unread"))
	h.backend.exit(leader.ID, 1)

	select {
	case sig := <-h.notifier.C:
		assert.Equal(t, notify.SignalLeaderDied, sig.Kind)
		assert.Equal(t, leader.ID, sig.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("leader-died not raised while the UI was not reading")
	}
	_, persisted, err := h.store.GetSession(leader.ID)
	require.NoError(t, err)
	assert.False(t, persisted)

	// The UI still receives everything once it reads.
	first := <-fwd.Events()
	assert.Equal(t, models.EventTypeData, first.Type)
	second := <-fwd.Events()
	assert.Equal(t, models.EventTypeExit, second.Type)
	assert.Equal(t, leader.ID, second.SessionID)
}

func TestForwarderDropsOldestDataForSlowReader(t *testing.T) {
	fwd := NewForwarder(0)
	fwd.maxQueue = 2

	fwd.enqueue(models.NewDataEvent("s", []byte("a")))
	fwd.enqueue(models.NewExitEvent("t", 0))
	fwd.enqueue(models.NewDataEvent("s", []byte("b")))
	fwd.enqueue(models.NewDataEvent("s", []byte("c")))
	assert.Equal(t, 1, fwd.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.run(ctx)

	var got []string
	for i := 0; i < 3; i++ {
		ev := <-fwd.Events()
		if ev.Type == models.EventTypeExit {
			got = append(got, "exit:"+ev.SessionID)
			continue
		}
		got = append(got, string(ev.Data))
	}
	assert.Equal(t, []string{"exit:t", "b", "c"}, got)
}

func TestHeartbeatDetectsRegistryRestart(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, models.SpawnSpec{})
	require.Equal(t, 1, h.registry.registrations(s.ID))

	h.coord.Heartbeat(context.Background())
	assert.Equal(t, int32(1), h.registry.heartbeats.Load())

	h.registry.restart()
	h.coord.Heartbeat(context.Background())

	require.Eventually(t, func() bool {
		_, ok := h.registry.entry(s.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), h.backend.creates.Load())
}

func TestApplyConfigUpdatesHeartbeatInterval(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, time.Hour, h.coord.HeartbeatInterval())

	cfg := *h.cfg
	cfg.Registry.HeartbeatInterval = "2s"
	h.coord.ApplyConfig(&cfg)
	assert.Equal(t, 2*time.Second, h.coord.HeartbeatInterval())
}

// End-to-end: leader protection, worker assignment, 403 recovery with a
// single re-registration, and reconciliation after a registry restart.
func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.create(t, models.SpawnSpec{Title: "A"})
	assert.Equal(t, models.RoleLeader, a.OwnerRole)

	err := h.coord.Kill(ctx, a.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeLeaderProtected))
	assert.True(t, h.backend.has(a.ID))

	h.registry.forgetTrust()
	trustBefore := h.registry.trustCalls.Load()

	b := h.create(t, models.SpawnSpec{Title: "B"})
	assert.Equal(t, models.RoleWorker, b.OwnerRole)
	assert.Equal(t, int32(1), h.registry.trustCalls.Load()-trustBefore)
	_, ok := h.registry.entry(b.ID)
	assert.True(t, ok, "B registered on retry")

	h.registry.restart()

	// A pass triggered by the 403 may still be in flight; retry until a
	// pass that started after the restart has run.
	var report *ReconcileReport
	require.Eventually(t, func() bool {
		report, err = h.coord.Reconcile(ctx)
		if err != nil {
			return false
		}
		_, ok := h.registry.entry(b.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "B re-registered")
	assert.Contains(t, report.Resumed, b.ID)
	assert.Empty(t, report.Killed)
	assert.Equal(t, int32(2), h.backend.creates.Load(), "nothing re-created")
}
