package terminal

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	t.Setenv("PTYHOST_HOME", t.TempDir())
	m := NewManager()
	t.Cleanup(m.Close)
	return m
}

// collect gathers output for id until its exit event arrives.
func collect(t *testing.T, m *Manager, id string) (string, models.Event) {
	t.Helper()
	var out strings.Builder
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.SessionID != id {
				continue
			}
			if ev.Type == models.EventTypeExit {
				return out.String(), ev
			}
			out.Write(ev.Data)
		case <-timeout:
			t.Fatalf("no exit event for %s; output so far %q", id, out.String())
		}
	}
}

func TestCreateDeliversBufferedOutput(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(models.SpawnSpec{Command: "sh", Args: []string{"-c", "echo hello-pty; sleep 0.2"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Greater(t, res.PID, 0)

	// Output produced before Subscribe is held, then flushed.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Subscribe(res.ID))

	out, exit := collect(t, m, res.ID)
	assert.Contains(t, out, "hello-pty")
	assert.Equal(t, 0, exit.ExitCode)
}

func TestCreateHonorsIDEnvAndCwd(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	res, err := m.Create(models.SpawnSpec{
		ID:      "fixed-id",
		Command: "sh",
		Args:    []string{"-c", "echo $PTYHOST_TEST_VAR; pwd"},
		Cwd:     dir,
		Env:     []string{"PATH=" + os.Getenv("PATH"), "PTYHOST_TEST_VAR=verbatim"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.ID)
	require.NoError(t, m.Subscribe(res.ID))

	out, _ := collect(t, m, res.ID)
	assert.Contains(t, out, "verbatim")
	assert.Contains(t, out, dir)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(models.SpawnSpec{ID: "dup", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	_, err = m.Create(models.SpawnSpec{ID: "dup", Command: "sleep", Args: []string{"5"}})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestCreateUnknownCommand(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(models.SpawnSpec{Command: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeSpawnFailed))

	_, err = m.Create(models.SpawnSpec{Command: "sh", Cwd: "/does/not/exist"})
	assert.True(t, errors.Is(err, errors.ErrCodeSpawnFailed))
}

func TestUnknownIDs(t *testing.T) {
	m := newTestManager(t)

	assert.NoError(t, m.Write("ghost", []byte("x")))
	assert.NoError(t, m.Resize("ghost", 100, 40))
	assert.True(t, errors.Is(m.Kill("ghost"), errors.ErrCodeSessionNotFound))
	assert.True(t, errors.Is(m.Subscribe("ghost"), errors.ErrCodeSessionNotFound))
}

func TestKillAndList(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(models.SpawnSpec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, res.ID, list[0].ID)
	assert.True(t, list[0].Alive)

	require.NoError(t, m.Resize(res.ID, 120, 40))
	require.NoError(t, m.Kill(res.ID))

	_, exit := collect(t, m, res.ID)
	assert.NotEqual(t, 0, exit.ExitCode)
	assert.Empty(t, m.List())
}

func TestWriteReachesProcess(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Create(models.SpawnSpec{Command: "sh", Args: []string{"-c", "read line; echo got-$line"}})
	require.NoError(t, err)
	require.NoError(t, m.Subscribe(res.ID))
	require.NoError(t, m.Write(res.ID, []byte("ping\n")))

	out, _ := collect(t, m, res.ID)
	assert.Contains(t, out, "got-ping")
}

func TestPendingOutputIsBounded(t *testing.T) {
	s := &session{id: "s"}
	m := &Manager{}
	chunk := make([]byte, 16*1024)
	for i := 0; i < 10; i++ {
		m.deliver(s, chunk)
	}
	assert.LessOrEqual(t, s.pendingBytes, MaxPendingOutput)
	assert.Len(t, s.pending, MaxPendingOutput/len(chunk))
}
