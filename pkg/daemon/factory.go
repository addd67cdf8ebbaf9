package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/sirupsen/logrus"
)

// SelectionState is a step of the backend selection state machine.
type SelectionState string

const (
	StateAttemptExternal  SelectionState = "ATTEMPT_EXTERNAL"
	StateConnected        SelectionState = "CONNECTED"
	StateFailed           SelectionState = "FAILED"
	StateEmbeddedFallback SelectionState = "EMBEDDED_FALLBACK"
)

// autoStartFactor scales connect_timeout into the wait for a freshly
// launched daemon.
const autoStartFactor = 10

// Selection is the outcome of backend selection. It is decided once per run
// and never re-evaluated: an embedded fallback stays embedded.
type Selection struct {
	// State is the terminal state: CONNECTED or EMBEDDED_FALLBACK.
	State SelectionState
	// Client is the chosen backend.
	Client Client
	// Err records why the external attempt failed, if it did.
	Err error
	// Trace lists every state visited, in order.
	Trace []SelectionState
}

// External reports whether the daemon backend was chosen.
func (s *Selection) External() bool {
	return s.State == StateConnected
}

// Select picks the session backend according to cfg.Mode.
//
//   - auto: try the daemon, fall back silently to embedded.
//   - external: try the daemon, fail with DAEMON_UNAVAILABLE if unreachable.
//   - embedded: skip the daemon entirely.
func Select(ctx context.Context, cfg config.BackendConfig) (*Selection, error) {
	logger := logging.NewLogger("daemon-client")
	sel := &Selection{}

	if cfg.Mode == config.BackendEmbedded {
		sel.State = StateEmbeddedFallback
		sel.Trace = []SelectionState{StateEmbeddedFallback}
		sel.Client = NewLocalClient()
		logger.Debug("Using embedded session backend")
		return sel, nil
	}

	sel.Trace = append(sel.Trace, StateAttemptExternal)
	client, err := connectExternal(ctx, cfg, logger)
	if err == nil {
		sel.State = StateConnected
		sel.Trace = append(sel.Trace, StateConnected)
		sel.Client = client
		logger.WithField("socket", client.SocketPath()).Info("Using pty daemon backend")
		return sel, nil
	}

	sel.Err = err
	sel.Trace = append(sel.Trace, StateFailed)
	if cfg.Mode == config.BackendExternal {
		return nil, err
	}

	logger.WithError(err).Debug("pty daemon unavailable, falling back to embedded backend")
	sel.State = StateEmbeddedFallback
	sel.Trace = append(sel.Trace, StateEmbeddedFallback)
	sel.Client = NewLocalClient()
	return sel, nil
}

// SocketPath resolves the daemon socket from cfg, defaulting to the runtime dir.
func SocketPath(cfg config.BackendConfig) string {
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return paths.SocketPath()
}

func connectExternal(ctx context.Context, cfg config.BackendConfig, logger *logrus.Entry) (*RemoteClient, error) {
	socketPath := SocketPath(cfg)
	timeout := cfg.ConnectTimeoutDuration()

	err := Probe(ctx, socketPath, timeout)
	if err != nil && cfg.AutoStart {
		logger.WithField("command", cfg.DaemonCommand).Info("Starting pty daemon")
		if startErr := startDaemon(cfg.DaemonCommand); startErr != nil {
			return nil, errors.DaemonUnavailable(startErr)
		}
		err = waitForDaemon(ctx, socketPath, timeout, timeout*autoStartFactor)
	}
	if err != nil {
		return nil, errors.DaemonUnavailable(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return NewRemoteClient(dialCtx, socketPath)
}

// Probe checks that a daemon is listening on socketPath and answers /health.
func Probe(ctx context.Context, socketPath string, timeout time.Duration) error {
	if _, err := os.Stat(socketPath); err != nil {
		return fmt.Errorf("daemon socket not found: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
			DisableKeepAlives: true,
		},
		Timeout: timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon health check returned status %d", resp.StatusCode)
	}
	return nil
}

func waitForDaemon(ctx context.Context, socketPath string, probeTimeout, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var err error
	for {
		if err = Probe(ctx, socketPath, probeTimeout); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not come up within %s: %w", wait, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startDaemon launches command detached from this process.
func startDaemon(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("no daemon command configured")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return cmd.Process.Release()
}
