package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/grovetools/ptyhost/pkg/retry"
	"github.com/grovetools/ptyhost/version"
	"github.com/sirupsen/logrus"
)

// Registry API paths.
const (
	pathRegister   = "/pty/register"
	pathUnregister = "/pty/unregister/"
	pathReset      = "/pty/reset"
	pathHeartbeat  = "/pty/heartbeat"
)

// LeaderFunc returns the registry entry of the current leader, if any.
type LeaderFunc func() (models.RegistryEntry, bool)

// Client keeps the registry's session list in step with this host.
// Registry failures never reach callers as errors: the registry is optional
// and sessions keep working without it.
type Client struct {
	cfg        config.RegistryConfig
	baseURL    string
	registrar  *Registrar
	httpClient *http.Client
	notifier   notify.Notifier
	logger     *logrus.Entry

	mu        sync.Mutex
	leader    LeaderFunc
	onReauth  func()
	recovered atomic.Uint64
}

// NewClient creates a registry client that authenticates with registrar.
func NewClient(cfg config.RegistryConfig, registrar *Registrar, httpClient *http.Client, notifier notify.Notifier) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeoutDuration()}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		registrar:  registrar,
		httpClient: httpClient,
		notifier:   notifier,
		logger:     logging.NewLogger("registry"),
	}
}

// SetLeader installs the lookup used to re-register the leader after the
// registry rejects the secret.
func (c *Client) SetLeader(fn LeaderFunc) {
	c.mu.Lock()
	c.leader = fn
	c.mu.Unlock()
}

// OnReauth installs a hook that runs once per secret re-registration.
// The coordinator uses it to trigger reconciliation.
func (c *Client) OnReauth(fn func()) {
	c.mu.Lock()
	c.onReauth = fn
	c.mu.Unlock()
}

// RegisterSession posts entry to the registry. A 403 is recovered by
// re-registering the secret and retrying; any other failure returns false
// without retry.
func (c *Client) RegisterSession(ctx context.Context, entry models.RegistryEntry) bool {
	cfg := retry.Config{
		MaxAttempts: c.cfg.RegisterAttempts,
		IsRetryable: func(err error) bool { return errors.Is(err, errors.ErrCodeRegistryAuth) },
	}

	_, err := retry.Do(ctx, cfg, func(int) (struct{}, error) {
		return struct{}{}, c.privileged(ctx, "register", entry.SessionID, func() (int, error) {
			return c.send(ctx, http.MethodPost, pathRegister, entry, nil)
		})
	})
	if err != nil {
		c.logger.WithError(err).WithField("session_id", entry.SessionID).Warn("Session registration failed")
		return false
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": entry.SessionID,
		"owner_role": entry.OwnerRole,
	}).Debug("Session registered")
	return true
}

// UnregisterSession removes id from the registry. "Not found" counts as
// success. When every attempt fails the entry is orphaned in the registry,
// which is logged at error severity.
func (c *Client) UnregisterSession(ctx context.Context, id string) bool {
	cfg := retry.Fixed(c.cfg.UnregisterAttempts, c.cfg.UnregisterDelayDuration())

	_, err := retry.Do(ctx, cfg, func(int) (struct{}, error) {
		return struct{}{}, c.privileged(ctx, "unregister", "", func() (int, error) {
			status, err := c.send(ctx, http.MethodDelete, pathUnregister+url.PathEscape(id), nil, nil)
			if status == http.StatusNotFound {
				return status, nil
			}
			return status, err
		})
	})
	if err != nil {
		c.logger.WithError(errors.ReconciliationDrift("registry_orphan", id).WithDetail("cause", err.Error())).
			WithField("session_id", id).
			Error("Session orphaned in registry after unregister retries")
		return false
	}

	c.logger.WithField("session_id", id).Debug("Session unregistered")
	return true
}

// ResetRegistry clears every entry this host registered. Exhausted retries
// raise a blocking alert through the notifier.
func (c *Client) ResetRegistry(ctx context.Context) models.ResetResult {
	cfg := retry.Fixed(c.cfg.ResetAttempts, c.cfg.ResetIntervalDuration())
	cfg.OnRetry = func(attempt int, err error) {
		c.logger.WithError(err).WithField("attempt", attempt).Debug("Registry reset failed, retrying")
	}

	res, err := retry.Do(ctx, cfg, func(int) (models.ResetResult, error) {
		var out models.ResetResult
		err := c.privileged(ctx, "reset", "", func() (int, error) {
			return c.send(ctx, http.MethodDelete, pathReset, nil, &out)
		})
		out.OK = err == nil
		return out, err
	})
	if err != nil {
		failure := errors.ResetFailed(c.cfg.ResetAttempts, err)
		c.logger.WithError(failure).Error("Registry reset failed")
		if c.notifier != nil {
			c.notifier.RegistryResetFailed(failure)
		}
		return models.ResetResult{}
	}

	c.logger.WithField("cleared_count", res.ClearedCount).Info("Registry reset")
	return res
}

// Heartbeat tells the registry id is still alive. It is fire-and-forget:
// the only error worth acting on is SESSION_NOT_FOUND, which means the
// registry lost its state.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	body := struct {
		SessionID string `json:"session_id"`
	}{SessionID: id}

	status, err := c.send(ctx, http.MethodPost, pathHeartbeat, body, nil)
	if status == http.StatusNotFound {
		return errors.SessionNotFound(id)
	}
	return err
}

// privileged runs call and, on a 403, recovers the secret before handing
// the auth error back to the retry loop. registering names the session the
// call itself registers, so leader re-registration does not duplicate it.
func (c *Client) privileged(ctx context.Context, op, registering string, call func() (int, error)) error {
	c.registrar.EnsureRegistered(ctx)
	epoch := c.registrar.Epoch()

	status, err := call()
	if status != http.StatusForbidden {
		return err
	}

	c.recoverAuth(ctx, epoch, registering)
	return errors.RegistryAuth(op)
}

// recoverAuth clears the secret, re-registers it once, and runs the
// follow-ups once per new epoch no matter how many callers saw the 403.
func (c *Client) recoverAuth(ctx context.Context, observed uint64, registering string) {
	c.registrar.Invalidate(observed)
	if !c.registrar.EnsureRegistered(ctx) {
		return
	}

	current := c.registrar.Epoch()
	for {
		handled := c.recovered.Load()
		if handled >= current {
			return
		}
		if c.recovered.CompareAndSwap(handled, current) {
			break
		}
	}

	c.mu.Lock()
	leader, hook := c.leader, c.onReauth
	c.mu.Unlock()

	if leader != nil {
		if entry, ok := leader(); ok && entry.SessionID != registering {
			if _, err := c.send(ctx, http.MethodPost, pathRegister, entry, nil); err != nil {
				c.logger.WithError(err).WithField("session_id", entry.SessionID).Warn("Leader re-registration failed")
			}
		}
	}
	if hook != nil {
		go hook()
	}
}

// send performs one registry request with the secret attached. It returns
// the status code (0 on transport failure) and an error for non-2xx.
func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode registry request")
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeoutDuration())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create registry request: %w", err)
	}
	req.Header.Set(SecretHeader, c.registrar.Secret())
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.RegistryUnavailable(path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Trace("Registry request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, errors.RegistryRejected(path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, errors.Wrap(err, errors.ErrCodeRegistryRejected, "failed to decode registry response")
		}
	}
	return resp.StatusCode, nil
}
