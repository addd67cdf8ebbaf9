// Package registry talks to the external session registry: it bootstraps
// trust with a per-run desktop secret and keeps the registry's view of the
// local sessions current.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SecretHeader carries the desktop secret on privileged calls.
const SecretHeader = "X-Desktop-Secret"

// secretBytes is the size of the desktop secret (256 bits).
const secretBytes = 32

// Registrar owns the desktop secret and tracks whether the registry
// currently accepts it.
//
// Each successful trust registration starts a new epoch. A rejection only
// invalidates the secret if it was observed in the current epoch, so callers
// that raced a re-registration converge on it instead of starting another.
type Registrar struct {
	baseURL    string
	endpoints  []string
	secret     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logrus.Entry

	group singleflight.Group

	mu    sync.Mutex
	valid bool
	epoch uint64
}

// NewRegistrar generates a fresh secret for this run.
func NewRegistrar(cfg config.RegistryConfig, httpClient *http.Client) (*Registrar, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate desktop secret")
	}

	endpoints := cfg.TrustEndpoints
	if len(endpoints) == 0 {
		endpoints = config.DefaultTrustEndpoints
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeoutDuration()}
	}

	return &Registrar{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		endpoints:  endpoints,
		secret:     hex.EncodeToString(buf),
		timeout:    cfg.SecretTimeoutDuration(),
		httpClient: httpClient,
		logger:     logging.NewLogger("registrar"),
	}, nil
}

// Secret returns the desktop secret.
func (r *Registrar) Secret() string {
	return r.secret
}

// Valid reports whether the registry is believed to accept the secret.
func (r *Registrar) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// Epoch returns the number of successful trust registrations so far.
func (r *Registrar) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Invalidate clears the validity flag after a rejection observed at epoch.
// It reports whether the flag was cleared; a stale epoch is ignored.
func (r *Registrar) Invalidate(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false
	}
	r.valid = false
	return true
}

func (r *Registrar) markValid() {
	r.mu.Lock()
	r.valid = true
	r.epoch++
	r.mu.Unlock()
}

// Register posts the secret to every trust endpoint. Endpoints are tried
// independently and failures are logged, since the registry may not be up
// yet. The secret becomes valid when the primary endpoint accepts it.
func (r *Registrar) Register(ctx context.Context) {
	for i, endpoint := range r.endpoints {
		err := r.trust(ctx, endpoint)
		if err != nil {
			r.logger.WithError(err).WithField("endpoint", endpoint).Warn("Trust registration failed")
			continue
		}
		if i == 0 {
			r.markValid()
		}
		r.logger.WithField("endpoint", endpoint).Debug("Trust registration succeeded")
	}
}

// EnsureRegistered returns true at once if the secret is valid. Otherwise it
// re-registers with the primary endpoint. Concurrent callers share a single
// outstanding attempt, bounded by the secret timeout.
func (r *Registrar) EnsureRegistered(ctx context.Context) bool {
	if r.Valid() {
		return true
	}

	v, _, _ := r.group.Do("trust", func() (interface{}, error) {
		if r.Valid() {
			return true, nil
		}
		// The shared attempt must not die with whichever caller started it.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		if err := r.trust(attemptCtx, r.endpoints[0]); err != nil {
			r.logger.WithError(err).Warn("Re-registration of desktop secret failed")
			return false, nil
		}
		r.markValid()
		r.logger.Info("Desktop secret re-registered")
		return true, nil
	})
	return v.(bool)
}

func (r *Registrar) trust(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.resolve(endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to create trust request: %w", err)
	}
	req.Header.Set(SecretHeader, r.secret)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return errors.RegistryUnavailable("trust", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.RegistryRejected("trust", resp.StatusCode)
	}
	return nil
}

// resolve joins relative endpoint paths onto the registry URL.
func (r *Registrar) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return r.baseURL + endpoint
}
