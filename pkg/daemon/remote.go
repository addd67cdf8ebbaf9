package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/internal/daemon/store"
	"github.com/grovetools/ptyhost/logging"
	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/version"
	"github.com/sirupsen/logrus"
)

// StatusReport is the body of the daemon's /api/status endpoint.
type StatusReport struct {
	Status   store.Status         `json:"status"`
	Sessions []*store.SessionInfo `json:"sessions"`
}

// baseURL is the dummy host used for Unix socket HTTP requests.
// The actual connection goes through the Unix socket, not this URL.
const baseURL = "http://unix"

const (
	eventsURL = "ws://unix/api/events"

	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 2 * time.Second
)

// RemoteClient implements Client by calling the pty daemon's HTTP API over a
// Unix socket. Events arrive on a websocket that is re-dialed whenever the
// daemon goes away; IsRunning reflects that stream's state.
type RemoteClient struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	socketPath string
	logger     *logrus.Entry

	events    chan models.Event
	connected atomic.Bool

	mu          sync.Mutex
	conn        *websocket.Conn
	onReconnect func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRemoteClient connects to the daemon socket and opens the event stream.
// It fails with DAEMON_UNAVAILABLE when the stream cannot be established.
func NewRemoteClient(ctx context.Context, socketPath string) (*RemoteClient, error) {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}

	transport := &http.Transport{
		DialContext:       dial,
		DisableKeepAlives: false,
		MaxIdleConns:      10,
		IdleConnTimeout:   90 * time.Second,
	}

	c := &RemoteClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 5 * time.Second,
		},
		socketPath: socketPath,
		logger:     logging.NewLogger("daemon-client"),
		events:     make(chan models.Event, 256),
		done:       make(chan struct{}),
	}

	conn, err := c.dialEvents(ctx)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, errors.DaemonUnavailable(err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setConn(conn)
	go c.streamLoop(conn)

	return c, nil
}

// OnReconnect registers fn to run each time the event stream is
// re-established after a disconnect. The daemon may have restarted, so
// callers typically reconcile.
func (c *RemoteClient) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// SocketPath returns the daemon socket this client talks to.
func (c *RemoteClient) SocketPath() string {
	return c.socketPath
}

func (c *RemoteClient) Create(ctx context.Context, spec models.SpawnSpec) (*models.SpawnResult, error) {
	var res models.SpawnResult
	if err := c.do(ctx, http.MethodPost, "/api/sessions", spec, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RemoteClient) Write(ctx context.Context, id string, data []byte) error {
	body := struct {
		Data []byte `json:"data"`
	}{Data: data}
	return ignoreNotFound(c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/input", body, nil))
}

func (c *RemoteClient) Resize(ctx context.Context, id string, cols, rows uint16) error {
	body := struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}{Cols: cols, Rows: rows}
	return ignoreNotFound(c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/resize", body, nil))
}

func (c *RemoteClient) Kill(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+id, nil, nil)
}

// List queries the daemon directly; nothing is cached client-side.
func (c *RemoteClient) List(ctx context.Context) ([]models.SessionStatus, error) {
	var list []models.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Status returns the daemon's own summary of what it hosts.
func (c *RemoteClient) Status(ctx context.Context) (*StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *RemoteClient) Subscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/subscribe", nil, nil)
}

func (c *RemoteClient) Events() <-chan models.Event {
	return c.events
}

// IsRunning reports whether the event stream to the daemon is up.
func (c *RemoteClient) IsRunning() bool {
	return c.connected.Load()
}

func (c *RemoteClient) Mode() Mode {
	return ModeExternal
}

// Close stops the event stream. Sessions keep running in the daemon.
func (c *RemoteClient) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.DaemonUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode daemon response")
	}
	return nil
}

// decodeError rebuilds the GroveError the daemon sent, if any.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var groveErr errors.GroveError
	if err := json.Unmarshal(data, &groveErr); err == nil && groveErr.Code != "" {
		return &groveErr
	}
	return errors.New(errors.ErrCodeInternal, fmt.Sprintf("daemon returned status %d", resp.StatusCode))
}

func ignoreNotFound(err error) error {
	if errors.Is(err, errors.ErrCodeSessionNotFound) {
		return nil
	}
	return err
}

func (c *RemoteClient) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, eventsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c.connected.Store(true)
	return conn, nil
}

func (c *RemoteClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// streamLoop forwards events until Close, re-dialing after disconnects.
func (c *RemoteClient) streamLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		c.readEvents(conn)
		c.connected.Store(false)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Lost event stream to pty daemon, reconnecting")

		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.setConn(conn)
		if c.ctx.Err() != nil {
			conn.Close()
			return
		}
		c.logger.Info("Reconnected to pty daemon")

		c.mu.Lock()
		hook := c.onReconnect
		c.mu.Unlock()
		if hook != nil {
			go hook()
		}
	}
}

func (c *RemoteClient) readEvents(conn *websocket.Conn) {
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if c.ctx.Err() == nil {
				c.logger.WithError(err).Debug("Event stream read failed")
			}
			return
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// reconnect dials with growing delays until it succeeds or the client closes.
func (c *RemoteClient) reconnect() *websocket.Conn {
	delay := minReconnectDelay
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
		conn, err := c.dialEvents(dialCtx)
		cancel()
		if err == nil {
			return conn
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Ensure RemoteClient implements Client interface.
var _ Client = (*RemoteClient)(nil)
