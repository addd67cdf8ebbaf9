package daemon

import (
	"context"

	"github.com/grovetools/ptyhost/pkg/models"
	"github.com/grovetools/ptyhost/pkg/terminal"
)

// LocalClient implements Client by hosting sessions in this process.
// It is the fallback when the daemon cannot be reached.
type LocalClient struct {
	manager *terminal.Manager
}

// NewLocalClient creates a LocalClient with its own terminal manager.
func NewLocalClient() *LocalClient {
	return &LocalClient{manager: terminal.NewManager()}
}

func (c *LocalClient) Create(ctx context.Context, spec models.SpawnSpec) (*models.SpawnResult, error) {
	return c.manager.Create(spec)
}

func (c *LocalClient) Write(ctx context.Context, id string, data []byte) error {
	return c.manager.Write(id, data)
}

func (c *LocalClient) Resize(ctx context.Context, id string, cols, rows uint16) error {
	return c.manager.Resize(id, cols, rows)
}

func (c *LocalClient) Kill(ctx context.Context, id string) error {
	return c.manager.Kill(id)
}

func (c *LocalClient) List(ctx context.Context) ([]models.SessionStatus, error) {
	return c.manager.List(), nil
}

func (c *LocalClient) Subscribe(ctx context.Context, id string) error {
	return c.manager.Subscribe(id)
}

func (c *LocalClient) Events() <-chan models.Event {
	return c.manager.Events()
}

// IsRunning is always true; the embedded backend cannot disconnect.
func (c *LocalClient) IsRunning() bool {
	return true
}

func (c *LocalClient) Mode() Mode {
	return ModeEmbedded
}

// Close kills every hosted session.
func (c *LocalClient) Close() error {
	c.manager.Close()
	return nil
}

// Ensure LocalClient implements Client interface.
var _ Client = (*LocalClient)(nil)
