package coordinator

import (
	"context"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/pkg/daemon"
	"github.com/grovetools/ptyhost/pkg/notify"
	"github.com/grovetools/ptyhost/pkg/paths"
	"github.com/grovetools/ptyhost/pkg/registry"
	"github.com/grovetools/ptyhost/state"
)

// OpenOptions configures Open.
type OpenOptions struct {
	Config *config.Config
	// ConfigPath, when set, is watched and live changes are applied.
	ConfigPath string
	Notifier   notify.Notifier
	Forwarder  *Forwarder
}

// Open selects a backend, builds the registry clients and the store from
// configuration, and starts a coordinator over them.
func Open(ctx context.Context, opts OpenOptions) (*Coordinator, *daemon.Selection, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	sel, err := daemon.Select(ctx, cfg.Backend)
	if err != nil {
		return nil, nil, err
	}

	registrar, err := registry.NewRegistrar(cfg.Registry, nil)
	if err != nil {
		sel.Client.Close()
		return nil, sel, err
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = paths.StorePath()
	}

	c := New(Options{
		Config:    cfg,
		Backend:   sel.Client,
		Registrar: registrar,
		Registry:  registry.NewClient(cfg.Registry, registrar, nil, opts.Notifier),
		Store:     state.NewStore(storePath),
		Notifier:  opts.Notifier,
		Forwarder: opts.Forwarder,
	})
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, sel, err
	}

	if opts.ConfigPath != "" {
		if err := c.Watch(opts.ConfigPath); err != nil {
			c.logger.WithError(err).Warn("Config hot reload disabled")
		}
	}
	return c, sel, nil
}

// Watch applies changes to the config file at path until Close.
func (c *Coordinator) Watch(path string) error {
	w, err := config.NewWatcher(path, 0, c.ApplyConfig, c.logger)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.Start(c.ctx)
	}()
	return nil
}
