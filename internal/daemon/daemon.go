// Package daemon runs the sync engine as a long-lived process.
//
// The daemon:
//  1. Starts the connectivity poller
//  2. Initializes the engine with auto sync on
//  3. Watches the config file and applies changes without a restart
//  4. Optionally serves the live dashboard
//  5. Shuts everything down in reverse order on Stop
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mindjournal/syncd/internal/config"
	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/dashboard"
	"github.com/mindjournal/syncd/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// Identity is the signed-in user. Empty keeps the engine idle until a
	// config reload supplies one.
	Identity string

	// Sync is the initial engine configuration.
	Sync engine.Config

	// ConfigPath is watched for changes when non-empty.
	ConfigPath string

	// Debounce batches rapid config writes (default: 250ms)
	Debounce time.Duration

	// DashboardAddr enables the dashboard when non-empty, e.g. ":8787".
	DashboardAddr string

	Logger *slog.Logger
}

// Daemon wires the engine, connectivity poller, config watcher and
// dashboard together.
type Daemon struct {
	engine *engine.Engine
	poller *connectivity.Poller
	config Config
	logger *slog.Logger

	watcher   *config.Watcher
	dashboard *dashboard.Server
	detach    func()

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a daemon. eng must have been built with poller as its
// connectivity monitor so reconnect edges reach the scheduler.
func New(eng *engine.Engine, poller *connectivity.Poller, cfg Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if poller == nil {
		return nil, fmt.Errorf("poller cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Sync.AutoSync = true
	if err := cfg.Sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine: eng,
		poller: poller,
		config: cfg,
		logger: cfg.Logger.With("component", "daemon"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start brings every component up and returns. Use Run to block until a
// context is cancelled.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("daemon already stopped")
	}
	if d.started {
		return fmt.Errorf("daemon already started")
	}
	d.logger.Info("starting daemon", "identity", d.config.Identity != "", "interval", d.config.Sync.Interval)

	if err := d.poller.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start connectivity poller: %w", err)
	}

	if err := d.engine.Initialize(d.ctx, d.config.Identity, d.config.Sync); err != nil {
		d.poller.Stop()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if d.config.ConfigPath != "" {
		w, err := config.NewWatcher(d.config.ConfigPath, d.config.Debounce, d.logger)
		if err == nil {
			err = w.Start(d.applyConfig)
		}
		if err != nil {
			// Keep running on the config we have.
			d.logger.Warn("config watcher disabled", "path", d.config.ConfigPath, "err", err)
		} else {
			d.watcher = w
		}
	}

	if d.config.DashboardAddr != "" {
		srv := dashboard.NewServer(&dashboard.Config{
			Addr:   d.config.DashboardAddr,
			Engine: d.engine,
			Logger: d.logger,
		})
		if err := srv.Start(); err != nil {
			d.stopLocked()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.dashboard = srv
		d.detach = dashboard.NewHandler(srv, d.logger).Attach(d.engine, d.poller)
	}

	d.started = true
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop gracefully shuts down the daemon. Safe to call twice.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Daemon) stopLocked() error {
	if d.stopped {
		return nil
	}
	d.stopped = true
	d.logger.Info("stopping daemon")

	var errs []error
	if d.detach != nil {
		d.detach()
	}
	if d.dashboard != nil {
		if err := d.dashboard.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	d.engine.Cleanup()
	d.poller.Stop()
	d.cancel()

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// DashboardAddr returns the bound dashboard address, or "" when disabled.
func (d *Daemon) DashboardAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dashboard == nil {
		return ""
	}
	return d.dashboard.GetAddr()
}

// applyConfig is the watcher callback. Sync settings go through
// Reconfigure; an identity change goes through SetIdentity so the outbox
// of the previous user is dropped.
func (d *Daemon) applyConfig(c *config.Config) {
	ec, err := c.Engine()
	if err != nil {
		d.logger.Warn("ignoring invalid config", "err", err)
		return
	}
	ec.AutoSync = true

	if c.Identity.UserID != d.engine.Identity() {
		cleared, err := d.engine.SetIdentity(d.ctx, c.Identity.UserID)
		if err != nil {
			d.logger.Error("failed to switch identity", "err", err)
		} else {
			d.logger.Info("identity changed", "signed_in", c.Identity.UserID != "", "outbox_cleared", cleared)
		}
	}
	if err := d.engine.Reconfigure(ec); err != nil {
		d.logger.Warn("failed to apply config", "err", err)
	}
}
