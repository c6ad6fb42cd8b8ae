package main

import (
	"context"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/pipeline"
	"github.com/mindjournal/syncd/internal/remote"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/telemetry"
)

// openStore opens the local database and makes sure the schema exists.
func openStore() *db.DB {
	store, err := db.Open(cfg.Store.Path)
	if err != nil {
		exitf("failed to open database %s: %v", cfg.Store.Path, err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		exitf("failed to initialize schema: %v", err)
	}
	return store
}

// newRemote returns the configured backend. The memory backend lives only
// as long as the process and is meant for demos and benchmarks.
func newRemote() pipeline.Remote {
	switch remoteKind {
	case "memory":
		return remote.NewMemory()
	case "http", "":
		if cfg.Remote.URL == "" {
			logger.Warn("remote.url is not set; every sync will be skipped")
		}
		return remote.NewHTTPClient(remote.Options{
			BaseURL:    cfg.Remote.URL,
			Token:      cfg.Remote.Token,
			Timeout:    cfg.Remote.Timeout,
			MaxElapsed: cfg.Remote.RetryMaxElapsed,
		})
	default:
		exitf("unknown remote %q (want http or memory)", remoteKind)
		return nil
	}
}

// newPoller builds the connectivity monitor. Without a probe URL, or with
// the memory remote, the poller stays online.
func newPoller() *connectivity.Poller {
	var prober connectivity.Prober
	if remoteKind != "memory" && cfg.Connectivity.ProbeURL != "" {
		prober = &connectivity.HTTPProber{URL: cfg.Connectivity.ProbeURL}
	}
	return connectivity.NewPoller(prober, connectivity.PollerConfig{
		Interval: cfg.Connectivity.Interval,
		Timeout:  cfg.Connectivity.Timeout,
		Logger:   logger.With("component", "connectivity"),
	})
}

func newEngine(store *db.DB, rem pipeline.Remote, monitor connectivity.Monitor, opts ...engine.Option) *engine.Engine {
	opts = append([]engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(telemetry.Tracer("syncd/engine")),
		engine.WithMeter(telemetry.Meter("syncd/engine")),
	}, opts...)
	return engine.New(store, rem, monitor, opts...)
}

func engineConfig() engine.Config {
	ec, err := cfg.Engine()
	if err != nil {
		exitf("invalid sync config: %v", err)
	}
	return ec
}

// manualEngine returns an initialized engine with auto sync off, after one
// connectivity probe. Callers own store.Close and eng.Cleanup.
func manualEngine(ctx context.Context) (*engine.Engine, *db.DB) {
	store := openStore()
	poller := newPoller()
	poller.Check(ctx)

	eng := newEngine(store, newRemote(), poller)
	ec := engineConfig()
	ec.AutoSync = false
	if err := eng.Initialize(ctx, cfg.Identity.UserID, ec); err != nil {
		_ = store.Close()
		exitf("failed to initialize sync engine: %v", err)
	}
	return eng, store
}
