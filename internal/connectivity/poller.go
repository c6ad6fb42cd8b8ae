package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrUnavailable means reachability cannot be determined. Pollers treat it
// as online.
var ErrUnavailable = errors.New("reachability check unavailable")

// Prober checks reachability once. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber considers the service reachable when any HTTP response comes
// back from URL, whatever its status code.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe issues a GET against the probe URL.
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.URL == "" {
		return ErrUnavailable
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// PollerConfig holds configuration for a Poller.
type PollerConfig struct {
	// Interval between probes (default: 10s)
	Interval time.Duration
	// Timeout bounds each probe (default: 3s)
	Timeout time.Duration
	// Logger for state transitions (default: slog.Default())
	Logger *slog.Logger
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Poller is a Monitor driven by periodic probes.
type Poller struct {
	*Switch
	prober Prober
	config PollerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller. It starts online and does not probe until Start.
// A nil prober keeps the poller online forever.
func NewPoller(prober Prober, config PollerConfig) *Poller {
	defaults := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Poller{
		Switch: NewSwitch(true),
		prober: prober,
		config: config,
	}
}

// Check probes once and updates the state. It returns the new state.
func (p *Poller) Check(ctx context.Context) bool {
	if p.prober == nil {
		p.Set(true)
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.prober.Probe(probeCtx)
	cancel()

	online := err == nil || errors.Is(err, ErrUnavailable)
	was := p.Online()
	if p.Set(online) {
		p.config.Logger.Info("connectivity restored")
	} else if was && !online {
		p.config.Logger.Warn("connectivity lost", "error", err)
	}
	return online
}

// Start probes immediately and then every Interval until ctx is cancelled
// or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.Check(ctx)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Stop halts probing and waits for the loop to exit. Safe to call twice.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}
