package engine

import (
	"fmt"
	"sync"
	"time"
)

// startAutoLocked starts the periodic scheduler and subscribes to reconnect
// edges. Caller holds mu.
func (e *Engine) startAutoLocked() {
	interval := e.config.Interval
	stop := make(chan struct{})
	var once sync.Once
	e.stopTimer = func() { once.Do(func() { close(stop) }) }

	base := e.baseCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-base.Done():
				return
			case <-ticker.C:
				e.trigger("interval")
			}
		}
	}()

	e.unsubscribe = e.monitor.OnReconnect(e.onReconnect)
}

// stopAutoLocked releases the timer and the reconnect subscription. A run
// already in progress is left to finish. Caller holds mu.
func (e *Engine) stopAutoLocked() {
	if e.stopTimer != nil {
		e.stopTimer()
		e.stopTimer = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) onReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopTimer == nil {
		return
	}
	e.goLocked("reconnect")
}

// goLocked starts a background run tracked by wg. Caller holds mu.
func (e *Engine) goLocked(source string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.trigger(source)
	}()
}

func (e *Engine) trigger(source string) {
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	res := e.SyncAll(ctx)
	if res.Skipped != SkipNone {
		e.logger.Debug("triggered sync skipped", "source", source, "reason", res.Skipped)
		return
	}
	e.logger.Debug("triggered sync finished", "source", source, "success", res.Success)
}

// AutoSyncRunning reports whether the scheduler is active.
func (e *Engine) AutoSyncRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopTimer != nil
}

// Reconfigure applies a new configuration, restarting the scheduler when
// auto sync is on. A run in progress keeps the config it started with.
func (e *Engine) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
	if !e.initialized || e.closed {
		return nil
	}
	e.stopAutoLocked()
	if cfg.AutoSync {
		e.startAutoLocked()
	}
	e.logger.Info("sync config updated", "auto_sync", cfg.AutoSync, "interval", cfg.Interval, "max_retries", cfg.MaxRetries)
	return nil
}

// StopAutoSync stops the periodic timer and the reconnect subscription.
// Manual SyncAll calls keep working. Safe to call repeatedly.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopAutoLocked()
}

// Cleanup stops auto sync, cancels background runs and waits for them to
// return. Safe to call repeatedly.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopAutoLocked()
	cancel := e.cancelBase
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}
