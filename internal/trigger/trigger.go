// Package trigger coalesces bursts of sync requests coming from webhooks or
// repository watchers.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Debouncer runs the most recently triggered callback once no new trigger
// arrived for the configured delay.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules callback to run after the debounce delay, replacing any
// callback still waiting.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.callback = nil
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels a pending callback and ignores further triggers
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.callback = nil
	if d.timer != nil {
		d.timer.Stop()
	}
}

// SingleFlight runs fn with single-flight semantics. If a run is already in
// progress, at most one additional run is queued; further concurrent requests
// are dropped to avoid unbounded goroutine pile-up.
type SingleFlight struct {
	fn     func(ctx context.Context) error
	logger *slog.Logger

	mu      sync.Mutex // guards running and pending
	running bool       // whether a run is currently in progress
	pending bool       // whether another run is needed after the current one
}

// NewSingleFlight wraps fn
func NewSingleFlight(fn func(ctx context.Context) error, logger *slog.Logger) *SingleFlight {
	return &SingleFlight{fn: fn, logger: logger}
}

// Run executes fn, or queues one re-run if fn is already executing. It
// returns once every run it is responsible for has completed. Errors are
// logged, not returned.
func (s *SingleFlight) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		if err := s.fn(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		} else {
			s.logger.Info("sync completed successfully")
		}

		// Atomically check whether another run was requested meanwhile. If not,
		// release the running slot and stop; if yes, clear the flag and loop to
		// service that one pending request.
		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}

		s.logger.Info("re-running sync due to pending request")
	}
}
