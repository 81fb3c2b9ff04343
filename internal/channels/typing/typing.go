// Package typing drives a channel's "bot is typing" indicator for the
// duration of an agent run. Providers expire the indicator after a few
// seconds, so the controller re-fires StartFn on a keepalive interval and
// hard-stops after MaxDuration to prevent a stuck indicator if the run
// outlives it.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration is the hard cap after which the indicator stops even if
	// Stop was never called.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-fired; pick just under
	// the provider's indicator TTL.
	KeepaliveInterval time.Duration
	// StartFn fires the provider's typing action once.
	StartFn func() error
	// StopFn, if set, clears the indicator on Stop (most providers expire
	// it passively and need no explicit clear).
	StopFn func() error
}

// Controller runs the keepalive loop for one conversation's indicator.
type Controller struct {
	opts Options

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	stopped bool
}

// New creates a Controller; call Start to begin.
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	return &Controller{opts: opts, stopCh: make(chan struct{})}
}

// Start fires the indicator immediately and begins the keepalive loop.
// Calling Start twice is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator start failed", "error", err)
	}

	go c.loop()
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	deadline := time.NewTimer(c.opts.MaxDuration)
	defer ticker.Stop()
	defer deadline.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-deadline.C:
			c.Stop()
			return
		case <-ticker.C:
			if err := c.opts.StartFn(); err != nil {
				slog.Debug("typing indicator keepalive failed", "error", err)
			}
		}
	}
}

// Stop ends the keepalive loop. Safe to call multiple times and from any
// goroutine.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.opts.StopFn != nil {
		if err := c.opts.StopFn(); err != nil {
			slog.Debug("typing indicator stop failed", "error", err)
		}
	}
}
