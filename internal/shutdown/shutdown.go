// Package shutdown turns interrupt and terminate signals into a cancelled context.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Coordinator owns the process-wide stop request. The first signal (or
// Trigger) cancels Context; in-flight work is expected to finish on its own.
// A second signal calls the force handler, if one is set.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	raised  atomic.Bool
	signals chan os.Signal
	stop    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	onForce func()
}

// New listens for sigs (SIGINT and SIGTERM when none are given) until Stop.
func New(parent context.Context, logger *slog.Logger, sigs ...os.Signal) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		signals: make(chan os.Signal, 2),
		stop:    make(chan struct{}),
	}
	signal.Notify(c.signals, sigs...)
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	for {
		select {
		case sig := <-c.signals:
			if !c.raised.Load() {
				c.logger.Info("shutdown requested, finishing in-flight work", "signal", sig.String())
				c.Trigger()
				continue
			}
			c.logger.Warn("second signal received", "signal", sig.String())
			c.mu.Lock()
			force := c.onForce
			c.mu.Unlock()
			if force != nil {
				force()
			}
		case <-c.stop:
			return
		}
	}
}

// Context is cancelled once shutdown is requested or the parent ends.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Raised reports whether shutdown was requested.
func (c *Coordinator) Raised() bool {
	return c.raised.Load()
}

// Trigger requests shutdown without a signal.
func (c *Coordinator) Trigger() {
	c.raised.Store(true)
	c.cancel()
}

// OnForce sets the handler for a repeated signal, typically an immediate exit.
func (c *Coordinator) OnForce(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onForce = fn
}

// Stop releases the signal handlers and cancels the context.
func (c *Coordinator) Stop() {
	c.once.Do(func() {
		signal.Stop(c.signals)
		close(c.stop)
		c.cancel()
	})
}
