// Package shutdown provides the process-level graceful-stop trigger used
// by cmd/datalogger: SIGINT/SIGTERM plus an optional watched stop file, the
// same dual trigger the teacher's emergency controller used for chaos-test
// abort, adapted here to signal the pipeline to drain and exit instead of
// firing chaos-injection rollback callbacks.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jihwankim/plant-datalogger/pkg/reporting"
)

const defaultPollInterval = time.Second

// Config controls which stop triggers the Controller watches.
type Config struct {
	// StopFile, if non-empty, is polled for existence; its presence
	// triggers a stop the same way a signal would.
	StopFile     string
	PollInterval time.Duration
}

// Controller watches for OS signals and an optional stop file, and fans
// the first trigger out to every registered callback exactly once.
type Controller struct {
	stopFile     string
	pollInterval time.Duration
	logger       *reporting.Logger

	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
	callbacks []func()
}

// New constructs a Controller. Signal handling (SIGINT/SIGTERM) is always
// active; StopFile polling is enabled only when cfg.StopFile is set.
func New(cfg Config, logger *reporting.Logger) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Controller{
		stopFile:     cfg.StopFile,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start begins watching for stop triggers until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	go c.watchSignals(ctx)
	if c.stopFile != "" {
		go c.watchStopFile(ctx)
	}
}

func (c *Controller) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		c.trigger(fmt.Sprintf("signal: %v", sig))
	}
}

func (c *Controller) watchStopFile(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(c.stopFile); err == nil {
				c.trigger("stop file detected: " + c.stopFile)
				return
			}
		}
	}
}

func (c *Controller) trigger(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	callbacks := append([]func(){}, c.callbacks...)
	close(c.stopCh)
	c.mu.Unlock()

	c.logger.Warn("shutdown triggered", "reason", reason)
	for _, cb := range callbacks {
		cb()
	}
}

// Stop triggers a shutdown programmatically, as if a signal had arrived.
func (c *Controller) Stop(reason string) { c.trigger(reason) }

// IsStopped reports whether a stop has been triggered.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Done returns a channel closed the moment a stop is triggered, suitable
// for deriving a context.Context via context.WithCancel plus a goroutine,
// or for direct select alongside other channels.
func (c *Controller) Done() <-chan struct{} { return c.stopCh }

// OnStop registers a callback run (in trigger order, synchronously) the
// moment a stop is triggered. Registering after a stop has already
// triggered runs the callback immediately.
func (c *Controller) OnStop(callback func()) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		callback()
		return
	}
	c.callbacks = append(c.callbacks, callback)
	c.mu.Unlock()
}
