// Package syncer drives periodic re-fetching of tracked conversations,
// stretching the polling interval while the relays stay quiet and
// snapping back to the floor the moment anything new arrives.
package syncer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bridgecache/pkg/logger"
	"bridgecache/pkg/reconcile"
	"bridgecache/pkg/telemetry"
)

const (
	// DefaultFloor is the initial (and minimum) polling interval.
	DefaultFloor = time.Minute
	// DefaultCeiling caps the backed-off interval.
	DefaultCeiling = 10 * time.Minute
	// DefaultBackoffFactor multiplies the interval after an empty poll.
	DefaultBackoffFactor = 1.5
)

// Options tune the controller. Zero values fall back to the defaults.
type Options struct {
	Floor         time.Duration
	Ceiling       time.Duration
	BackoffFactor float64
	// RateRPS/RateBurst bound how often polls may actually hit the
	// transport, independent of the adaptive interval.
	RateRPS   float64
	RateBurst int
}

// Controller owns the poll timer. The timer handle is explicit state so
// Stop can guarantee no tick fires after teardown. A leaked timer
// polling after logout is a defect, not an inefficiency.
type Controller struct {
	engine  *reconcile.Engine
	floor   time.Duration
	ceiling time.Duration
	factor  float64
	limiter *rate.Limiter

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopped  bool
}

// New returns a controller polling through the given engine.
func New(engine *reconcile.Engine, opts Options) *Controller {
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = DefaultBackoffFactor
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 1
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 2
	}
	return &Controller{
		engine:   engine,
		floor:    opts.Floor,
		ceiling:  opts.Ceiling,
		factor:   opts.BackoffFactor,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateRPS), opts.RateBurst),
		interval: opts.Floor,
	}
}

// Interval returns the current polling interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	logger.Info("sync_controller_started", "floor", c.floor.String(), "ceiling", c.ceiling.String())
	go c.run(ctx)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	timer := time.NewTimer(c.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync_controller_stopping")
			return
		case <-timer.C:
			c.poll(ctx)
			timer.Reset(c.Interval())
		}
	}
}

// poll runs one fetch-since-watermark pass and adjusts the interval:
// empty polls back off multiplicatively up to the ceiling, any new
// message resets to the floor immediately.
func (c *Controller) poll(ctx context.Context) {
	telemetry.SyncPolls.Inc()
	if !c.limiter.Allow() {
		logger.Debug("sync_poll_rate_limited")
		return
	}
	n, err := c.engine.SyncTracked(ctx)
	if err != nil {
		logger.Warn("sync_poll_failed", "operation", "sync", "error", err)
		return
	}

	c.mu.Lock()
	if n > 0 {
		c.interval = c.floor
	} else {
		c.interval = time.Duration(float64(c.interval) * c.factor)
		if c.interval > c.ceiling {
			c.interval = c.ceiling
		}
	}
	iv := c.interval
	c.mu.Unlock()

	telemetry.SyncInterval.Set(iv.Seconds())
	logger.Debug("sync_poll_done", "operation", "sync", "new_messages", n, "next_interval", iv.String())
}

// Stop tears the controller down. Idempotent; after Stop returns, no
// further ticks fire.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	logger.Info("sync_controller_stopped")
}
