// Package reconnect implements the backoff state machine that decides whether
// and when a dropped call transport is re-established.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/events"
	"github.com/vango-go/callstream/pkg/metrics"
)

// ErrExhausted is reported once the attempt cap is reached.
var ErrExhausted = errors.New("max reconnection attempts reached")

// Policy is the immutable backoff configuration.
type Policy struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultPolicy returns {enabled, 10 attempts, 1s initial, 30s max, factor 2}.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// Validate reports the first constraint the policy violates.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("reconnect: max attempts must be > 0, got %d", p.MaxAttempts)
	case p.InitialDelay <= 0:
		return fmt.Errorf("reconnect: initial delay must be > 0, got %s", p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("reconnect: max delay %s is below initial delay %s", p.MaxDelay, p.InitialDelay)
	case !(p.Factor > 1):
		return fmt.Errorf("reconnect: factor must be > 1, got %v", p.Factor)
	}
	return nil
}

// Delay returns the wait before attempt n (1-based, counted after the
// increment): min(InitialDelay * Factor^(n-1), MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// State is the controller's complete mutable state.
type State struct {
	// Attempts starts at 1 before the first successful open and is reset to
	// 0 by every open, so the first retry after a fresh open waits
	// InitialDelay.
	Attempts      int
	Reconnecting  bool
	ShouldAttempt bool
	Pending       bool
	Exhausted     bool
}

// ConnectFunc re-establishes the transport. ctx is cancelled by Clear.
type ConnectFunc func(ctx context.Context) error

// Controller drives reconnect attempts on a clock. All methods are safe for
// concurrent use and may be called from inside the emit callback.
type Controller struct {
	policy    Policy
	connect   ConnectFunc
	emit      func(events.Event)
	clock     clock.Clock
	logger    *zap.Logger
	onResume  func()
	onExhaust func()

	mu      sync.Mutex
	state   State
	gen     uint64
	timer   *clock.Timer
	cancel  context.CancelFunc
	manual  bool
	dropped bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for backoff timers.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// WithResume registers fn to run after each successful reconnect, once the
// reconnected event has been emitted.
func WithResume(fn func()) Option {
	return func(ctl *Controller) { ctl.onResume = fn }
}

// WithExhausted registers fn to run after reconnectFailed is emitted.
func WithExhausted(fn func()) Option {
	return func(ctl *Controller) { ctl.onExhaust = fn }
}

// New validates policy and returns an idle controller.
func New(policy Policy, connect ConnectFunc, emit func(events.Event), opts ...Option) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if connect == nil {
		return nil, errors.New("reconnect: connect func is required")
	}
	if emit == nil {
		emit = func(events.Event) {}
	}
	c := &Controller{
		policy:  policy,
		connect: connect,
		emit:    emit,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		state:   State{Attempts: 1},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) Policy() Policy { return c.policy }

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm marks the session as one that should be recovered after a drop.
func (c *Controller) Arm() {
	c.mu.Lock()
	c.state.ShouldAttempt = true
	c.state.Exhausted = false
	c.mu.Unlock()
}

// ResetAttempts is called on every successful transport open.
func (c *Controller) ResetAttempts() {
	c.mu.Lock()
	c.state.Attempts = 0
	c.mu.Unlock()
}

// HandleDisconnect reacts to an unexpected transport close. It schedules an
// attempt when the session is armed and the policy is enabled.
func (c *Controller) HandleDisconnect() {
	c.mu.Lock()
	if c.state.Reconnecting {
		// A connection opened by the in-flight attempt dropped before the
		// attempt returned.
		if !c.state.Pending {
			c.dropped = true
		}
		c.mu.Unlock()
		return
	}
	if !c.state.ShouldAttempt || !c.policy.Enabled {
		c.mu.Unlock()
		return
	}
	c.manual = false
	step := c.scheduleLocked()
	c.mu.Unlock()
	c.announce(step)
}

// Manual re-arms the controller, resets the attempt counter to 0 and starts
// a chain of attempts regardless of Policy.Enabled.
func (c *Controller) Manual() {
	c.mu.Lock()
	c.stopLocked()
	c.state = State{ShouldAttempt: true}
	c.manual = true
	step := c.scheduleLocked()
	c.mu.Unlock()
	c.announce(step)
}

// Clear cancels any pending timer and in-flight attempt and disarms the
// controller. It is idempotent.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.stopLocked()
	c.state.ShouldAttempt = false
	c.state.Reconnecting = false
	c.state.Pending = false
	c.manual = false
	c.mu.Unlock()
}

func (c *Controller) stopLocked() {
	c.gen++
	c.dropped = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// step is the outcome of one scheduling decision, emitted outside the lock.
type step struct {
	gen       uint64
	event     events.Event
	announced chan struct{}
	exhausted bool
}

func (c *Controller) scheduleLocked() step {
	if c.state.Attempts >= c.policy.MaxAttempts {
		c.state.ShouldAttempt = false
		c.state.Reconnecting = false
		c.state.Pending = false
		c.state.Exhausted = true
		c.manual = false
		metrics.ReconnectOutcomesTotal.WithLabelValues("exhausted").Inc()
		return step{
			gen:       c.gen,
			event:     events.ReconnectFailedEvent{Attempts: c.state.Attempts, Message: ErrExhausted.Error()},
			exhausted: true,
		}
	}

	c.state.Reconnecting = true
	c.state.Pending = true
	c.state.Attempts++
	delay := c.policy.Delay(c.state.Attempts)
	gen := c.gen
	announced := make(chan struct{})
	c.timer = c.clock.AfterFunc(delay, func() { c.fire(gen, announced) })
	metrics.ReconnectAttemptsTotal.Inc()
	c.logger.Info("reconnect scheduled",
		zap.Int("attempt", c.state.Attempts),
		zap.Duration("delay", delay),
		zap.Int("max_attempts", c.policy.MaxAttempts),
	)
	return step{
		gen: gen,
		event: events.ReconnectingEvent{
			Attempt:     c.state.Attempts,
			Delay:       delay,
			MaxAttempts: c.policy.MaxAttempts,
		},
		announced: announced,
	}
}

func (c *Controller) announce(s step) {
	if s.announced != nil {
		defer close(s.announced)
	}
	c.mu.Lock()
	current := s.gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}
	c.emit(s.event)
	if s.exhausted {
		c.logger.Warn("reconnect attempts exhausted", zap.Int("max_attempts", c.policy.MaxAttempts))
		if c.onExhaust != nil {
			c.onExhaust()
		}
	}
}

func (c *Controller) fire(gen uint64, announced <-chan struct{}) {
	<-announced

	c.mu.Lock()
	if gen != c.gen || !c.state.ShouldAttempt {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state.Pending = false
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	attempt := c.state.Attempts
	c.mu.Unlock()

	err := c.connect(ctx)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cancel = nil

	if err == nil {
		c.state.Reconnecting = false
		c.state.Attempts = 0
		c.manual = false
		redo := c.dropped
		c.dropped = false
		c.mu.Unlock()

		metrics.ReconnectOutcomesTotal.WithLabelValues("success").Inc()
		c.logger.Info("reconnected", zap.Int("attempt", attempt))
		c.emit(events.ReconnectedEvent{Timestamp: c.clock.Now()})
		if c.onResume != nil {
			c.onResume()
		}
		if redo {
			c.HandleDisconnect()
		}
		return
	}

	metrics.ReconnectOutcomesTotal.WithLabelValues("error").Inc()
	c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	failure := events.ReconnectErrorEvent{Err: err, Attempt: attempt}

	var next *step
	if c.state.ShouldAttempt && (c.policy.Enabled || c.manual) {
		s := c.scheduleLocked()
		next = &s
	} else {
		c.state.Reconnecting = false
	}
	c.mu.Unlock()

	c.emit(failure)
	if next != nil {
		c.announce(*next)
	}
}
