package service

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrCountdownStarted = errors.New("countdown already started")
	ErrInvalidDuration  = errors.New("countdown duration must be positive")
)

type countdownState int

const (
	countdownIdle countdownState = iota
	countdownRunning
	countdownFired
	countdownCancelled
)

// CountdownController counts down a fixed duration once per second and fires
// its expiry callback exactly once. Remaining time is derived from the
// deadline, so a delayed or dropped tick never extends the countdown.
type CountdownController struct {
	clock clockwork.Clock

	mu       sync.Mutex
	state    countdownState
	deadline time.Time
	ticker   clockwork.Ticker
	stop     chan struct{}
}

// NewCountdownController creates an idle countdown driven by clock.
func NewCountdownController(clock clockwork.Clock) *CountdownController {
	return &CountdownController{clock: clock}
}

// Start begins counting down seconds. onExpire runs once when the countdown
// reaches zero; onTick (optional) receives the remaining time every second.
// A controller can be started only once.
func (c *CountdownController) Start(seconds int, onExpire func(), onTick func(remaining time.Duration)) error {
	if seconds <= 0 {
		return ErrInvalidDuration
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != countdownIdle {
		return ErrCountdownStarted
	}

	c.state = countdownRunning
	c.deadline = c.clock.Now().Add(time.Duration(seconds) * time.Second)
	c.ticker = c.clock.NewTicker(time.Second)
	c.stop = make(chan struct{})

	go c.run(c.ticker, c.stop, onExpire, onTick)
	return nil
}

func (c *CountdownController) run(ticker clockwork.Ticker, stop <-chan struct{}, onExpire func(), onTick func(time.Duration)) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			remaining, expired := c.tick()
			if expired {
				if onExpire != nil {
					onExpire()
				}
				return
			}
			if remaining < 0 {
				// cancelled between the tick and the state check
				return
			}
			if onTick != nil {
				onTick(remaining)
			}
		}
	}
}

// tick reports the remaining time, flipping the state to fired when it reaches
// zero. A negative remaining value means the countdown is no longer running.
func (c *CountdownController) tick() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != countdownRunning {
		return -1, false
	}

	remaining := c.deadline.Sub(c.clock.Now())
	if remaining > 0 {
		return remaining, false
	}

	c.state = countdownFired
	c.ticker.Stop()
	return 0, true
}

// Cancel stops the countdown without firing. It is idempotent and a no-op
// after the countdown has fired.
func (c *CountdownController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != countdownRunning {
		if c.state == countdownIdle {
			c.state = countdownCancelled
		}
		return
	}

	c.state = countdownCancelled
	c.ticker.Stop()
	close(c.stop)
}

// Remaining returns the time left, or zero once the countdown is not running.
func (c *CountdownController) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != countdownRunning {
		return 0
	}
	if remaining := c.deadline.Sub(c.clock.Now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Running reports whether the countdown is still counting.
func (c *CountdownController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == countdownRunning
}
