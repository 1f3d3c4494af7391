package session

import (
	"sync"
	"time"
)

type ConnectState int

const (
	ConnectIdle ConnectState = iota
	ConnectArmed
	ConnectFired
	ConnectCanceled
)

func (s ConnectState) String() string {
	switch s {
	case ConnectIdle:
		return "idle"
	case ConnectArmed:
		return "armed"
	case ConnectFired:
		return "fired"
	case ConnectCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ConnectTimeout watches one outstanding connect at a time. Its deadline is
// measured from the later of Begin and the last Observe, so a connect whose
// session keeps delivering never expires. Each armed period either fires or
// completes, never both.
type ConnectTimeout struct {
	sched   Scheduler
	timeout time.Duration

	mu           sync.Mutex
	state        ConnectState
	period       uint64
	activity     uint64
	lastActivity time.Time
	deadline     time.Time
	timer        Timer
	onFire       func()
	stopped      bool
}

// NewConnectTimeout returns a coordinator. A timeout <= 0 never fires.
func NewConnectTimeout(sched Scheduler, timeout time.Duration) *ConnectTimeout {
	return &ConnectTimeout{sched: sched, timeout: timeout}
}

// Begin arms a new period, superseding any armed one, and returns its number.
// It reports false once the coordinator is stopped.
func (c *ConnectTimeout) Begin(onFire func()) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0, false
	}
	c.stopTimerLocked()

	c.period++
	period := c.period
	c.state = ConnectArmed
	c.onFire = onFire
	c.deadline = c.sched.Now().Add(c.timeout)
	if c.timeout > 0 {
		c.timer = c.sched.AfterFunc(c.timeout, func() { c.expire(period) })
	}
	return period, true
}

func (c *ConnectTimeout) expire(period uint64) {
	c.mu.Lock()
	if c.state != ConnectArmed || c.period != period {
		c.mu.Unlock()
		return
	}

	now := c.sched.Now()
	if now.Before(c.deadline) {
		// Deliveries pushed the deadline out while the timer was pending.
		c.timer = c.sched.AfterFunc(c.deadline.Sub(now), func() { c.expire(period) })
		c.mu.Unlock()
		return
	}

	c.state = ConnectFired
	c.timer = nil
	onFire := c.onFire
	c.onFire = nil
	c.mu.Unlock()

	if onFire != nil {
		onFire()
	}
}

// Observe records a delivery event.
func (c *ConnectTimeout) Observe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activity++
	now := c.sched.Now()
	c.lastActivity = now
	if c.state == ConnectArmed {
		if d := now.Add(c.timeout); d.After(c.deadline) {
			c.deadline = d
		}
	}
}

// Complete cancels period. It reports false if the period already fired,
// was superseded or the coordinator was stopped.
func (c *ConnectTimeout) Complete(period uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConnectArmed || c.period != period {
		return false
	}
	c.state = ConnectCanceled
	c.onFire = nil
	c.stopTimerLocked()
	return true
}

// Stop cancels any armed period and refuses future ones.
func (c *ConnectTimeout) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.state == ConnectArmed {
		c.state = ConnectCanceled
	}
	c.onFire = nil
	c.stopTimerLocked()
}

func (c *ConnectTimeout) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Armed reports whether period is the armed one.
func (c *ConnectTimeout) Armed(period uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnectArmed && c.period == period
}

func (c *ConnectTimeout) State() ConnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectTimeout) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *ConnectTimeout) Activity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

func (c *ConnectTimeout) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
