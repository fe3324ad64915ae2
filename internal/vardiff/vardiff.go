// Package vardiff retargets a connection's difficulty from its share cadence.
//
// Each connection owns one Context. A Context is idle until Start arms its
// timer; every accepted share or timer expiry triggers an evaluation, after
// which the timer is armed again. New difficulties are never applied here:
// they are handed to the sink, which queues them as the connection's pending
// difficulty.
package vardiff

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config is the static retarget policy of a listening endpoint.
type Config struct {
	MinDiff         float64
	MaxDiff         float64
	TargetTime      time.Duration // desired time between shares
	RetargetTime    time.Duration // minimum time between evaluations, also the idle timeout
	VariancePercent float64       // tolerated deviation from TargetTime
	MaxDelta        float64       // largest absolute change per retarget, 0 for unbounded
	WindowSize      int           // share intervals kept for averaging
}

// DefaultConfig mirrors common stratum pool defaults.
func DefaultConfig() Config {
	return Config{
		MinDiff:         1,
		MaxDiff:         1 << 32,
		TargetTime:      15 * time.Second,
		RetargetTime:    90 * time.Second,
		VariancePercent: 30,
		WindowSize:      32,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.MinDiff <= 0:
		return fmt.Errorf("vardiff: min difficulty must be positive")
	case c.MaxDiff < c.MinDiff:
		return fmt.Errorf("vardiff: max difficulty %g below min difficulty %g", c.MaxDiff, c.MinDiff)
	case c.TargetTime <= 0:
		return fmt.Errorf("vardiff: target time must be positive")
	case c.RetargetTime <= 0:
		return fmt.Errorf("vardiff: retarget time must be positive")
	case c.VariancePercent < 0 || c.VariancePercent >= 100:
		return fmt.Errorf("vardiff: variance percent must be within [0, 100)")
	}
	return nil
}

// State is the timer state of a Context.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// DifficultySource returns the connection's current difficulty.
type DifficultySource func() float64

// Sink receives a retargeted difficulty. idle is true when the evaluation was
// caused by the timer rather than a share.
type Sink func(newDiff float64, idle bool)

// Context is the per-connection retarget state. All fields are guarded by
// mu, which is the connection's retarget lock.
type Context struct {
	cfg Config

	mu         sync.Mutex
	state      State
	lastUpdate time.Time
	lastShare  time.Time
	intervals  []float64
	next       int
	filled     bool
	timer      *time.Timer
	source     DifficultySource
	sink       Sink
	stopped    bool
}

// NewContext creates the retarget context for a connection accepted at start.
func NewContext(cfg Config, start time.Time) *Context {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultConfig().WindowSize
	}
	return &Context{
		cfg:        cfg,
		lastUpdate: start,
		intervals:  make([]float64, size),
	}
}

// Start arms the idle timer. source and sink must not call back into the
// Context.
func (c *Context) Start(source DifficultySource, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.source = source
	c.sink = sink
	c.armLocked()
}

// Stop cancels the timer; later shares are ignored.
func (c *Context) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = StateIdle
}

// State returns the timer state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnShare records an accepted share at now, cancels the pending timer,
// evaluates and re-arms.
func (c *Context) OnShare(now time.Time) {
	c.trigger(now, false)
}

func (c *Context) onTimer() {
	c.trigger(time.Now(), true)
}

func (c *Context) trigger(now time.Time, idle bool) {
	c.mu.Lock()
	if c.stopped || c.source == nil {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = StateTriggered

	if idle {
		c.recordLocked(now.Sub(latest(c.lastShare, c.lastUpdate)))
	} else {
		if !c.lastShare.IsZero() {
			c.recordLocked(now.Sub(c.lastShare))
		} else {
			c.recordLocked(now.Sub(c.lastUpdate))
		}
		c.lastShare = now
	}

	current := c.source()
	newDiff, changed := c.evaluateLocked(now, current)
	c.armLocked()
	sink := c.sink
	c.mu.Unlock()

	if changed {
		sink(newDiff, idle)
	}
}

func (c *Context) armLocked() {
	if c.stopped {
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.RetargetTime, c.onTimer)
	} else {
		c.timer.Reset(c.cfg.RetargetTime)
	}
	c.state = StateArmed
}

func (c *Context) recordLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.intervals[c.next] = d.Seconds()
	c.next = (c.next + 1) % len(c.intervals)
	if c.next == 0 {
		c.filled = true
	}
}

func (c *Context) resetWindowLocked() {
	c.next = 0
	c.filled = false
}

func (c *Context) averageLocked() (float64, bool) {
	n := c.next
	if c.filled {
		n = len(c.intervals)
	}
	if n == 0 {
		return 0, false
	}
	var sum float64
	for i := range n {
		sum += c.intervals[i]
	}
	return sum / float64(n), true
}

// evaluateLocked applies the retarget rule. It returns the new difficulty
// and true only when a change should be queued.
func (c *Context) evaluateLocked(now time.Time, current float64) (float64, bool) {
	if now.Sub(c.lastUpdate) < c.cfg.RetargetTime {
		return 0, false
	}
	avg, ok := c.averageLocked()
	if !ok {
		return 0, false
	}
	c.lastUpdate = now

	target := c.cfg.TargetTime.Seconds()
	variance := target * c.cfg.VariancePercent / 100
	if avg >= target-variance && avg <= target+variance {
		return 0, false
	}

	// a window of instant shares counts as twice the target rate
	ratio := 2.0
	if avg > 0 {
		ratio = target / avg
	}
	next := Compute(current, ratio, c.cfg)
	c.resetWindowLocked()
	if next == current {
		return 0, false
	}
	return next, true
}

// Compute scales current by ratio and bounds the result by MaxDelta and
// [MinDiff, MaxDiff].
func Compute(current, ratio float64, cfg Config) float64 {
	next := current * ratio
	if cfg.MaxDelta > 0 {
		delta := next - current
		if math.Abs(delta) > cfg.MaxDelta {
			next = current + math.Copysign(cfg.MaxDelta, delta)
		}
	}
	return Clamp(next, cfg.MinDiff, cfg.MaxDiff)
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi float64) float64 {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
