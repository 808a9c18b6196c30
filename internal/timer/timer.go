package timer

import (
	"github.com/jonboulle/clockwork"
)

// Duration bounds for a single interval, in seconds.
const (
	MinDurationSec     int64 = 1
	MaxDurationSec     int64 = 86400
	DefaultDurationSec int64 = 1500
)

// Interval is one step in a session's cycle.
type Interval struct {
	Name     string
	Duration int64 // seconds
}

// State is a snapshot of the timer. The first five fields are the public
// wire-visible state; the rest carry the wall-clock baseline the core uses to
// derive (Interval, Remaining) on Sync.
type State struct {
	Repeat    bool
	Interval  int
	Remaining int64 // milliseconds left in the active interval
	IsRunning bool
	IsPaused  bool

	StartedInterval int
	StartedAt       int64 // unix ms when the current run began, 0 if stopped
	PausedAt        int64 // unix ms when paused, 0 if not paused
	TimePaused      int64 // accumulated pause ms since StartedAt
}

// Core is the authoritative timer state machine for one session. It is bound
// to an interval list and a clock; all methods are synchronous and every
// mutator returns the resulting state snapshot. Core is not safe for concurrent use — callers
// serialize access per session.
type Core struct {
	clock clockwork.Clock
	items []Interval
	state State
}

// NewCore creates a timer bound to items. An empty list behaves as a single
// virtual interval of DefaultDurationSec.
func NewCore(items []Interval, clock clockwork.Clock) *Core {
	c := &Core{
		clock: clock,
		items: items,
	}
	c.state = State{
		Interval:  0,
		Remaining: c.durationMs(0),
	}
	return c
}

func (c *Core) now() int64 {
	return c.clock.Now().UnixMilli()
}

// durationMs returns the duration of items[i] in milliseconds, or the default
// when the list is empty.
func (c *Core) durationMs(i int) int64 {
	if len(c.items) == 0 {
		return DefaultDurationSec * 1000
	}
	if i < 0 || i >= len(c.items) {
		i = 0
	}
	return c.items[i].Duration * 1000
}

// Start begins or resumes the run. Starting a paused timer folds the pause
// into the accounting; starting an already-running timer preserves its
// baseline.
func (c *Core) Start() State {
	if c.state.IsPaused {
		c.resume()
	} else if !c.state.IsRunning {
		c.state.StartedInterval = c.state.Interval
		c.state.StartedAt = c.now()
		c.state.TimePaused = 0
	}
	c.state.IsRunning = true
	c.state.IsPaused = false
	c.state.PausedAt = 0
	return c.state
}

// Pause freezes the countdown. The timer stays "running" from the client
// perspective; Sync excludes paused time from elapsed.
func (c *Core) Pause() State {
	c.state.IsPaused = true
	c.state.PausedAt = c.now()
	return c.state
}

// Resume continues a paused timer.
func (c *Core) Resume() State {
	c.resume()
	return c.state
}

func (c *Core) resume() {
	if c.state.PausedAt > 0 {
		c.state.TimePaused += c.now() - c.state.PausedAt
	}
	c.state.PausedAt = 0
	c.state.IsPaused = false
}

// Stop resets to the first interval. Repeat survives the reset.
func (c *Core) Stop() State {
	repeat := c.state.Repeat
	c.state = State{
		Repeat:    repeat,
		Interval:  0,
		Remaining: c.durationMs(0),
	}
	return c.state
}

// Repeat toggles wrap-at-end when called without an argument, or sets it to
// the given value.
func (c *Core) Repeat(value ...bool) State {
	if len(value) == 0 {
		c.state.Repeat = !c.state.Repeat
	} else {
		c.state.Repeat = value[0]
	}
	return c.state
}

// Next advances to the following interval, wrapping at the end of the list.
// A running timer restarts its baseline at the new interval.
func (c *Core) Next() State {
	n := len(c.items)
	if n == 0 {
		n = 1
	}
	c.state.Interval = (c.state.Interval + 1) % n
	c.state.Remaining = c.durationMs(c.state.Interval)
	if c.state.IsRunning {
		c.state.StartedInterval = c.state.Interval
		c.state.StartedAt = c.now()
		c.state.TimePaused = 0
		if c.state.IsPaused {
			c.state.PausedAt = c.now()
		} else {
			c.state.PausedAt = 0
		}
	}
	return c.state
}

// Sync derives the authoritative (Interval, Remaining) from the wall-clock
// baseline, advancing across interval boundaries as needed. Running past the
// last interval without repeat performs the full stop reset; Remaining never
// goes negative.
func (c *Core) Sync() State {
	if !c.state.IsRunning || c.state.StartedAt == 0 || len(c.items) == 0 {
		return c.state
	}

	// Pause time not yet folded into TimePaused.
	var offset int64
	if c.state.IsPaused && c.state.PausedAt > 0 {
		offset = c.now() - c.state.PausedAt
	}
	elapsed := c.now() - c.state.StartedAt - c.state.TimePaused - offset

	current := c.state.StartedInterval % len(c.items)
	if current < 0 {
		current = 0
	}
	for elapsed >= c.durationMs(current) {
		elapsed -= c.durationMs(current)
		current++
		if current >= len(c.items) {
			if !c.state.Repeat {
				return c.Stop()
			}
			current = 0
		}
	}

	c.state.Interval = current
	c.state.Remaining = c.durationMs(current) - elapsed
	return c.state
}

// UpdateIntervals rebinds the interval list mid-run. When the active index
// falls off the end of the new list the timer resets to the first interval,
// keeping the running/paused flags but re-anchoring the baseline. When the
// active interval survives with a smaller duration than the observed
// remaining, remaining clamps to the new duration and the interval restarts
// at now.
func (c *Core) UpdateIntervals(items []Interval) State {
	c.items = items
	now := c.now()

	switch {
	case c.state.Interval >= len(items):
		c.state.Interval = 0
		c.state.StartedInterval = 0
		c.state.Remaining = c.durationMs(0)
		if c.state.StartedAt != 0 {
			c.state.StartedAt = now
		}
		if c.state.PausedAt != 0 {
			c.state.PausedAt = now
		}
		c.state.TimePaused = 0

	case c.state.IsRunning:
		elapsed := now - c.state.StartedAt - c.state.TimePaused
		c.state.StartedAt = now - elapsed
		c.state.StartedInterval = c.state.Interval
		c.state.TimePaused = 0
		if c.state.IsPaused {
			c.state.PausedAt = now
		} else {
			c.state.PausedAt = 0
		}
		newDuration := c.durationMs(c.state.Interval)
		if c.state.Remaining > newDuration {
			c.state.Remaining = newDuration
			c.state.StartedAt = now
		} else {
			remaining := newDuration - elapsed
			if remaining < 0 {
				remaining = 0
			}
			c.state.Remaining = remaining
		}

	default:
		c.state.Remaining = c.durationMs(c.state.Interval)
	}
	return c.state
}

// UpdateState imports a peer's public view and rebuilds the internal baseline
// so that a Sync at the same instant reproduces the imported values.
func (c *Core) UpdateState(external State) State {
	c.state.Repeat = external.Repeat
	c.state.Interval = external.Interval
	c.state.Remaining = external.Remaining
	c.state.IsRunning = external.IsRunning
	c.state.IsPaused = external.IsPaused

	elapsed := c.durationMs(c.state.Interval) - c.state.Remaining
	c.state.StartedInterval = c.state.Interval
	if c.state.IsRunning {
		c.state.StartedAt = c.now() - elapsed
	} else {
		c.state.StartedAt = 0
	}
	if c.state.IsPaused {
		c.state.PausedAt = c.now()
	} else {
		c.state.PausedAt = 0
	}
	c.state.TimePaused = 0
	return c.state
}

// GetState returns the current snapshot without advancing the timer.
func (c *Core) GetState() State {
	return c.state
}

// SetState overwrites the snapshot without re-baselining. Intended for tests
// and initial restoration.
func (c *Core) SetState(state State) State {
	c.state = state
	return c.state
}

// Items returns the bound interval list.
func (c *Core) Items() []Interval {
	return c.items
}
