package renderloop

import (
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCallbackHz is the cadence at which the host offers frame callbacks.
const DefaultCallbackHz = 60

// Scheduler is the host's per-frame callback mechanism. Each RequestFrame
// call results in at most one later invocation of fn.
type Scheduler interface {
	RequestFrame(fn func(now time.Time))
}

// ClockScheduler offers frame callbacks at a fixed cadence off a clock.
type ClockScheduler struct {
	clock    clock.Clock
	interval time.Duration
}

// NewClockScheduler returns a scheduler firing callbacks hz times per second.
func NewClockScheduler(c clock.Clock, hz float64) *ClockScheduler {
	if c == nil {
		c = clock.New()
	}
	if hz <= 0 {
		hz = DefaultCallbackHz
	}
	return &ClockScheduler{clock: c, interval: time.Duration(float64(time.Second) / hz)}
}

// Interval is the delay between a request and its callback.
func (s *ClockScheduler) Interval() time.Duration { return s.interval }

// RequestFrame implements Scheduler.
func (s *ClockScheduler) RequestFrame(fn func(now time.Time)) {
	s.clock.AfterFunc(s.interval, func() {
		fn(s.clock.Now())
	})
}
