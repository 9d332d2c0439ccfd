package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates a one-shot timer has fired.
	TimerStateExpired TimerState = "expired"
)

// Scheduler creates timers on top of a [Clock].
type Scheduler struct {
	clock Clock
}

// NewScheduler creates a scheduler. A nil clock means [RealClock].
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{clock: clock}
}

var defScheduler = NewScheduler(nil)

// DefaultScheduler returns the scheduler backed by [RealClock].
func DefaultScheduler() *Scheduler { return defScheduler }

// Clock returns the underlying clock.
func (s *Scheduler) Clock() Clock {
	if s == nil {
		return RealClock
	}
	return s.clock
}

// Now returns the current time of the scheduler clock.
func (s *Scheduler) Now() time.Time { return s.Clock().Now() }

// AfterFunc starts a one-shot timer that calls f once after d.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) *Timer {
	return s.start(d, nil, f)
}

// Every starts a periodic timer that calls f every d until stopped.
func (s *Scheduler) Every(d time.Duration, f func()) *Timer {
	return s.start(d, func(prev time.Duration) time.Duration { return prev }, f)
}

// Backoff starts a periodic timer whose interval starts at initial and doubles
// after every fire until it reaches ceiling. A non-positive ceiling means no cap.
func (s *Scheduler) Backoff(initial, ceiling time.Duration, f func()) *Timer {
	return s.start(initial, func(prev time.Duration) time.Duration {
		next := 2 * prev
		if ceiling > 0 && next > ceiling {
			next = ceiling
		}
		return next
	}, f)
}

func (s *Scheduler) start(d time.Duration, next func(time.Duration) time.Duration, f func()) *Timer {
	t := &Timer{
		sched: s,
		dur:   d,
		next:  next,
		fn:    f,
		state: TimerStateRunning,
		start: s.Now(),
	}
	t.mu.Lock()
	t.arm()
	t.mu.Unlock()
	return t
}

// Timer is a cancellable handle returned by [Scheduler].
type Timer struct {
	sched *Scheduler
	fn    func()
	next  func(time.Duration) time.Duration

	mu    sync.Mutex
	gen   uint64
	dur   time.Duration
	start time.Time
	state TimerState
	fires int
	h     Stopper
}

// arm schedules the current interval. Caller must hold the mutex.
func (t *Timer) arm() {
	t.gen++
	gen := t.gen
	t.h = t.sched.Clock().AfterFunc(t.dur, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.state != TimerStateRunning || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.fires++
	if t.next != nil {
		t.dur = t.next(t.dur)
		t.start = t.sched.Now()
		t.arm()
	} else {
		t.state = TimerStateExpired
		t.h = nil
	}
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop stops the timer. It returns true if the call stopped a running timer.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	t.gen++
	if t.h != nil {
		t.h.Stop()
		t.h = nil
	}
	return true
}

// Reset restarts the timer with a new interval.
// A periodic timer continues its progression from d.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h != nil {
		t.h.Stop()
	}
	t.dur = d
	t.start = t.sched.Now()
	t.state = TimerStateRunning
	t.arm()
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the current interval.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dur
}

// Left returns the time remaining until the next fire.
// Returns 0 if the timer is not running.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return 0
	}
	return max(t.dur-t.sched.Now().Sub(t.start), 0)
}

// Fires returns how many times the callback has been scheduled to run.
func (t *Timer) Fires() int {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fires
}
