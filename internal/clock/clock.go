package clock

import "time"

// Clock allows injecting time in domain/services.
type Clock interface {
	Now() time.Time
}

// Timer is a scheduled callback that can be stopped before it fires.
// Stop reports whether the callback was still pending.
type Timer interface {
	Stop() bool
}

// Scheduler issues one-shot and periodic callbacks. Managers hold their
// timers and must stop every outstanding one on teardown.
type Scheduler interface {
	Clock
	// AfterFunc runs fn once after d elapses.
	AfterFunc(d time.Duration, fn func()) Timer
	// TickFunc runs fn every interval until stopped.
	TickFunc(interval time.Duration, fn func()) Timer
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Scheduler {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

func (systemClock) TickFunc(interval time.Duration, fn func()) Timer {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return tickerTimer{ticker: ticker, done: done}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool { return s.t.Stop() }

type tickerTimer struct {
	ticker *time.Ticker
	done   chan struct{}
}

func (t tickerTimer) Stop() bool {
	t.ticker.Stop()
	select {
	case <-t.done:
		return false
	default:
		close(t.done)
		return true
	}
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant (useful for tests).
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
