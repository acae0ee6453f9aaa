package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a fast-forwardable scheduler for tests. Advance moves the
// clock and runs due callbacks in timestamp order on the calling
// goroutine, so tests stay deterministic without sleeping.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*virtualEntry
}

type virtualEntry struct {
	id       int
	at       time.Time
	interval time.Duration // 0 for one-shot
	fn       func()
	stopped  bool
	owner    *Virtual
}

// NewVirtual returns a virtual scheduler starting at t.
func NewVirtual(t time.Time) *Virtual {
	return &Virtual{now: t.UTC()}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	return v.schedule(d, 0, fn)
}

func (v *Virtual) TickFunc(interval time.Duration, fn func()) Timer {
	return v.schedule(interval, interval, fn)
}

func (v *Virtual) schedule(d, interval time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	e := &virtualEntry{
		id:       v.nextID,
		at:       v.now.Add(d),
		interval: interval,
		fn:       fn,
		owner:    v,
	}
	v.pending = append(v.pending, e)
	return e
}

// Advance moves virtual time forward by d, firing every callback that
// comes due, in order. Callbacks may schedule further timers; those fire
// too if they fall inside the window.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		e := v.nextDue(target)
		if e == nil {
			break
		}
		e.fn()
	}

	v.mu.Lock()
	if target.After(v.now) {
		v.now = target
	}
	v.mu.Unlock()
}

// Pending returns the number of scheduled, unstopped callbacks.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, e := range v.pending {
		if !e.stopped {
			n++
		}
	}
	return n
}

// nextDue pops the earliest entry due at or before target, advancing the
// clock to its deadline. Repeating entries are rescheduled.
func (v *Virtual) nextDue(target time.Time) *virtualEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	sort.SliceStable(v.pending, func(i, j int) bool {
		if v.pending[i].at.Equal(v.pending[j].at) {
			return v.pending[i].id < v.pending[j].id
		}
		return v.pending[i].at.Before(v.pending[j].at)
	})

	for i, e := range v.pending {
		if e.stopped {
			continue
		}
		if e.at.After(target) {
			return nil
		}
		if e.at.After(v.now) {
			v.now = e.at
		}
		if e.interval > 0 {
			e.at = e.at.Add(e.interval)
		} else {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
		}
		return e
	}
	return nil
}

func (e *virtualEntry) Stop() bool {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	for i, p := range e.owner.pending {
		if p == e {
			e.owner.pending = append(e.owner.pending[:i], e.owner.pending[i+1:]...)
			break
		}
	}
	return true
}
