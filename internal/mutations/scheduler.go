package mutations

import (
	"sort"
	"sync"
	"time"
)

// Scheduler supplies the dispatcher clock and its deferred callbacks.
type Scheduler interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) (cancel func())
}

// RealScheduler uses the wall clock and time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time {
	return time.Now()
}

func (RealScheduler) AfterFunc(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

// ManualScheduler is a deterministic Scheduler driven by Advance.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at        time.Time
	seq       int
	fn        func()
	cancelled bool
}

// NewManualScheduler starts the clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	timer := &manualTimer{at: s.now.Add(delay), seq: s.seq, fn: fn}
	s.seq++
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		timer.cancelled = true
		s.mu.Unlock()
	}
}

// Pending reports how many timers are armed.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, timer := range s.timers {
		if !timer.cancelled {
			count++
		}
	}
	return count
}

// Advance moves the clock forward and fires due timers in deadline order.
func (s *ManualScheduler) Advance(delta time.Duration) {
	s.mu.Lock()
	target := s.now.Add(delta)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		timer := s.popDueLocked(target)
		if timer == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		if timer.at.After(s.now) {
			s.now = timer.at
		}
		s.mu.Unlock()
		timer.fn()
	}
}

func (s *ManualScheduler) popDueLocked(target time.Time) *manualTimer {
	live := s.timers[:0]
	for _, timer := range s.timers {
		if !timer.cancelled {
			live = append(live, timer)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})
	if len(s.timers) == 0 || s.timers[0].at.After(target) {
		return nil
	}
	timer := s.timers[0]
	s.timers = s.timers[1:]
	return timer
}
