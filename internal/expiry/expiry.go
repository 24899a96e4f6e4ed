// Package expiry runs one deferred callback per key, used to auto-stop lab
// sessions after their budget elapses.
package expiry

import (
	"context"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	AfterFunc AfterFunc
}

type Scheduler struct {
	afterFunc AfterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*entry
	nextGen uint64
	closed  bool
	running sync.WaitGroup
}

type entry struct {
	gen   uint64
	timer Timer
}

func New(opts Options) *Scheduler {
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		afterFunc: afterFunc,
		ctx:       ctx,
		cancel:    cancel,
		timers:    map[string]*entry{},
	}
}

// Schedule arranges for fn to run once after d, replacing any pending timer
// for key. A non-positive d fires as soon as possible.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func(context.Context)) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	e := &entry{gen: gen}
	s.timers[key] = e
	e.timer = s.afterFunc(d, func() {
		s.fire(key, gen, fn)
	})
}

func (s *Scheduler) fire(key string, gen uint64, fn func(context.Context)) {
	s.mu.Lock()
	current, ok := s.timers[key]
	if !ok || current.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn(s.ctx)
}

// Cancel drops the pending timer for key. Cancelling an unknown or already
// fired key is a no-op.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	e.timer.Stop()
	return true
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers, cancels the context handed to running
// callbacks and waits for them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
