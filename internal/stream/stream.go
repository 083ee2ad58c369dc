// Package stream models push-style watches (datastore watches, topology
// streams) as explicit subscriptions, plus a debounce combinator.
package stream

import (
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
)

// Subscription is returned by every watch. Unsubscribe is idempotent and,
// once it returns, no further callback starts.
type Subscription interface {
	Unsubscribe()
}

// Func adapts a cancel function to a Subscription, guarding against double
// calls.
func Func(cancel func()) Subscription {
	return &funcSub{cancel: cancel}
}

type funcSub struct {
	once   sync.Once
	cancel func()
}

func (s *funcSub) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Noop is a Subscription that does nothing.
var Noop Subscription = Func(nil)

// Set holds subscriptions so they can be cancelled together.
type Set struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add registers sub.
func (s *Set) Add(sub Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Len returns the number of live subscriptions.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// UnsubscribeAll cancels every subscription and empties the set.
func (s *Set) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// ============================================================================
// Debounce
// ============================================================================

// Debouncer coalesces rapid successive values and emits the latest one after
// a quiet period. A zero quiet period emits synchronously.
type Debouncer[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	quiet   time.Duration
	emit    func(T)
	timer   clock.Timer
	latest  T
	gen     uint64
	stopped bool
}

// Debounce returns a Debouncer that calls emit with the latest pushed value
// once quiet has elapsed without a newer push.
func Debounce[T any](c clock.Clock, quiet time.Duration, emit func(T)) *Debouncer[T] {
	return &Debouncer[T]{clock: c, quiet: quiet, emit: emit}
}

// Push records v and restarts the quiet period.
func (d *Debouncer[T]) Push(v T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.quiet <= 0 {
		d.mu.Unlock()
		d.emit(v)
		return
	}
	d.latest = v
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.fire(gen) })
	d.mu.Unlock()
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	v := d.latest
	d.timer = nil
	d.mu.Unlock()
	d.emit(v)
}

// Stop drops any pending value.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
