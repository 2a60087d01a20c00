// Package memory is an in-process ratelimit.Store. Counters live in this
// process only, so a fleet of governors using it enforces one limit per node.
package memory

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/AlexKimmel/governor/internal/ratelimit"
)

type entry struct {
	mu        sync.Mutex
	rec       ratelimit.Record
	found     bool
	expiresAt time.Time
	evicted   bool
}

type Store struct {
	clock   clock.PassiveClock
	entries sync.Map // key -> *entry
}

var _ ratelimit.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

func New(opts ...Option) *Store {
	s := &Store{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return nil }

// Update implements ratelimit.Store. Updates to one key are serialized by the
// entry's mutex; different keys never contend.
func (s *Store) Update(ctx context.Context, key string, fn ratelimit.UpdateFunc) (ratelimit.Record, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Record{}, err
	}

	for {
		v, _ := s.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)

		e.mu.Lock()
		if e.evicted {
			// lost a race with Cleanup, the key has a fresh entry by now
			e.mu.Unlock()
			continue
		}

		found := e.found && s.clock.Now().Before(e.expiresAt)
		next := fn(e.rec, found)
		e.rec = next
		e.found = true
		e.expiresAt = next.LastUpdate.Add(next.TTL)
		e.mu.Unlock()

		return next, nil
	}
}

// Cleanup drops counters that have drained to zero and returns how many were
// removed.
func (s *Store) Cleanup() int {
	now := s.clock.Now()
	removed := 0

	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.found && !now.Before(e.expiresAt) {
			e.evicted = true
			s.entries.Delete(k)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of live counters.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Janitor runs Cleanup every interval until ctx is done.
func (s *Store) Janitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Cleanup()
		}
	}
}
