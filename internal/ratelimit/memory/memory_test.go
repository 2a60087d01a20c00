package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/AlexKimmel/governor/internal/ratelimit"
)

func increment(now time.Time) ratelimit.UpdateFunc {
	return func(prev ratelimit.Record, found bool) ratelimit.Record {
		c := 1.0
		if found {
			c = prev.Count + 1
		}
		return ratelimit.Record{Count: c, LastUpdate: now, TTL: time.Minute}
	}
}

func TestStore_UpdateSeesPreviousRecord(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1000, 0))
	s := New(WithClock(clk))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := s.Update(ctx, "k", increment(clk.Now()))
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if rec.Count != float64(i) {
			t.Fatalf("expected count %d, got %v", i, rec.Count)
		}
	}

	other, err := s.Update(ctx, "other", increment(clk.Now()))
	if err != nil {
		t.Fatalf("update other: %v", err)
	}
	if other.Count != 1 {
		t.Fatalf("expected independent key to start at 1, got %v", other.Count)
	}
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1000, 0))
	s := New(WithClock(clk))

	const workers, perWorker = 16, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Update(context.Background(), "k", increment(clk.Now())); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := s.Update(context.Background(), "k", increment(clk.Now()))
	if err != nil {
		t.Fatalf("final update: %v", err)
	}
	if want := float64(workers*perWorker + 1); rec.Count != want {
		t.Fatalf("expected count %v, got %v", want, rec.Count)
	}
}

func TestStore_ExpiredRecordIsNotFound(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1000, 0))
	s := New(WithClock(clk))
	ctx := context.Background()

	if _, err := s.Update(ctx, "k", increment(clk.Now())); err != nil {
		t.Fatalf("update: %v", err)
	}
	clk.SetTime(clk.Now().Add(2 * time.Minute))

	rec, err := s.Update(ctx, "k", increment(clk.Now()))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Count != 1 {
		t.Fatalf("expected expired record to be treated as absent, got %v", rec.Count)
	}
}

func TestStore_CleanupRemovesDrainedEntries(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1000, 0))
	s := New(WithClock(clk))
	ctx := context.Background()

	if _, err := s.Update(ctx, "a", increment(clk.Now())); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := s.Cleanup(); n != 0 {
		t.Fatalf("expected nothing to be removed yet, removed %d", n)
	}

	clk.SetTime(clk.Now().Add(time.Minute))
	if _, err := s.Update(ctx, "b", increment(clk.Now())); err != nil {
		t.Fatalf("update: %v", err)
	}

	if n := s.Cleanup(); n != 1 {
		t.Fatalf("expected one entry removed, got %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one live entry, got %d", s.Len())
	}
}

func TestStore_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Update(ctx, "k", increment(time.Now())); err == nil {
		t.Fatalf("expected error for canceled context")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no entry to be created")
	}
}

func TestStore_JanitorStopsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Janitor(ctx, time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop")
	}
}
