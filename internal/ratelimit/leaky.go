package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/AlexKimmel/governor/internal/rules"
)

const (
	DefaultSleepOffset  = 50 * time.Millisecond
	DefaultStoreTimeout = 100 * time.Millisecond
)

// Bucket is a leaky-bucket Limiter over a shared Store. Every admitted
// request adds one unit to the counter of its (project, rule) pair, and the
// counter drains continuously at the rule's drain velocity.
type Bucket struct {
	store       Store
	clock       clock.PassiveClock
	sleepOffset time.Duration
	timeout     time.Duration
	logger      zerolog.Logger
	warn        *rate.Limiter
}

type Option func(*Bucket)

func WithClock(c clock.PassiveClock) Option {
	return func(b *Bucket) { b.clock = c }
}

// WithSleepOffset sets the throttle delay coefficient: a counter at twice the
// soft limit sleeps for one offset.
func WithSleepOffset(d time.Duration) Option {
	return func(b *Bucket) { b.sleepOffset = d }
}

// WithTimeout bounds every store call. A zero or negative value keeps the
// default, store calls are never unbounded.
func WithTimeout(d time.Duration) Option {
	return func(b *Bucket) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bucket) { b.logger = l }
}

// WithWarnRate limits how often store failures are logged.
func WithWarnRate(every time.Duration, burst int) Option {
	return func(b *Bucket) { b.warn = rate.NewLimiter(rate.Every(every), burst) }
}

func NewBucket(store Store, opts ...Option) *Bucket {
	b := &Bucket{
		store:       store,
		clock:       clock.RealClock{},
		sleepOffset: DefaultSleepOffset,
		timeout:     DefaultStoreTimeout,
		logger:      zerolog.Nop(),
		warn:        rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Admit implements Limiter. If the store fails or times out the request is
// allowed and the failure is logged.
func (b *Bucket) Admit(ctx context.Context, project string, rule *rules.Rule) Decision {
	now := b.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	rec, err := b.step(ctx, Key(project, rule.Name), now, rule)
	if err != nil {
		if b.warn.Allow() {
			b.logger.Warn().Err(err).
				Str("project", project).
				Str("rule", rule.Name).
				Msg("counter store unavailable, failing open")
		}
		return Decision{Action: Allow, FailedOpen: true}
	}

	return b.classify(rec.Count, rule)
}

func (b *Bucket) step(ctx context.Context, key string, now time.Time, rule *rules.Rule) (Record, error) {
	if d, ok := b.store.(Drainer); ok {
		return d.Drain(ctx, key, now, rule.DrainVelocity)
	}
	return b.store.Update(ctx, key, func(prev Record, found bool) Record {
		return drain(prev, found, now, rule)
	})
}

func (b *Bucket) classify(count float64, rule *rules.Rule) Decision {
	switch {
	case count > rule.HardLimit:
		return Decision{Action: Reject, Count: count}
	case count > rule.SoftLimit:
		return Decision{Action: Throttle, Count: count, Delay: ThrottleDelay(count, rule.SoftLimit, b.sleepOffset)}
	default:
		return Decision{Action: Allow, Count: count}
	}
}

// ThrottleDelay is ((count / soft) - 1) * offset, floored at zero: it grows
// linearly with how far count sits above soft and is one offset at twice the
// soft limit.
func ThrottleDelay(count, soft float64, offset time.Duration) time.Duration {
	if count <= soft {
		return 0
	}
	return time.Duration(math.Round(float64(offset) * (count - soft) / soft))
}

func drain(prev Record, found bool, now time.Time, rule *rules.Rule) Record {
	count := 0.0
	last := now
	if found {
		// a peer with a clock ahead of ours must not add usage, and its later
		// timestamp is kept so the overlap is not drained twice
		elapsed := math.Max(0, now.Sub(prev.LastUpdate).Seconds())
		count = math.Max(0, prev.Count-elapsed*rule.DrainVelocity)
		if prev.LastUpdate.After(now) {
			last = prev.LastUpdate
		}
	}
	count++

	return Record{
		Count:      count,
		LastUpdate: last,
		TTL:        time.Duration(math.Ceil(count / rule.DrainVelocity * float64(time.Second))),
	}
}
