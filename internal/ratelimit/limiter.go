package ratelimit

import (
	"context"
	"time"

	"github.com/AlexKimmel/governor/internal/rules"
)

type Action int

const (
	Allow Action = iota
	Throttle
	Reject
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	Delay  time.Duration // only set for Throttle
	Count  float64       // counter value after this request
	// FailedOpen is set when the store could not be consulted and the
	// request was allowed without enforcement.
	FailedOpen bool
}

// Limiter classifies a request against a rule. Implementations never fail:
// problems with the shared state resolve to Allow.
type Limiter interface {
	Admit(ctx context.Context, project string, rule *rules.Rule) Decision
}

// Record is the counter state shared by every governor instance.
type Record struct {
	Count      float64
	LastUpdate time.Time
	// TTL is how long until the counter has drained to zero. Stores may drop
	// the record after that.
	TTL time.Duration
}

// UpdateFunc computes the next record from the previous one. found is false
// when no record exists for the key. It must be pure: optimistic stores call
// it again when a concurrent writer wins.
type UpdateFunc func(prev Record, found bool) Record

// Store is the shared counter store. Update is a single atomic
// read-modify-write per key.
type Store interface {
	Update(ctx context.Context, key string, fn UpdateFunc) (Record, error)
}

// Drainer is a Store that runs the leaky-bucket step itself, as one atomic
// server side operation: drain the counter from its last update to now at
// velocity units per second, floored at zero, then add one. LastUpdate never
// moves backwards. Bucket prefers Drain over Update when the store offers it.
type Drainer interface {
	Drain(ctx context.Context, key string, now time.Time, velocity float64) (Record, error)
}

// Key is the store key for a project's counter under a rule. Rule names never
// contain ':', so the last ':' splits a key unambiguously.
func Key(project, rule string) string {
	return project + ":" + rule
}
