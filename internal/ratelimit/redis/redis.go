// Package redis implements ratelimit.Store on Redis so that every governor
// instance in a fleet enforces against the same counters.
//
// Each counter is a hash with two fields: c (count) and t (last update, unix
// nanoseconds). The leaky-bucket step runs as a Lua script, so concurrent
// requests on a hot key are serialized by Redis and never race. The generic
// Update is an optimistic WATCH/MULTI transaction retried until its context
// is done.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/governor/internal/ratelimit"
)

const (
	fieldCount = "c"
	fieldTime  = "t"

	DefaultPrefix = "governor"
)

// drainScript is the leaky-bucket step of ratelimit.Drainer.
//
// KEYS[1]: counter hash
// ARGV[1]: now, unix nanoseconds
// ARGV[2]: drain velocity, units per second
//
// Returns {count, last update, ttl in ms, "1" if an undecodable record was
// replaced else "0"}. Numbers come back as strings because Redis truncates
// Lua numbers to integers in replies.
var drainScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local velocity = tonumber(ARGV[2])

local prev = redis.call("HMGET", KEYS[1], "c", "t")
local count = 0
local stamp = ARGV[1]
local replaced = "0"

if prev[1] or prev[2] then
	local c = tonumber(prev[1])
	local t = prev[2] and string.find(prev[2], "^%d+$") and tonumber(prev[2])
	if c and t and c >= 0 and c < math.huge then
		local elapsed = (now - t) / 1e9
		if elapsed < 0 then
			elapsed = 0
			stamp = prev[2]
		end
		count = c - elapsed * velocity
		if count < 0 then
			count = 0
		end
	else
		replaced = "1"
	end
end

count = count + 1
local ttl = math.ceil(count * 1000 / velocity)
local encoded = string.format("%.17g", count)

redis.call("HSET", KEYS[1], "c", encoded, "t", stamp)
redis.call("PEXPIRE", KEYS[1], string.format("%d", ttl))

return {encoded, stamp, string.format("%d", ttl), replaced}
`)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

var (
	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Drainer = (*Store)(nil)
)

type Option func(*Store)

// WithLogger sets the logger used to report counter records that had to be
// overwritten.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New connects to a single Redis server. The connection is lazy: an
// unreachable server shows up as errors from Update, not from New.
func New(cfg Config, opts ...Option) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, opts...), nil
}

// NewWithClient wraps an existing client (single node, cluster or ring).
func NewWithClient(client redis.UniversalClient, prefix string, opts ...Option) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Store{client: client, prefix: prefix, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Drain implements ratelimit.Drainer with a single script call.
func (s *Store) Drain(ctx context.Context, key string, now time.Time, velocity float64) (ratelimit.Record, error) {
	k := s.redisKey(key)
	vals, err := drainScript.Run(ctx, s.client, []string{k},
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatFloat(velocity, 'g', -1, 64),
	).Slice()
	if err != nil {
		return ratelimit.Record{}, err
	}

	rec, replaced, err := decodeReply(vals)
	if err != nil {
		return ratelimit.Record{}, fmt.Errorf("counter %s: %w", k, err)
	}
	if replaced {
		s.logger.Warn().Str("key", k).Msg("counter record could not be decoded, overwritten")
	}
	return rec, nil
}

// Update implements ratelimit.Store. A record that cannot be decoded is
// handed to fn as absent and overwritten.
func (s *Store) Update(ctx context.Context, key string, fn ratelimit.UpdateFunc) (ratelimit.Record, error) {
	k := s.redisKey(key)

	var out ratelimit.Record
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, k, fieldCount, fieldTime).Result()
		if err != nil {
			return err
		}
		prev, found, err := decodeRecord(vals)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", k).Msg("counter record could not be decoded, overwriting")
			prev, found = ratelimit.Record{}, false
		}

		next := fn(prev, found)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k,
				fieldCount, strconv.FormatFloat(next.Count, 'f', -1, 64),
				fieldTime, strconv.FormatInt(next.LastUpdate.UnixNano(), 10),
			)
			if next.TTL > 0 {
				pipe.PExpire(ctx, k, roundUpMillis(next.TTL))
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return ratelimit.Record{}, err
		}
		// another writer won; contention is never a reason to skip counting
		if cerr := ctx.Err(); cerr != nil {
			return ratelimit.Record{}, cerr
		}
	}
}

// redisKey hash-tags the counter id so a cluster keeps it in a single slot.
func (s *Store) redisKey(key string) string {
	return s.prefix + ":{" + key + "}"
}

func decodeRecord(vals []any) (ratelimit.Record, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return ratelimit.Record{}, false, nil
	}
	cs, ok1 := vals[0].(string)
	ts, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return ratelimit.Record{}, false, fmt.Errorf("unexpected field types %T, %T", vals[0], vals[1])
	}
	count, err := parseCount(cs)
	if err != nil {
		return ratelimit.Record{}, false, err
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("parse timestamp: %w", err)
	}
	return ratelimit.Record{Count: count, LastUpdate: time.Unix(0, nanos)}, true, nil
}

func decodeReply(vals []any) (rec ratelimit.Record, replaced bool, err error) {
	if len(vals) != 4 {
		return ratelimit.Record{}, false, fmt.Errorf("unexpected script reply of %d values", len(vals))
	}
	strs := make([]string, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return ratelimit.Record{}, false, fmt.Errorf("unexpected script reply type %T", v)
		}
		strs[i] = s
	}

	count, err := parseCount(strs[0])
	if err != nil {
		return ratelimit.Record{}, false, err
	}
	nanos, err := strconv.ParseInt(strs[1], 10, 64)
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("parse timestamp: %w", err)
	}
	ttl, err := strconv.ParseInt(strs[2], 10, 64)
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("parse ttl: %w", err)
	}
	return ratelimit.Record{
		Count:      count,
		LastUpdate: time.Unix(0, nanos),
		TTL:        time.Duration(ttl) * time.Millisecond,
	}, strs[3] == "1", nil
}

func parseCount(s string) (float64, error) {
	c, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
		return 0, fmt.Errorf("parse count: %v out of range", c)
	}
	return c, nil
}

func roundUpMillis(d time.Duration) time.Duration {
	if r := d % time.Millisecond; r != 0 {
		d += time.Millisecond - r
	}
	return d
}
