// Package ratelimit implements the rolling-window rate limiter shared by all
// forwarder workers. The whole check-and-admit sequence runs as one Lua
// script so concurrent workers cannot collectively exceed the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/atomic"
)

// Key is the sorted set holding request timestamps inside the window.
const Key = "rate_limit:forwarder"

// allowScript trims entries older than the window, refuses when the
// remaining count is at the limit, and otherwise records this request.
// ARGV: now_ms, window_ms, limit, member.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[2]))
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// ConfigFunc supplies the current limit and window, read live from dynamic
// config on every call.
type ConfigFunc func(ctx context.Context) (limit int, window time.Duration)

// Limiter admits requests against the shared rolling window.
type Limiter struct {
	rdb      redis.UniversalClient
	workerID string
	cfg      ConfigFunc
	seq      atomic.Int64

	// nowFn is swappable for tests
	nowFn func() time.Time
}

func New(rdb redis.UniversalClient, workerID string, cfg ConfigFunc) *Limiter {
	return &Limiter{
		rdb:      rdb,
		workerID: workerID,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// Allow reports whether one more request fits in the current window, and
// records it when it does. A refused request must stay claimed and be retried
// on the caller's next loop.
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	limit, window := l.cfg(ctx)
	if limit <= 0 {
		return true, nil
	}

	now := l.nowFn().UnixMilli()
	// unique member so concurrent admissions in the same millisecond all count
	member := fmt.Sprintf("%d:%s:%d", now, l.workerID, l.seq.Inc())

	res, err := allowScript.Run(ctx, l.rdb, []string{Key}, now, window.Milliseconds(), limit, member).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
