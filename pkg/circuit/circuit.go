// Package circuit implements the shared circuit breaker in front of the
// incident-management webhook. State lives in the shared store so all
// forwarder workers, in every process, observe the same breaker.
//
//	CLOSED    --failures reach threshold-->  OPEN
//	OPEN      --open_seconds elapse-->       HALF_OPEN
//	HALF_OPEN --probe success-->             CLOSED  (counter cleared)
//	HALF_OPEN --probe failure-->             OPEN    (TTL reset)
package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State of the breaker as read from the shared store.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var (
	metricCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mutt",
		Name:      "circuit_open",
		Help:      "1 when the circuit breaker is open, 0 otherwise.",
	}, []string{"role"})
	metricCircuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutt",
		Name:      "circuit_trips_total",
		Help:      "Times the circuit breaker has tripped open.",
	}, []string{"role"})
	metricCircuitBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutt",
		Name:      "circuit_blocked_total",
		Help:      "Sends skipped because the circuit breaker was open.",
	}, []string{"role"})
)

// failureWindow is the rolling TTL on the failure counter; failures further
// apart than this do not accumulate.
const failureWindow = 60 * time.Second

// probeTTL bounds how long a half-open probe claim is held before another
// worker may try.
const probeTTL = 30 * time.Second

// ConfigFunc supplies the current failure threshold and open duration, read
// live from dynamic config.
type ConfigFunc func(ctx context.Context) (failureThreshold int, openFor time.Duration)

// failureScript increments the failure counter with a rolling TTL and trips
// the breaker at the threshold.
// KEYS: failures, open, halfopen, probe
// ARGV: threshold, open_seconds, halfopen_seconds, window_seconds
var failureScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
if n >= tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], '1', 'EX', ARGV[2])
	redis.call('SET', KEYS[3], '1', 'EX', ARGV[3])
	redis.call('DEL', KEYS[1], KEYS[4])
	return 1
end
return 0
`)

// Breaker coordinates the shared circuit state for one downstream role.
type Breaker struct {
	rdb    redis.UniversalClient
	role   string
	cfg    ConfigFunc
	logger log.Logger
}

func New(rdb redis.UniversalClient, role string, cfg ConfigFunc, logger log.Logger) *Breaker {
	metricCircuitOpen.WithLabelValues(role).Set(0)
	return &Breaker{
		rdb:    rdb,
		role:   role,
		cfg:    cfg,
		logger: log.With(logger, "component", "circuit", "role", role),
	}
}

func (b *Breaker) failuresKey() string { return fmt.Sprintf("circuit:%s:failures", b.role) }
func (b *Breaker) openKey() string     { return fmt.Sprintf("circuit:%s:open", b.role) }
func (b *Breaker) halfOpenKey() string { return fmt.Sprintf("circuit:%s:halfopen", b.role) }
func (b *Breaker) probeKey() string    { return fmt.Sprintf("circuit:%s:probe", b.role) }

// State reads the current breaker state. Half-open is the window after the
// open sentinel expires but before a probe has succeeded.
func (b *Breaker) State(ctx context.Context) (State, error) {
	open, err := b.rdb.Exists(ctx, b.openKey()).Result()
	if err != nil {
		return Closed, err
	}
	if open > 0 {
		metricCircuitOpen.WithLabelValues(b.role).Set(1)
		return Open, nil
	}
	half, err := b.rdb.Exists(ctx, b.halfOpenKey()).Result()
	if err != nil {
		return Closed, err
	}
	metricCircuitOpen.WithLabelValues(b.role).Set(0)
	if half > 0 {
		return HalfOpen, nil
	}
	return Closed, nil
}

// TryProbe claims the single half-open probe slot. Only the winner sends;
// everyone else treats the breaker as still open.
func (b *Breaker) TryProbe(ctx context.Context) (bool, error) {
	return b.rdb.SetNX(ctx, b.probeKey(), "1", probeTTL).Result()
}

// RecordFailure counts one retryable failure and trips the breaker when the
// threshold is reached. Returns true when this failure tripped it.
func (b *Breaker) RecordFailure(ctx context.Context) (bool, error) {
	threshold, openFor := b.cfg(ctx)
	halfOpenFor := openFor + failureWindow

	res, err := failureScript.Run(ctx, b.rdb,
		[]string{b.failuresKey(), b.openKey(), b.halfOpenKey(), b.probeKey()},
		threshold, int(openFor.Seconds()), int(halfOpenFor.Seconds()), int(failureWindow.Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	if res == 1 {
		metricCircuitTrips.WithLabelValues(b.role).Inc()
		metricCircuitOpen.WithLabelValues(b.role).Set(1)
		level.Warn(b.logger).Log("msg", "circuit breaker tripped", "threshold", threshold, "open_for", openFor)
		return true, nil
	}
	return false, nil
}

// RecordSuccess clears the breaker. After a successful half-open probe this
// closes the circuit; in the closed state it resets the consecutive-failure
// count.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	return b.rdb.Del(ctx, b.failuresKey(), b.openKey(), b.halfOpenKey(), b.probeKey()).Err()
}

// ProbeFailed re-trips the breaker from half-open with a fresh TTL.
func (b *Breaker) ProbeFailed(ctx context.Context) error {
	_, openFor := b.cfg(ctx)
	halfOpenFor := openFor + failureWindow

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.openKey(), "1", openFor)
	pipe.Set(ctx, b.halfOpenKey(), "1", halfOpenFor)
	pipe.Del(ctx, b.probeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metricCircuitTrips.WithLabelValues(b.role).Inc()
	metricCircuitOpen.WithLabelValues(b.role).Set(1)
	level.Warn(b.logger).Log("msg", "half-open probe failed, circuit re-opened", "open_for", openFor)
	return nil
}

// Blocked counts a send skipped because the breaker was open.
func (b *Breaker) Blocked() {
	metricCircuitBlocked.WithLabelValues(b.role).Inc()
}
