package forwarder

import (
	"context"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/circuit"
	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/queue"
	"github.com/muttproject/mutt/pkg/ratelimit"
)

func int64Ptr(n int64) *int64 { return &n }

type forwarderFixture struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	f       *Forwarder
	limiter *ratelimit.Limiter
}

func newFixture(t *testing.T, webhookURL string, mutate func(*Config)) *forwarderFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("forwarder", flag.NewFlagSet("", flag.PanicOnError))
	cfg.WebhookURL = webhookURL
	cfg.ClaimTimeout = 100 * time.Millisecond
	cfg.Retry.MinBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 2 * time.Millisecond
	cfg.Retry.MaxRetries = 2
	cfg.BlockedSleep = time.Millisecond
	cfg.RateLimitSleep = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	ocfg := overrides.Config{}
	ocfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	logger := log.NewNopLogger()
	o := overrides.New(ocfg, rdb, logger)

	f := &Forwarder{
		cfg:       cfg,
		rdb:       rdb,
		q:         queue.New(rdb),
		overrides: o,
		client:    newWebhookClient(cfg.WebhookURL, cfg.WebhookTimeout),
		logger:    logger,
		hostID:    "test",
	}
	f.breaker = circuit.New(rdb, string(queue.RoleForwarder), func(ctx context.Context) (int, time.Duration) {
		return o.CBFailureThreshold(ctx), o.CBOpenSeconds(ctx)
	}, logger)

	limiter := ratelimit.New(rdb, "test-0", func(ctx context.Context) (int, time.Duration) {
		return o.RateLimit(ctx), o.RatePeriod(ctx)
	})
	return &forwarderFixture{mr: mr, rdb: rdb, f: f, limiter: limiter}
}

func (fx *forwarderFixture) pushAlert(t *testing.T) {
	t.Helper()
	al := &event.Alert{
		CorrelationID:   "abc-123",
		Hostname:        "sw-core-01",
		Message:         "Interface Gi0/1 down",
		Team:            "netops",
		MatchedRuleID:   int64Ptr(7),
		SourceTimestamp: "2024-03-01T10:00:00Z",
	}
	payload, err := al.Encode()
	require.NoError(t, err)
	require.NoError(t, fx.f.q.Push(context.Background(), queue.AlertQueue, payload))
}

func (fx *forwarderFixture) processOne(t *testing.T) {
	t.Helper()
	fx.f.processOne(context.Background(), queue.ProcessingKey(queue.RoleForwarder, "test-0"), fx.limiter, fx.f.logger)
}

func (fx *forwarderFixture) depth(t *testing.T, name string) int64 {
	t.Helper()
	n, err := fx.rdb.LLen(context.Background(), name).Result()
	require.NoError(t, err)
	return n
}

func TestNewRequiresWebhookURL(t *testing.T) {
	_, err := New(Config{}, nil, nil, log.NewNopLogger())
	require.Error(t, err)
}

func TestSuccessfulSendAcks(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, nil)
	fx.pushAlert(t)
	fx.processOne(t)

	// the webhook body is the alert's JSON form
	assert.Contains(t, string(got), `"correlation_id":"abc-123"`)
	assert.Contains(t, string(got), `"team":"netops"`)

	assert.Equal(t, int64(0), fx.depth(t, queue.AlertQueue))
	assert.Equal(t, int64(0), fx.depth(t, queue.ProcessingKey(queue.RoleForwarder, "test-0")))
	assert.Equal(t, int64(0), fx.depth(t, queue.DLQName(queue.RoleForwarder)))
}

func TestPoisonResponseDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "schema mismatch", http.StatusBadRequest)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, nil)
	fx.pushAlert(t)
	fx.processOne(t)

	require.Equal(t, int64(1), fx.depth(t, queue.DLQName(queue.RoleForwarder)))
	raw, err := fx.rdb.RPop(context.Background(), queue.DLQName(queue.RoleForwarder)).Result()
	require.NoError(t, err)
	entry, err := event.DecodeDLQEntry([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, event.ReasonPoison4xx, entry.FailureReason)
	assert.Equal(t, "abc-123", entry.CorrelationID)
	assert.Equal(t, int64(0), fx.depth(t, queue.AlertQueue))
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// breaker threshold above the retry budget so exhaustion wins
	fx := newFixture(t, srv.URL, nil)
	fx.pushAlert(t)
	fx.processOne(t)

	assert.Equal(t, 2, attempts)
	require.Equal(t, int64(1), fx.depth(t, queue.DLQName(queue.RoleForwarder)))
	raw, err := fx.rdb.RPop(context.Background(), queue.DLQName(queue.RoleForwarder)).Result()
	require.NoError(t, err)
	entry, err := event.DecodeDLQEntry([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, event.ReasonRetryExhausted, entry.FailureReason)
}

func TestRepeatedFailuresTripBreakerAndRequeue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, func(cfg *Config) { cfg.Retry.MaxRetries = 10 })
	// trip on the second consecutive failure
	require.NoError(t, fx.f.overrides.Set(context.Background(), overrides.KeyCBFailureThreshold, "2"))

	fx.pushAlert(t)
	fx.processOne(t)

	// tripped mid-delivery: the alert went back to the queue, not the DLQ
	assert.Equal(t, int64(1), fx.depth(t, queue.AlertQueue))
	assert.Equal(t, int64(0), fx.depth(t, queue.DLQName(queue.RoleForwarder)))

	state, err := fx.f.breaker.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, circuit.Open, state)
}

func TestOpenCircuitBlocksWithoutSending(t *testing.T) {
	sent := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent = true
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, nil)
	require.NoError(t, fx.f.overrides.Set(context.Background(), overrides.KeyCBFailureThreshold, "1"))
	tripped, err := fx.f.breaker.RecordFailure(context.Background())
	require.NoError(t, err)
	require.True(t, tripped)

	fx.pushAlert(t)
	fx.processOne(t)

	assert.False(t, sent)
	assert.Equal(t, int64(1), fx.depth(t, queue.AlertQueue))
	assert.Equal(t, int64(0), fx.depth(t, queue.ProcessingKey(queue.RoleForwarder, "test-0")))
}

func TestHalfOpenProbeSuccessClosesAndDrains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, fx.f.overrides.Set(ctx, overrides.KeyCBFailureThreshold, "1"))
	require.NoError(t, fx.f.overrides.Set(ctx, overrides.KeyCBOpenSeconds, "30"))

	tripped, err := fx.f.breaker.RecordFailure(ctx)
	require.NoError(t, err)
	require.True(t, tripped)

	fx.mr.FastForward(31 * time.Second)
	state, err := fx.f.breaker.State(ctx)
	require.NoError(t, err)
	require.Equal(t, circuit.HalfOpen, state)

	fx.pushAlert(t)
	fx.processOne(t)

	// probe sent and acked, circuit closed for everyone
	assert.Equal(t, int64(0), fx.depth(t, queue.AlertQueue))
	state, err = fx.f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, circuit.Closed, state)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fx := newFixture(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, fx.f.overrides.Set(ctx, overrides.KeyCBFailureThreshold, "1"))
	require.NoError(t, fx.f.overrides.Set(ctx, overrides.KeyCBOpenSeconds, "30"))

	_, err := fx.f.breaker.RecordFailure(ctx)
	require.NoError(t, err)
	fx.mr.FastForward(31 * time.Second)

	fx.pushAlert(t)
	fx.processOne(t)

	// the failed probe requeued the alert and re-opened the circuit
	assert.Equal(t, int64(1), fx.depth(t, queue.AlertQueue))
	state, err := fx.f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, circuit.Open, state)
}

func TestUndecodableAlertDeadLetters(t *testing.T) {
	fx := newFixture(t, "http://webhook.invalid", nil)

	require.NoError(t, fx.f.q.Push(context.Background(), queue.AlertQueue, []byte("{{{")))
	fx.processOne(t)

	require.Equal(t, int64(1), fx.depth(t, queue.DLQName(queue.RoleForwarder)))
	raw, err := fx.rdb.RPop(context.Background(), queue.DLQName(queue.RoleForwarder)).Result()
	require.NoError(t, err)
	entry, err := event.DecodeDLQEntry([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, event.ReasonValidation, entry.FailureReason)
}
