// Package forwarder drains the alert queue and posts alerts to the
// incident-management webhook, under a shared rolling-window rate limit and a
// shared circuit breaker. Both are coordinated through the queue store so the
// limits hold across every forwarder process.
package forwarder

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/circuit"
	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/queue"
	"github.com/muttproject/mutt/pkg/ratelimit"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutt",
		Name:      "moog_requests_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"status", "reason"})
	metricAlertQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mutt",
		Name:      "alert_queue_depth",
		Help:      "Depth of alert_queue at last measurement.",
	})
)

// Forwarder runs a pool of claim/send/ack workers over alert_queue.
type Forwarder struct {
	services.Service

	cfg       Config
	rdb       redis.UniversalClient
	q         *queue.Queue
	overrides *overrides.Overrides
	breaker   *circuit.Breaker
	client    *webhookClient
	logger    log.Logger

	hostID string

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

func New(cfg Config, rdb redis.UniversalClient, o *overrides.Overrides, logger log.Logger) (*Forwarder, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("forwarder requires a webhook URL")
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		cfg:       cfg,
		rdb:       rdb,
		q:         queue.New(rdb),
		overrides: o,
		client:    newWebhookClient(cfg.WebhookURL, cfg.WebhookTimeout),
		logger:    log.With(logger, "component", "forwarder"),
		hostID:    host,
	}
	f.breaker = circuit.New(rdb, string(queue.RoleForwarder), func(ctx context.Context) (int, time.Duration) {
		return o.CBFailureThreshold(ctx), o.CBOpenSeconds(ctx)
	}, f.logger)

	subs := []services.Service{queue.NewJanitor(rdb, queue.RoleForwarder, cfg.JanitorInterval, f.logger)}
	for n := 0; n < cfg.Workers; n++ {
		subs = append(subs, queue.NewHeartbeat(rdb, queue.RoleForwarder, f.workerID(n), cfg.HeartbeatInterval, f.logger))
	}
	f.subservices, err = services.NewManager(subs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder subservices: %w", err)
	}
	f.subservicesWatcher = services.NewFailureWatcher()
	f.subservicesWatcher.WatchManager(f.subservices)

	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f, nil
}

func (f *Forwarder) workerID(n int) string {
	return fmt.Sprintf("%s-%d", f.hostID, n)
}

func (f *Forwarder) starting(ctx context.Context) error {
	if err := services.StartManagerAndAwaitHealthy(ctx, f.subservices); err != nil {
		return fmt.Errorf("failed to start forwarder subservices: %w", err)
	}
	return nil
}

func (f *Forwarder) running(ctx context.Context) error {
	level.Info(f.logger).Log("msg", "forwarder running", "workers", f.cfg.Workers, "webhook", f.cfg.WebhookURL)

	var wg sync.WaitGroup
	for n := 0; n < f.cfg.Workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			f.runWorker(ctx, n)
		}(n)
	}

	select {
	case <-ctx.Done():
	case err := <-f.subservicesWatcher.Chan():
		return fmt.Errorf("forwarder subservice failed: %w", err)
	}

	wg.Wait()
	return nil
}

func (f *Forwarder) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), f.subservices)
}

func (f *Forwarder) runWorker(ctx context.Context, n int) {
	workerID := f.workerID(n)
	processing := queue.ProcessingKey(queue.RoleForwarder, workerID)
	logger := log.With(f.logger, "worker", workerID)
	limiter := ratelimit.New(f.rdb, workerID, func(ctx context.Context) (int, time.Duration) {
		return f.overrides.RateLimit(ctx), f.overrides.RatePeriod(ctx)
	})

	for ctx.Err() == nil {
		f.processOne(ctx, processing, limiter, logger)
	}
}

func (f *Forwarder) processOne(ctx context.Context, processing string, limiter *ratelimit.Limiter, logger log.Logger) {
	payload, err := f.q.Claim(ctx, queue.AlertQueue, processing, f.cfg.ClaimTimeout)
	if err != nil {
		level.Warn(logger).Log("msg", "claim failed", "err", err)
		sleepCtx(ctx, time.Second)
		return
	}
	if payload == nil {
		if depth, derr := f.q.Depth(ctx, queue.AlertQueue); derr == nil {
			metricAlertQueueDepth.Set(float64(depth))
		}
		return
	}

	// finish the claimed alert even during shutdown
	opctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	al, err := event.DecodeAlert(payload)
	if err != nil {
		level.Warn(logger).Log("msg", "dead-lettering undecodable alert", "err", err)
		f.deadLetter(opctx, processing, payload, event.ReasonValidation, 0, "")
		return
	}

	state, err := f.breaker.State(opctx)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to read circuit state", "err", err)
		f.requeue(opctx, processing, payload, logger)
		sleepCtx(ctx, time.Second)
		return
	}

	switch state {
	case circuit.Open:
		f.breaker.Blocked()
		metricRequests.WithLabelValues("blocked", "circuit_open").Inc()
		f.requeue(opctx, processing, payload, logger)
		sleepCtx(ctx, f.cfg.BlockedSleep)
	case circuit.HalfOpen:
		f.probe(ctx, opctx, processing, payload, al, logger)
	default:
		f.deliver(ctx, opctx, processing, payload, al, limiter, logger)
	}
}

// probe handles the half-open state. One worker across the whole fleet wins
// the probe slot and sends; everyone else requeues as if the circuit were
// still open.
func (f *Forwarder) probe(ctx, opctx context.Context, processing string, payload []byte, al *event.Alert, logger log.Logger) {
	won, err := f.breaker.TryProbe(opctx)
	if err != nil || !won {
		if err != nil {
			level.Warn(logger).Log("msg", "failed to claim probe slot", "err", err)
		}
		f.requeue(opctx, processing, payload, logger)
		sleepCtx(ctx, f.cfg.BlockedSleep)
		return
	}

	level.Info(logger).Log("msg", "sending half-open probe", "correlation_id", al.CorrelationID)
	err = f.client.Send(opctx, payload)
	switch {
	case err == nil:
		metricRequests.WithLabelValues("sent", "probe").Inc()
		level.Info(logger).Log("msg", "probe succeeded, circuit closed", "correlation_id", al.CorrelationID)
		if cerr := f.breaker.RecordSuccess(opctx); cerr != nil {
			level.Warn(logger).Log("msg", "failed to close circuit after probe", "err", cerr)
		}
		f.ack(opctx, processing, payload, logger)
	case event.IsPoison(err):
		// the endpoint answered, so it is up; the rejection is this alert's
		// problem, not the circuit's
		metricRequests.WithLabelValues("dlq", string(event.ReasonPoison4xx)).Inc()
		level.Warn(logger).Log("msg", "probe rejected as poison, circuit closed", "correlation_id", al.CorrelationID, "err", err)
		if cerr := f.breaker.RecordSuccess(opctx); cerr != nil {
			level.Warn(logger).Log("msg", "failed to close circuit after probe", "err", cerr)
		}
		f.deadLetter(opctx, processing, payload, event.ReasonPoison4xx, 1, al.CorrelationID)
	default:
		metricRequests.WithLabelValues("failed", "probe").Inc()
		level.Warn(logger).Log("msg", "probe failed, circuit re-opened", "correlation_id", al.CorrelationID, "err", err)
		if cerr := f.breaker.ProbeFailed(opctx); cerr != nil {
			level.Warn(logger).Log("msg", "failed to re-open circuit", "err", cerr)
		}
		f.requeue(opctx, processing, payload, logger)
		sleepCtx(ctx, f.cfg.BlockedSleep)
	}
}

// deliver sends one alert in the closed state, retrying transient failures
// with backoff while the circuit stays closed.
func (f *Forwarder) deliver(ctx, opctx context.Context, processing string, payload []byte, al *event.Alert, limiter *ratelimit.Limiter, logger log.Logger) {
	b := backoff.New(opctx, f.cfg.Retry)
	for b.Ongoing() {
		allowed, err := limiter.Allow(opctx)
		if err != nil {
			level.Warn(logger).Log("msg", "rate limiter check failed", "err", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if !allowed {
			// hold the claim; waiting out the window is not a delivery failure
			// and consumes no retry attempt
			metricRequests.WithLabelValues("deferred", "rate_limited").Inc()
			sleepCtx(ctx, f.cfg.RateLimitSleep)
			continue
		}

		err = f.client.Send(opctx, payload)
		switch {
		case err == nil:
			metricRequests.WithLabelValues("sent", "none").Inc()
			if cerr := f.breaker.RecordSuccess(opctx); cerr != nil {
				level.Warn(logger).Log("msg", "failed to reset circuit failure count", "err", cerr)
			}
			f.ack(opctx, processing, payload, logger)
			return
		case event.IsPoison(err):
			metricRequests.WithLabelValues("dlq", string(event.ReasonPoison4xx)).Inc()
			level.Warn(logger).Log("msg", "webhook rejected alert as poison", "correlation_id", al.CorrelationID, "err", err)
			f.deadLetter(opctx, processing, payload, event.ReasonPoison4xx, b.NumRetries()+1, al.CorrelationID)
			return
		default:
			metricRequests.WithLabelValues("failed", "transient").Inc()
			level.Warn(logger).Log("msg", "webhook send failed", "correlation_id", al.CorrelationID, "err", err, "backoff", b.NextDelay())
			tripped, cerr := f.breaker.RecordFailure(opctx)
			if cerr != nil {
				level.Warn(logger).Log("msg", "failed to record circuit failure", "err", cerr)
			}
			if tripped {
				// other workers will see open state; this alert goes back in
				// line for when the downstream recovers
				f.requeue(opctx, processing, payload, logger)
				sleepCtx(ctx, f.cfg.BlockedSleep)
				return
			}
			b.Wait()
		}
	}

	metricRequests.WithLabelValues("dlq", string(event.ReasonRetryExhausted)).Inc()
	level.Error(logger).Log("msg", "retries exhausted, dead-lettering alert", "correlation_id", al.CorrelationID)
	f.deadLetter(opctx, processing, payload, event.ReasonRetryExhausted, b.NumRetries(), al.CorrelationID)
}

func (f *Forwarder) ack(ctx context.Context, processing string, payload []byte, logger log.Logger) {
	if err := f.q.Ack(ctx, processing, payload); err != nil {
		level.Warn(logger).Log("msg", "ack failed, alert may be redelivered", "err", err)
	}
}

func (f *Forwarder) requeue(ctx context.Context, processing string, payload []byte, logger log.Logger) {
	if err := f.q.Requeue(ctx, processing, queue.AlertQueue, payload); err != nil {
		// leave it claimed; the janitor recovers it if we die
		level.Warn(logger).Log("msg", "requeue failed, alert stays claimed", "err", err)
	}
}

func (f *Forwarder) deadLetter(ctx context.Context, processing string, payload []byte, reason event.FailureReason, attempts int, correlationID string) {
	entry, err := event.NewDLQEntry(payload, reason, attempts, correlationID).Encode()
	if err != nil {
		level.Error(f.logger).Log("msg", "failed to encode DLQ entry", "err", err)
		return
	}
	if err := f.q.PushDLQ(ctx, queue.RoleForwarder, entry); err != nil {
		level.Error(f.logger).Log("msg", "failed to push DLQ entry", "err", err)
		return
	}
	_ = f.q.Ack(ctx, processing, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
