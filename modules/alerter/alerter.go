// Package alerter consumes the ingest queue, classifies events against the
// cached rule set, writes the audit trail and emits forward-ready alerts.
// Overload on the alert queue triggers the shed/defer backpressure policy.
package alerter

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
	"github.com/muttproject/mutt/pkg/audit"
	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/queue"
	"github.com/muttproject/mutt/pkg/rules"
)

var (
	metricProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mutt",
		Name:      "alerter_processing_latency_ms",
		Help:      "End-to-end latency of one alerter iteration in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	})
	metricShedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mutt",
		Name:      "alerter_shed_events_total",
		Help:      "Events shed or deferred by the backpressure policy.",
	}, []string{"mode"})
	metricAlerterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mutt",
		Name:      "alerter_queue_depth",
		Help:      "Depth of alert_queue as observed by the alerter backpressure monitor.",
	})
)

// Alerter runs a fixed pool of claim/process/ack workers over ingest_queue.
type Alerter struct {
	services.Service

	cfg       Config
	rdb       redis.UniversalClient
	q         *queue.Queue
	store     *audit.Store
	overrides *overrides.Overrides
	cache     *RuleCache
	logger    log.Logger

	hostID string

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

func New(cfg Config, rdb redis.UniversalClient, store *audit.Store, o *overrides.Overrides, logger log.Logger) (*Alerter, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	a := &Alerter{
		cfg:       cfg,
		rdb:       rdb,
		q:         queue.New(rdb),
		store:     store,
		overrides: o,
		logger:    log.With(logger, "component", "alerter"),
		hostID:    host,
	}
	a.cache = NewRuleCache(store, o, a.logger)

	subs := []services.Service{a.cache, queue.NewJanitor(rdb, queue.RoleAlerter, cfg.JanitorInterval, a.logger)}
	for n := 0; n < cfg.Workers; n++ {
		subs = append(subs, queue.NewHeartbeat(rdb, queue.RoleAlerter, a.workerID(n), cfg.HeartbeatInterval, a.logger))
	}
	a.subservices, err = services.NewManager(subs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create alerter subservices: %w", err)
	}
	a.subservicesWatcher = services.NewFailureWatcher()
	a.subservicesWatcher.WatchManager(a.subservices)

	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a, nil
}

func (a *Alerter) workerID(n int) string {
	return fmt.Sprintf("%s-%d", a.hostID, n)
}

func (a *Alerter) starting(ctx context.Context) error {
	// the rule cache's fail-fast initial load happens in here
	if err := services.StartManagerAndAwaitHealthy(ctx, a.subservices); err != nil {
		return fmt.Errorf("failed to start alerter subservices: %w", err)
	}
	return nil
}

func (a *Alerter) running(ctx context.Context) error {
	level.Info(a.logger).Log("msg", "alerter running", "workers", a.cfg.Workers)

	var wg sync.WaitGroup
	for n := 0; n < a.cfg.Workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a.runWorker(ctx, n)
		}(n)
	}

	select {
	case <-ctx.Done():
	case err := <-a.subservicesWatcher.Chan():
		return fmt.Errorf("alerter subservice failed: %w", err)
	}

	// workers finish their current message before returning
	wg.Wait()
	return nil
}

func (a *Alerter) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), a.subservices)
}

func (a *Alerter) runWorker(ctx context.Context, n int) {
	workerID := a.workerID(n)
	processing := queue.ProcessingKey(queue.RoleAlerter, workerID)
	logger := log.With(a.logger, "worker", workerID)

	for ctx.Err() == nil {
		if !a.admit(ctx, processing) {
			continue
		}
		a.processOne(ctx, processing, logger)
	}
}

// admit applies the backpressure policy for one loop iteration. Returns
// false when this iteration was consumed by shedding or deferring.
func (a *Alerter) admit(ctx context.Context, processing string) bool {
	depth, err := a.q.Depth(ctx, queue.AlertQueue)
	if err != nil {
		level.Warn(a.logger).Log("msg", "failed to read alert queue depth", "err", err)
		sleepCtx(ctx, time.Second)
		return false
	}
	metricAlerterQueueDepth.Set(float64(depth))

	shed := int64(a.overrides.AlerterQueueShedThreshold(ctx))
	warn := int64(a.overrides.AlerterQueueWarnThreshold(ctx))

	if depth > shed {
		switch mode := a.overrides.AlerterShedMode(ctx); mode {
		case overrides.ShedModeDefer:
			// slow our own consumption; the ingestor's admission control
			// pushes the rejection upstream
			metricShedEvents.WithLabelValues(mode).Inc()
			sleepCtx(ctx, a.overrides.AlerterDeferSleep(ctx))
		default:
			a.shedOne(ctx, processing)
			metricShedEvents.WithLabelValues(overrides.ShedModeDLQ).Inc()
		}
		return false
	}
	if depth > warn {
		level.Warn(a.logger).Log("msg", "alert queue above warn threshold", "depth", depth, "warn", warn)
	}
	return true
}

// shedOne moves one event from ingest_queue to the alerter DLQ. Deliberate
// data loss favoring stability; the claim/ack protocol keeps even the shed
// path crash-safe.
func (a *Alerter) shedOne(ctx context.Context, processing string) {
	payload, err := a.q.Claim(ctx, queue.IngestQueue, processing, 100*time.Millisecond)
	if err != nil || payload == nil {
		return
	}

	correlationID := ""
	if ev, derr := event.Decode(payload); derr == nil {
		correlationID = ev.CorrelationID
	}
	entry, err := event.NewDLQEntry(payload, event.ReasonShed, 0, correlationID).Encode()
	if err == nil {
		if err := a.q.PushDLQ(ctx, queue.RoleAlerter, entry); err != nil {
			level.Warn(a.logger).Log("msg", "failed to dead-letter shed event", "err", err)
			return
		}
	}
	_ = a.q.Ack(ctx, processing, payload)
	level.Warn(a.logger).Log("msg", "shed event to DLQ", "correlation_id", correlationID)
}

// outcome of classifying one event.
type classification struct {
	action string
	ruleID *int64
	team   string
	alerts []*event.Alert
}

func (a *Alerter) processOne(ctx context.Context, processing string, logger log.Logger) {
	payload, err := a.q.Claim(ctx, queue.IngestQueue, processing, a.cfg.ClaimTimeout)
	if err != nil {
		level.Warn(logger).Log("msg", "claim failed", "err", err)
		sleepCtx(ctx, time.Second)
		return
	}
	if payload == nil {
		return
	}
	start := time.Now()
	defer func() {
		metricProcessingLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	// once claimed, the message is finished even during shutdown; every
	// store call below uses a detached bounded context
	opctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ev, err := event.Decode(payload)
	if err == nil {
		err = ev.Validate()
	}
	if err != nil {
		level.Warn(logger).Log("msg", "dead-lettering undecodable event", "err", err)
		a.deadLetter(opctx, processing, payload, event.ReasonValidation, 0, "")
		return
	}

	cl := a.classify(opctx, ev)

	row := &audit.EventAuditRow{
		EventTimestamp: ev.Timestamp,
		IngestedAt:     ev.IngestedAt,
		CorrelationID:  ev.CorrelationID,
		Hostname:       ev.Hostname,
		Severity:       ev.SyslogSeverity,
		MatchedRuleID:  cl.ruleID,
		Action:         cl.action,
		Team:           cl.team,
	}

	// audit write first, then enqueue: a crash in between re-delivers and
	// duplicates the audit row, which beats losing the alert
	b := backoff.New(opctx, a.cfg.Retry)
	var lastErr error
	for b.Ongoing() {
		lastErr = a.commit(opctx, row, cl.alerts)
		if lastErr == nil {
			break
		}
		level.Warn(logger).Log("msg", "commit failed, retrying", "correlation_id", ev.CorrelationID, "err", lastErr, "backoff", b.NextDelay())
		b.Wait()
	}
	if lastErr != nil {
		level.Error(logger).Log("msg", "retries exhausted, dead-lettering event", "correlation_id", ev.CorrelationID, "err", lastErr)
		a.deadLetter(opctx, processing, payload, event.ReasonRetryExhausted, b.NumRetries(), ev.CorrelationID)
		return
	}

	if err := a.q.Ack(opctx, processing, payload); err != nil {
		level.Warn(logger).Log("msg", "ack failed, message may be redelivered", "correlation_id", ev.CorrelationID, "err", err)
	}
}

func (a *Alerter) classify(ctx context.Context, ev *event.Event) classification {
	snap := a.cache.Snapshot()

	r := rules.Select(snap.Rules, ev)
	if r == nil {
		cl := classification{action: "unhandled", team: a.cfg.DefaultTeam}
		if a.recordUnhandled(ctx, ev) {
			level.Info(a.logger).Log("msg", "unhandled threshold crossed, emitting meta-alert",
				"hostname", ev.Hostname, "severity", ev.SeverityLabel())
			cl.alerts = append(cl.alerts, a.metaAlert(ev))
		}
		return cl
	}

	_, isDev := snap.DevHosts[ev.Hostname]
	handling := r.HandlingFor(isDev)

	team := r.TeamAssignment
	if team == "" {
		team = snap.Teams[ev.Hostname]
	}
	if team == "" {
		team = a.cfg.DefaultTeam
	}

	cl := classification{action: string(handling), ruleID: &r.ID, team: team}
	if handling == rules.HandlingAlert {
		cl.alerts = append(cl.alerts, &event.Alert{
			CorrelationID:   ev.CorrelationID,
			Hostname:        ev.Hostname,
			Severity:        ev.SyslogSeverity,
			Message:         ev.Message,
			Team:            team,
			MatchedRuleID:   &r.ID,
			SourceTimestamp: ev.Timestamp,
		})
	}
	return cl
}

// commit performs the iteration's side effects in order.
func (a *Alerter) commit(ctx context.Context, row *audit.EventAuditRow, alerts []*event.Alert) error {
	if err := a.store.InsertEventAudit(ctx, row); err != nil {
		return err
	}
	for _, al := range alerts {
		payload, err := al.Encode()
		if err != nil {
			return err
		}
		if err := a.q.Push(ctx, queue.AlertQueue, payload); err != nil {
			return &event.TransientError{Op: "alert enqueue", Err: err}
		}
	}
	return nil
}

func (a *Alerter) deadLetter(ctx context.Context, processing string, payload []byte, reason event.FailureReason, attempts int, correlationID string) {
	entry, err := event.NewDLQEntry(payload, reason, attempts, correlationID).Encode()
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to encode DLQ entry", "err", err)
		return
	}
	if err := a.q.PushDLQ(ctx, queue.RoleAlerter, entry); err != nil {
		// leave the message claimed, the janitor or a restart will retry it
		level.Error(a.logger).Log("msg", "failed to push DLQ entry", "err", err)
		return
	}
	_ = a.q.Ack(ctx, processing, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
