package alerter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muttproject/mutt/pkg/event"
)

var metricUnhandledEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mutt",
	Name:      "unhandled_events_total",
	Help:      "Events that matched no rule.",
})

// unhandledScript increments the per-(hostname, severity) counter with a
// refreshed TTL. Crossing the threshold renames the counter to the triggered
// sentinel, so increments restart from zero and the meta-alert fires exactly
// once per window. While the sentinel exists further crossings stay quiet.
// KEYS: counter, sentinel. ARGV: threshold, ttl_seconds.
var unhandledScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
if c < tonumber(ARGV[1]) then
	return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('RENAME', KEYS[1], KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return 1
`)

// recordUnhandled counts an unmatched event and reports whether this event
// crossed the meta-alert threshold.
func (a *Alerter) recordUnhandled(ctx context.Context, ev *event.Event) bool {
	metricUnhandledEvents.Inc()

	counterKey := fmt.Sprintf("unhandled:%s:%s", ev.Hostname, ev.SeverityLabel())
	sentinelKey := "unhandled:triggered:" + fmt.Sprintf("%s:%s", ev.Hostname, ev.SeverityLabel())

	res, err := unhandledScript.Run(ctx, a.rdb,
		[]string{counterKey, sentinelKey},
		a.cfg.UnhandledThreshold, int(a.cfg.UnhandledTTL.Seconds()),
	).Int()
	if err != nil {
		level.Warn(a.logger).Log("msg", "failed to record unhandled event", "hostname", ev.Hostname, "err", err)
		return false
	}
	return res == 1
}

// metaAlert builds the synthetic alert announcing that a (hostname,
// severity) pair keeps producing events nothing matches.
func (a *Alerter) metaAlert(ev *event.Event) *event.Alert {
	return &event.Alert{
		CorrelationID: uuid.NewString(),
		Hostname:      ev.Hostname,
		Severity:      ev.SyslogSeverity,
		Message: fmt.Sprintf("unhandled events from %s at severity %s crossed threshold %d",
			ev.Hostname, ev.SeverityLabel(), a.cfg.UnhandledThreshold),
		Team:            a.cfg.DefaultTeam,
		SourceTimestamp: time.Now().UTC().Format(time.RFC3339),
		Meta:            true,
	}
}
