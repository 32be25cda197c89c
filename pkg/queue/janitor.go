package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricJanitorRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mutt",
	Name:      "janitor_recovered_messages_total",
	Help:      "Messages moved back to their source queue from orphaned processing lists.",
}, []string{"role"})

// Janitor scans for processing lists whose owning worker has stopped
// heartbeating and moves the orphaned messages back to the source queue.
// Runs once on startup and then on every sweep interval. The per-element
// move is atomic, so two janitors recovering the same orphan cannot
// duplicate a message.
type Janitor struct {
	services.Service

	rdb    redis.UniversalClient
	role   Role
	logger log.Logger
}

func NewJanitor(rdb redis.UniversalClient, role Role, sweepInterval time.Duration, logger log.Logger) *Janitor {
	j := &Janitor{
		rdb:    rdb,
		role:   role,
		logger: log.With(logger, "component", "janitor", "role", string(role)),
	}
	j.Service = services.NewTimerService(sweepInterval, j.sweep, j.sweep, nil)
	return j
}

func (j *Janitor) sweep(ctx context.Context) error {
	source := SourceFor(j.role)
	if source == "" {
		return fmt.Errorf("no source queue for role %q", j.role)
	}

	pattern := fmt.Sprintf("processing:%s:*", j.role)
	var cursor uint64
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			level.Warn(j.logger).Log("msg", "janitor scan failed", "err", err)
			return nil
		}
		for _, key := range keys {
			workerID := strings.TrimPrefix(key, fmt.Sprintf("processing:%s:", j.role))
			alive, err := j.rdb.Exists(ctx, HeartbeatKey(j.role, workerID)).Result()
			if err != nil {
				level.Warn(j.logger).Log("msg", "janitor heartbeat check failed", "worker", workerID, "err", err)
				continue
			}
			if alive > 0 {
				continue
			}
			j.recover(ctx, key, source, workerID)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// recover drains an orphaned processing list one element at a time. Each
// RPOPLPUSH either succeeds once or finds the list already empty.
func (j *Janitor) recover(ctx context.Context, processing, source, workerID string) {
	moved := 0
	for {
		_, err := j.rdb.RPopLPush(ctx, processing, source).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			level.Warn(j.logger).Log("msg", "janitor recovery interrupted", "worker", workerID, "err", err)
			break
		}
		moved++
	}
	if moved > 0 {
		metricJanitorRecovered.WithLabelValues(string(j.role)).Add(float64(moved))
		level.Info(j.logger).Log("msg", "recovered orphaned messages", "worker", workerID, "count", moved)
	}
}
