package queue

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
)

// heartbeatTTLFactor keeps the key alive for three missed beats before the
// janitor considers the worker dead.
const heartbeatTTLFactor = 3

// Heartbeat periodically refreshes a worker's liveness key. The key carries a
// TTL of three intervals; when it lapses the janitor reclaims the worker's
// processing list.
type Heartbeat struct {
	services.Service

	rdb      redis.UniversalClient
	key      string
	interval time.Duration
	logger   log.Logger
}

func NewHeartbeat(rdb redis.UniversalClient, role Role, workerID string, interval time.Duration, logger log.Logger) *Heartbeat {
	h := &Heartbeat{
		rdb:      rdb,
		key:      HeartbeatKey(role, workerID),
		interval: interval,
		logger:   log.With(logger, "component", "heartbeat", "worker", workerID),
	}
	h.Service = services.NewTimerService(interval, h.beat, h.beat, h.stopping)
	return h
}

func (h *Heartbeat) beat(ctx context.Context) error {
	err := h.rdb.Set(ctx, h.key, time.Now().UTC().Format(time.RFC3339), heartbeatTTLFactor*h.interval).Err()
	if err != nil {
		// a missed beat is survivable, the TTL gives us two more
		level.Warn(h.logger).Log("msg", "failed to publish heartbeat", "err", err)
	}
	return nil
}

// stopping deletes the key so surviving janitors can reclaim anything this
// worker leaves behind without waiting out the TTL.
func (h *Heartbeat) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.rdb.Del(ctx, h.key).Err()
}
