// Package queue implements the durable Redis queue protocol shared by all
// workers: atomic claim into a per-worker processing list, value-based ack,
// and atomic requeue. Heartbeats and the janitor recovery scan live here too.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Well-known queue names.
const (
	IngestQueue = "ingest_queue"
	AlertQueue  = "alert_queue"
)

// Role names a consumer class; it scopes processing lists, heartbeats and
// dead-letter queues.
type Role string

const (
	RoleAlerter   Role = "alerter"
	RoleForwarder Role = "forwarder"
)

// SourceFor maps a role to the queue it consumes. The janitor uses this to
// return orphaned messages to the right place.
func SourceFor(role Role) string {
	switch role {
	case RoleAlerter:
		return IngestQueue
	case RoleForwarder:
		return AlertQueue
	}
	return ""
}

// DLQName is the dead-letter queue for a role.
func DLQName(role Role) string { return fmt.Sprintf("dlq:%s", role) }

// ProcessingKey is the per-worker in-flight list.
func ProcessingKey(role Role, workerID string) string {
	return fmt.Sprintf("processing:%s:%s", role, workerID)
}

// HeartbeatKey is the per-worker liveness key.
func HeartbeatKey(role Role, workerID string) string {
	return fmt.Sprintf("heartbeat:%s:%s", role, workerID)
}

// requeueScript moves one occurrence of a claimed message from a processing
// list back to the tail of its source queue. The move either happens once or
// is a no-op, so concurrent recovery attempts are safe.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// Queue wraps the shared store with the claim/process/ack protocol. Producers
// LPUSH, consumers BRPOPLPUSH from the other end, so each queue is FIFO
// absent retries.
type Queue struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Push appends payload to the named queue.
func (q *Queue) Push(ctx context.Context, queue string, payload []byte) error {
	return q.rdb.LPush(ctx, queue, payload).Err()
}

// Depth is the current length of the named queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, queue).Result()
}

// Claim atomically moves the oldest message from source into the worker's
// processing list. Blocks up to timeout; returns (nil, nil) when the queue
// stayed empty.
func (q *Queue) Claim(ctx context.Context, source, processing string, timeout time.Duration) ([]byte, error) {
	val, err := q.rdb.BRPopLPush(ctx, source, processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// Ack removes one occurrence of payload from the processing list, completing
// the claim.
func (q *Queue) Ack(ctx context.Context, processing string, payload []byte) error {
	return q.rdb.LRem(ctx, processing, 1, payload).Err()
}

// Requeue atomically moves a claimed message from the processing list back to
// the tail of source. Used when the circuit is open: the message goes to the
// back of the line instead of starving other queued work.
func (q *Queue) Requeue(ctx context.Context, processing, source string, payload []byte) error {
	return requeueScript.Run(ctx, q.rdb, []string{processing, source}, payload).Err()
}

// PushDLQ appends an encoded dead-letter entry to the role's DLQ.
func (q *Queue) PushDLQ(ctx context.Context, role Role, entry []byte) error {
	return q.rdb.LPush(ctx, DLQName(role), entry).Err()
}
