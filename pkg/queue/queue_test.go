package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	return log.NewNopLogger()
}

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestClaimAckProtocol(t *testing.T) {
	_, rdb := testRedis(t)
	q := New(rdb)
	ctx := context.Background()
	processing := ProcessingKey(RoleAlerter, "w-0")

	require.NoError(t, q.Push(ctx, IngestQueue, []byte("first")))
	require.NoError(t, q.Push(ctx, IngestQueue, []byte("second")))

	depth, err := q.Depth(ctx, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// oldest message first
	got, err := q.Claim(ctx, IngestQueue, processing, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	// claimed but not gone, it sits in the processing list
	inflight, err := q.Depth(ctx, processing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, processing, got))
	inflight, err = q.Depth(ctx, processing)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)

	depth, err = q.Depth(ctx, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestClaimTimesOutEmpty(t *testing.T) {
	_, rdb := testRedis(t)
	q := New(rdb)

	got, err := q.Claim(context.Background(), IngestQueue, ProcessingKey(RoleAlerter, "w-0"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequeueReturnsMessageToSource(t *testing.T) {
	_, rdb := testRedis(t)
	q := New(rdb)
	ctx := context.Background()
	processing := ProcessingKey(RoleForwarder, "w-0")

	require.NoError(t, q.Push(ctx, AlertQueue, []byte("alert-a")))
	require.NoError(t, q.Push(ctx, AlertQueue, []byte("alert-b")))

	got, err := q.Claim(ctx, AlertQueue, processing, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("alert-a"), got)

	require.NoError(t, q.Requeue(ctx, processing, AlertQueue, got))

	// the processing list is empty again
	inflight, err := q.Depth(ctx, processing)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)

	// the requeued message went to the back of the line
	next, err := q.Claim(ctx, AlertQueue, processing, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("alert-b"), next)
	last, err := q.Claim(ctx, AlertQueue, processing, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("alert-a"), last)
}

func TestRequeueIsIdempotent(t *testing.T) {
	_, rdb := testRedis(t)
	q := New(rdb)
	ctx := context.Background()
	processing := ProcessingKey(RoleForwarder, "w-0")

	require.NoError(t, q.Push(ctx, AlertQueue, []byte("only")))
	got, err := q.Claim(ctx, AlertQueue, processing, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, processing, AlertQueue, got))
	// second attempt finds nothing to move, nothing duplicates
	require.NoError(t, q.Requeue(ctx, processing, AlertQueue, got))

	depth, err := q.Depth(ctx, AlertQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPushDLQ(t *testing.T) {
	_, rdb := testRedis(t)
	q := New(rdb)
	ctx := context.Background()

	require.NoError(t, q.PushDLQ(ctx, RoleAlerter, []byte(`{"failure_reason":"validation"}`)))

	depth, err := q.Depth(ctx, DLQName(RoleAlerter))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestJanitorRecoversOrphans(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	// dead worker: claimed messages, no heartbeat
	deadList := ProcessingKey(RoleAlerter, "dead-0")
	require.NoError(t, rdb.LPush(ctx, deadList, "orphan-1", "orphan-2").Err())

	// live worker: claimed message with a fresh heartbeat
	liveList := ProcessingKey(RoleAlerter, "live-0")
	require.NoError(t, rdb.LPush(ctx, liveList, "in-flight").Err())
	require.NoError(t, rdb.Set(ctx, HeartbeatKey(RoleAlerter, "live-0"), "now", time.Minute).Err())

	j := NewJanitor(rdb, RoleAlerter, time.Hour, testLogger(t))
	require.NoError(t, j.sweep(ctx))

	depth, err := rdb.LLen(ctx, IngestQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	orphaned, err := rdb.LLen(ctx, deadList).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), orphaned)

	// the live worker's claim is untouched
	inflight, err := rdb.LLen(ctx, liveList).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)
}

func TestJanitorSweepIsSafeToRepeat(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	deadList := ProcessingKey(RoleForwarder, "dead-0")
	require.NoError(t, rdb.LPush(ctx, deadList, "orphan").Err())

	j := NewJanitor(rdb, RoleForwarder, time.Hour, testLogger(t))
	require.NoError(t, j.sweep(ctx))
	require.NoError(t, j.sweep(ctx))

	depth, err := rdb.LLen(ctx, AlertQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHeartbeatSetsAndClearsKey(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	h := NewHeartbeat(rdb, RoleAlerter, "w-0", time.Second, testLogger(t))
	require.NoError(t, h.beat(ctx))

	key := HeartbeatKey(RoleAlerter, "w-0")
	require.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Equal(t, heartbeatTTLFactor*time.Second, ttl)

	require.NoError(t, h.stopping(nil))
	assert.False(t, mr.Exists(key))
}
