package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithRedis(rdb)
}

func TestPublishAndReadGroup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "jobs.embed", "orchestrator"))
	id, err := c.Publish(ctx, "jobs.embed", map[string]any{"job_id": "job-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := c.Read(ctx, "jobs.embed", "orchestrator", "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "job-1", msgs[0].Payload["job_id"])
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "jobs.embed", "orchestrator"))
	require.NoError(t, c.EnsureGroup(ctx, "jobs.embed", "orchestrator"))
}

func TestAckRemovesPendingEntry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "jobs.embed", "orchestrator"))
	_, err := c.Publish(ctx, "jobs.embed", map[string]any{"job_id": "job-2"})
	require.NoError(t, err)

	msgs, err := c.Read(ctx, "jobs.embed", "orchestrator", "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.Ack(ctx, "jobs.embed", "orchestrator", msgs[0].ID))

	depth, err := c.PendingDepth(ctx, "jobs.embed", "orchestrator")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestDeadLetterPublishesDLQVariant(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "jobs.embed", "orchestrator"))
	_, err := c.Publish(ctx, "jobs.embed", map[string]any{"job_id": "job-3"})
	require.NoError(t, err)

	msgs, err := c.Read(ctx, "jobs.embed", "orchestrator", "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.DeadLetter(ctx, "jobs.embed", "orchestrator", msgs[0].ID, msgs[0].Payload, "max_attempts_exceeded"))

	dlqMsgs, err := c.rdb.XRange(ctx, "jobs.embed-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlqMsgs, 1)
	assert.Equal(t, "max_attempts_exceeded", dlqMsgs[0].Values["failure_reason"])
}
