// Package stream wraps Redis Streams as the fabric's job wake-up
// channel (spec §4.3.4, §4.3.5): per-type streams consumed through
// consumer groups, with XPENDING/XCLAIM-based reclaim and a "-dlq"
// dead-letter variant per stream.
package stream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/justnews/fabric/pkg/apierr"
)

// Client wraps a Redis connection scoped to one logical stream family.
type Client struct {
	rdb *redis.Client
}

// New connects to addr (a redis:// URL).
func New(addr string) (*Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, apierr.Wrap("stream.new", apierr.KindValidation, err, "invalid STREAM_URL")
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewWithRedis wraps an already-constructed client — used in tests
// against miniredis.
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup creates the consumer group if it doesn't already exist
// (idempotent: BUSYGROUP is swallowed).
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return apierr.Wrap("stream.ensure_group", apierr.KindTransientInfra, err, "failed to create consumer group")
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish appends a job to stream; per-stream FIFO at enqueue (spec §4.3.4).
func (c *Client) Publish(ctx context.Context, stream string, payload map[string]any) (string, error) {
	values := make(map[string]any, len(payload))
	for k, v := range payload {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", apierr.Wrap("stream.publish", apierr.KindTransientInfra, err, "failed to publish").WithRetryable(true)
	}
	return id, nil
}

// PendingDepth returns the stream's current pending-entries count for
// group, used to enforce the queue_full backpressure ceiling.
func (c *Client) PendingDepth(ctx context.Context, stream, group string) (int64, error) {
	summary, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, apierr.Wrap("stream.pending_depth", apierr.KindTransientInfra, err, "xpending failed")
	}
	return summary.Count, nil
}

// Message is one stream entry delivered to a consumer.
type Message struct {
	ID      string
	Payload map[string]any
}

// Read blocks up to block for new entries for consumer in group.
func (c *Client) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apierr.Wrap("stream.read", apierr.KindTransientInfra, err, "xreadgroup failed").WithRetryable(true)
	}
	var out []Message
	for _, s := range res {
		for _, entry := range s.Messages {
			out = append(out, Message{ID: entry.ID, Payload: entry.Values})
		}
	}
	return out, nil
}

// Ack acknowledges id after the owning DB row has moved to a terminal
// state — the DB row is the source of truth (spec §4.3.4).
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return apierr.Wrap("stream.ack", apierr.KindTransientInfra, err, "xack failed")
	}
	return nil
}

// PendingEntry describes one XPENDING row eligible for reclaim.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// StalePending lists pending entries idle longer than staleness.
func (c *Client) StalePending(ctx context.Context, streamName, group string, staleness time.Duration, count int64) ([]PendingEntry, error) {
	rows, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, apierr.Wrap("stream.stale_pending", apierr.KindTransientInfra, err, "xpending failed")
	}

	var out []PendingEntry
	for _, r := range rows {
		if r.Idle >= staleness {
			out = append(out, PendingEntry{ID: r.ID, Consumer: r.Consumer, Idle: r.Idle})
		}
	}
	return out, nil
}

// Get fetches a single entry's payload by its stream id, used by the
// reclaimer to recover the job_id a stale pending entry belongs to.
func (c *Client) Get(ctx context.Context, streamName, id string) (map[string]any, error) {
	rows, err := c.rdb.XRange(ctx, streamName, id, id).Result()
	if err != nil {
		return nil, apierr.Wrap("stream.get", apierr.KindTransientInfra, err, "xrange failed")
	}
	if len(rows) == 0 {
		return nil, apierr.New("stream.get", apierr.KindNotFound, "entry not found")
	}
	return rows[0].Values, nil
}

// Claim reassigns id to newConsumer (re-claim per spec §4.3.5 step 2).
func (c *Client) Claim(ctx context.Context, streamName, group, newConsumer string, minIdle time.Duration, ids ...string) error {
	_, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return apierr.Wrap("stream.claim", apierr.KindTransientInfra, err, "xclaim failed")
	}
	return nil
}

// DeadLetter moves payload to streamName's -dlq variant and acks the
// original entry (spec §4.3.5 step 2, dead-letter branch).
func (c *Client) DeadLetter(ctx context.Context, streamName, group, id string, payload map[string]any, failureReason string) error {
	dlqValues := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		dlqValues[k] = v
	}
	dlqValues["original_stream"] = streamName
	dlqValues["failure_reason"] = failureReason

	if _, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamName + "-dlq", Values: dlqValues}).Result(); err != nil {
		return apierr.Wrap("stream.dead_letter", apierr.KindTransientInfra, err, "failed to publish to dlq").WithRetryable(true)
	}
	return c.Ack(ctx, streamName, group, id)
}
