package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/dispatch/pkg/tracing"
	"github.com/Ramsey-B/dispatch/pkg/transport"
)

const payloadField = "data"

// StreamQueue is a transport.Queue over a Redis stream consumer group.
// Entries left unacknowledged longer than the visibility timeout are claimed
// again on the next Receive, which gives the same redelivery model as SQS.
type StreamQueue struct {
	client     *Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	logger     ectologger.Logger
}

func NewStreamQueue(client *Client, stream, group, consumer string, visibility time.Duration, logger ectologger.Logger) *StreamQueue {
	return &StreamQueue{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		logger:     logger,
	}
}

// EnsureGroup creates the stream and consumer group if needed
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

// Send appends an envelope to the stream
func (q *StreamQueue) Send(ctx context.Context, body []byte) (string, error) {
	return q.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: string(body)},
	}).Result()
}

// Receive first reclaims expired entries and then reads new ones, blocking up to wait
func (q *StreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]transport.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.StreamQueue.Receive")
	defer span.End()

	claimed, _, err := q.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim expired entries: %w", err)
	}

	deliveries := toDeliveries(claimed)
	if len(deliveries) > 0 {
		q.logger.WithContext(ctx).WithFields(map[string]any{
			"stream": q.stream,
			"count":  len(deliveries),
		}).Debug("Reclaimed expired stream entries")
	}
	if len(deliveries) >= max {
		return deliveries, nil
	}

	results, err := q.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max - len(deliveries)),
		Block:    wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return deliveries, nil
	}
	if err != nil {
		return deliveries, fmt.Errorf("failed to read from stream %s: %w", q.stream, err)
	}

	for _, stream := range results {
		deliveries = append(deliveries, toDeliveries(stream.Messages)...)
	}
	return deliveries, nil
}

// Delete acknowledges and removes entries in one pipeline
func (q *StreamQueue) Delete(ctx context.Context, deliveries []transport.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}

	pipe := q.client.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, ids...)
	pipe.XDel(ctx, q.stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %d entries from %s: %w", len(ids), q.stream, err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *StreamQueue) Close() error {
	return nil
}

func toDeliveries(messages []redis.XMessage) []transport.Delivery {
	deliveries := make([]transport.Delivery, 0, len(messages))
	for _, msg := range messages {
		body, _ := msg.Values[payloadField].(string)
		deliveries = append(deliveries, transport.Delivery{
			ID:      msg.ID,
			Body:    []byte(body),
			Receipt: msg.ID,
		})
	}
	return deliveries
}
