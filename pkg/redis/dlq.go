package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/dispatch/pkg/tracing"
	"github.com/Ramsey-B/dispatch/pkg/transport"
)

const (
	DefaultDeadLetterStream = "dispatch:signals:dead"

	// oldest entries are trimmed past this length
	deadLetterMaxLen = 10000
)

// DeadLetter is a signal envelope that was dropped without being ingested
type DeadLetter struct {
	StreamID  string    `json:"-"`
	Queue     string    `json:"queue"`
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	Reason    string    `json:"reason"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetters stores dropped envelopes in a capped stream for inspection
type DeadLetters struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetters(client *Client, streamName string, logger ectologger.Logger) *DeadLetters {
	if streamName == "" {
		streamName = DefaultDeadLetterStream
	}
	return &DeadLetters{client: client, streamName: streamName, logger: logger}
}

// Add implements transport.DeadLetters
func (d *DeadLetters) Add(ctx context.Context, queue string, delivery transport.Delivery, reason error) error {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetters.Add")
	defer span.End()

	entry := DeadLetter{
		Queue:     queue,
		MessageID: delivery.ID,
		Body:      string(delivery.Body),
		TraceID:   tracing.GetTraceID(ctx),
		CreatedAt: time.Now().UTC(),
	}
	if reason != nil {
		entry.Reason = reason.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	id, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		Values: map[string]any{
			payloadField: string(data),
			"queue":      queue,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"queue":          queue,
		"message_id":     delivery.ID,
		"dead_letter_id": id,
	}).Info("Dead-lettered signal envelope")

	return nil
}

// List returns the newest entries first
func (d *DeadLetters) List(ctx context.Context, count int64) ([]DeadLetter, error) {
	messages, err := d.client.rdb.XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	entries := make([]DeadLetter, 0, len(messages))
	for _, msg := range messages {
		raw, _ := msg.Values[payloadField].(string)
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Skipping unreadable dead letter %s", msg.ID)
			continue
		}
		entry.StreamID = msg.ID
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of stored dead letters
func (d *DeadLetters) Count(ctx context.Context) (int64, error) {
	return d.client.rdb.XLen(ctx, d.streamName).Result()
}
