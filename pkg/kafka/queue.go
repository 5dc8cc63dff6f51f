package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/dispatch/pkg/tracing"
	"github.com/Ramsey-B/dispatch/pkg/transport"
)

const (
	// linger bounds how long Receive keeps filling a batch once it has a message
	linger = 100 * time.Millisecond

	DefaultVisibilityTimeout = 40 * time.Second
	DefaultMaxPending        = 1000
)

type QueueConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// VisibilityTimeout is how long a received message may stay undeleted before
	// Receive serves it again
	VisibilityTimeout time.Duration
	// MaxPending caps the undeleted messages held in memory. Receive stops
	// fetching new messages at the cap.
	MaxPending int
}

// reader is the part of *kafka.Reader the queue uses
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// Queue is a transport.Queue over a kafka consumer group. Deleting a delivery
// commits its offset once every earlier delivery of the same partition has been
// deleted too. A delivery that is not deleted within the visibility timeout is
// served again by Receive, and is redelivered after a rebalance or restart.
type Queue struct {
	reader     reader
	offsets    *offsetTracker
	visibility time.Duration
	maxPending int
	logger     ectologger.Logger
}

func NewQueue(cfg QueueConfig, logger ectologger.Logger) *Queue {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return newQueue(r, cfg, logger)
}

func newQueue(r reader, cfg QueueConfig, logger ectologger.Logger) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Queue{
		reader:     r,
		offsets:    newOffsetTracker(),
		visibility: cfg.VisibilityTimeout,
		maxPending: cfg.MaxPending,
		logger:     logger,
	}
}

func delivery(msg kafka.Message) transport.Delivery {
	return transport.Delivery{
		ID:      fmt.Sprintf("%d:%d", msg.Partition, msg.Offset),
		Body:    msg.Value,
		Receipt: msg,
	}
}

// Receive returns kept messages whose visibility timeout has passed, or else
// fetches up to max new messages, waiting at most wait for the first one
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]transport.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "kafka.Queue.Receive")
	defer span.End()

	deliveries := make([]transport.Delivery, 0, max)
	for _, msg := range q.offsets.expired(q.visibility, max) {
		deliveries = append(deliveries, delivery(msg))
	}
	if len(deliveries) > 0 {
		q.logger.WithContext(ctx).Debugf("Redelivering %d kept messages on %s", len(deliveries), q.reader.Config().Topic)
		return deliveries, nil
	}

	room := q.maxPending - q.offsets.pending()
	if room <= 0 {
		// hold off until a kept message is deleted or becomes visible again
		q.logger.WithContext(ctx).Warnf("%d undeleted messages on %s, pausing fetch", q.offsets.pending(), q.reader.Config().Topic)
		select {
		case <-ctx.Done():
		case <-time.After(min(wait, q.offsets.untilExpiry(q.visibility))):
		}
		return deliveries, nil
	}
	max = min(max, room)

	timeout := wait
	for len(deliveries) < max {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		msg, err := q.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if errors.Is(err, io.EOF) {
				return deliveries, nil
			}
			return deliveries, fmt.Errorf("failed to fetch from %s: %w", q.reader.Config().Topic, err)
		}

		q.offsets.track(msg)
		deliveries = append(deliveries, delivery(msg))
		timeout = linger
	}
	return deliveries, nil
}

// Delete commits the offsets that are now safe to commit
func (q *Queue) Delete(ctx context.Context, deliveries []transport.Delivery) error {
	msgs := make([]kafka.Message, 0, len(deliveries))
	for _, d := range deliveries {
		msg, ok := d.Receipt.(kafka.Message)
		if !ok {
			return fmt.Errorf("delivery %s has no kafka receipt", d.ID)
		}
		msgs = append(msgs, msg)
	}

	commits := q.offsets.done(msgs)
	if len(commits) == 0 {
		return nil
	}
	if err := q.reader.CommitMessages(ctx, commits...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}

	q.logger.WithContext(ctx).Debugf("Committed %d partition offsets on %s", len(commits), q.reader.Config().Topic)
	return nil
}

func (q *Queue) Close() error {
	return q.reader.Close()
}

type pendingOffset struct {
	msg      kafka.Message
	servedAt time.Time
	done     bool
}

// offsetTracker keeps fetched offsets per partition in fetch order
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int][]*pendingOffset
	size       int
	now        func() time.Time
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: map[int][]*pendingOffset{}, now: time.Now}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[msg.Partition] = append(t.partitions[msg.Partition], &pendingOffset{msg: msg, servedAt: t.now()})
	t.size++
}

// done marks msgs as finished and returns, per partition, the last message of the
// finished prefix
func (t *offsetTracker) done(msgs []kafka.Message) []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range msgs {
		for _, p := range t.partitions[msg.Partition] {
			if p.msg.Offset == msg.Offset {
				p.done = true
				break
			}
		}
	}

	var commits []kafka.Message
	for partition, pending := range t.partitions {
		n := 0
		for n < len(pending) && pending[n].done {
			n++
		}
		if n == 0 {
			continue
		}
		commits = append(commits, pending[n-1].msg)
		t.partitions[partition] = pending[n:]
		t.size -= n
	}
	return commits
}

// expired returns up to max unfinished messages served at least visibility ago
// and marks them served now
func (t *offsetTracker) expired(visibility time.Duration, max int) []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var msgs []kafka.Message
	for _, partition := range slices.Sorted(maps.Keys(t.partitions)) {
		for _, p := range t.partitions[partition] {
			if len(msgs) >= max {
				return msgs
			}
			if p.done || now.Sub(p.servedAt) < visibility {
				continue
			}
			p.servedAt = now
			msgs = append(msgs, p.msg)
		}
	}
	return msgs
}

func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// untilExpiry is the time until the next unfinished message becomes visible again
func (t *offsetTracker) untilExpiry(visibility time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	next := visibility
	for _, pending := range t.partitions {
		for _, p := range pending {
			if p.done {
				continue
			}
			next = min(next, max(p.servedAt.Add(visibility).Sub(now), 0))
		}
	}
	return next
}
