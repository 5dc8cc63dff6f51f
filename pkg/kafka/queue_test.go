package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/pkg/transport"
)

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Partition: partition, Offset: offset}
}

func offsetsOf(msgs []kafka.Message) map[int]int64 {
	out := map[int]int64{}
	for _, m := range msgs {
		out[m.Partition] = m.Offset
	}
	return out
}

func TestOffsetTracker(t *testing.T) {
	tracker := newOffsetTracker()
	for _, m := range []kafka.Message{msg(0, 1), msg(0, 2), msg(0, 3), msg(1, 7), msg(1, 8)} {
		tracker.track(m)
	}

	// offset 1 is still outstanding, so nothing on partition 0 can be committed
	commits := tracker.done([]kafka.Message{msg(0, 2), msg(1, 7)})
	assert.Equal(t, map[int]int64{1: 7}, offsetsOf(commits))

	commits = tracker.done([]kafka.Message{msg(0, 1)})
	assert.Equal(t, map[int]int64{0: 2}, offsetsOf(commits))

	commits = tracker.done([]kafka.Message{msg(0, 3), msg(1, 8)})
	assert.Equal(t, map[int]int64{0: 3, 1: 8}, offsetsOf(commits))

	assert.Empty(t, tracker.done(nil))
}

func TestOffsetTracker_KeptHeadIsServedAgain(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := newOffsetTracker()
	tracker.now = func() time.Time { return now }

	tracker.track(msg(0, 0))
	for offset := int64(1); offset <= 10000; offset++ {
		tracker.track(msg(0, offset))
		assert.Empty(t, tracker.done([]kafka.Message{msg(0, offset)}))
	}
	assert.Equal(t, 10001, tracker.pending())
	now = now.Add(20 * time.Second)
	assert.Empty(t, tracker.expired(time.Minute, 10), "head is still within its visibility timeout")
	assert.Equal(t, 40*time.Second, tracker.untilExpiry(time.Minute))

	now = now.Add(40 * time.Second)
	served := tracker.expired(time.Minute, 10)
	require.Len(t, served, 1)
	assert.Equal(t, int64(0), served[0].Offset)
	assert.Empty(t, tracker.expired(time.Minute, 10), "serving resets the visibility timeout")

	commits := tracker.done(served)
	assert.Equal(t, map[int]int64{0: 10000}, offsetsOf(commits))
	assert.Zero(t, tracker.pending())
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetched   int
	committed []kafka.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.fetched++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: "signals"} }

func (f *fakeReader) Close() error { return nil }

func deliveryIDs(deliveries []transport.Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, d.ID)
	}
	return out
}

func TestQueue_RedeliversKeptMessages(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	reader := &fakeReader{messages: []kafka.Message{msg(0, 0), msg(0, 1), msg(0, 2), msg(0, 3), msg(0, 4)}}
	q := newQueue(reader, QueueConfig{VisibilityTimeout: time.Minute, MaxPending: 3}, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	q.offsets.now = func() time.Time { return now }

	batch, err := q.Receive(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"0:0", "0:1", "0:2"}, deliveryIDs(batch), "fetching stops at the pending cap")

	// offset 0 is kept, e.g. a transient ingest failure
	require.NoError(t, q.Delete(ctx, batch[1:]))
	assert.Empty(t, reader.committed)

	batch, err = q.Receive(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Equal(t, 3, reader.fetched, "nothing new is fetched while at the cap")

	now = now.Add(time.Minute)
	batch, err = q.Receive(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"0:0"}, deliveryIDs(batch))

	require.NoError(t, q.Delete(ctx, batch))
	assert.Equal(t, map[int]int64{0: 2}, offsetsOf(reader.committed))

	batch, err = q.Receive(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"0:3", "0:4"}, deliveryIDs(batch))
}

func TestCompression(t *testing.T) {
	tests := []struct {
		name string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"none", 0},
		{"snappy", kafka.Snappy},
		{"", kafka.Snappy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compression(tt.name))
		})
	}
}
