package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEvent(messageID string) *QueuedEvent {
	return &QueuedEvent{
		EventID:    "e-" + messageID,
		MessageID:  messageID,
		TenantID:   "tenant-1",
		EventName:  "page_view",
		EventType:  EventTypePage,
		Timestamp:  time.Now().UTC(),
		SessionID:  "s1",
		ReceivedAt: time.Now().UTC(),
	}
}

// brokenTransport fails every append.
type brokenTransport struct {
	queue.Transport
	appends int
}

func (b *brokenTransport) Append(_ context.Context, stream string, _ queue.Fields) (string, error) {
	b.appends++
	return "", queue.NewTransportError("append", stream, errors.New("connection refused"))
}

func (b *brokenTransport) AppendBatch(_ context.Context, stream string, _ []queue.Fields) ([]string, error) {
	b.appends++
	return nil, queue.NewTransportError("append batch", stream, errors.New("connection refused"))
}

func TestProducerPublish(t *testing.T) {
	ctx := context.Background()
	transport := queue.NewMemoryTransport(queue.MemoryOptions{})
	defer transport.Close()
	require.NoError(t, transport.EnsureGroup(ctx, "events", "workers"))

	producer := NewProducer(transport, "events", discardLogger())
	assert.Equal(t, "events", producer.Stream())

	id, err := producer.Publish(ctx, newTestEvent("m-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ids, err := producer.PublishBatch(ctx, []*QueuedEvent{newTestEvent("m-2"), newTestEvent("m-3")})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = producer.PublishBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	depth, err := producer.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	entries, err := transport.ReadGroup(ctx, "events", "workers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, id, entries[0].ID)

	var got []string
	for _, entry := range entries {
		msg, err := Decode(entry)
		require.NoError(t, err)
		got = append(got, msg.Event.MessageID)
	}
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, got)

	for _, entry := range entries {
		require.NoError(t, transport.Ack(ctx, "events", "workers", entry.ID))
	}
	depth, err = producer.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "acknowledged events leave the backlog")
}

func TestProducerReturnsTransportErrors(t *testing.T) {
	transport := &brokenTransport{}
	producer := NewProducer(transport, "events", discardLogger())

	_, err := producer.Publish(context.Background(), newTestEvent("m-1"))
	var terr *queue.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "events", terr.Stream)

	_, err = producer.PublishBatch(context.Background(), []*QueuedEvent{newTestEvent("m-2"), newTestEvent("m-3")})
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 2, transport.appends, "appends are not retried")
}

func TestProducerCircuitBreakerOpens(t *testing.T) {
	transport := &brokenTransport{}
	producer := NewProducer(transport, "events", discardLogger(),
		WithCircuitBreaker(BreakerSettings{FailureThreshold: 2, Timeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, err := producer.Publish(context.Background(), newTestEvent("m"))
		require.Error(t, err)
	}
	require.Equal(t, 2, transport.appends)

	_, err := producer.Publish(context.Background(), newTestEvent("m"))
	var terr *queue.TransportError
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, transport.appends, "open breaker must not reach the transport")
}
