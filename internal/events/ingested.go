package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chatnationwork/analytics-sub002/internal/metrics"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

// BreakerSettings configures the optional circuit breaker around appends.
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// Producer appends events to the stream. Appends are never retried here;
// callers decide, and consumer-side dedup makes re-publication safe.
type Producer struct {
	transport queue.Transport
	stream    string
	breaker   *gobreaker.CircuitBreaker[[]string]
	logger    *slog.Logger
}

// ProducerOption customizes a Producer.
type ProducerOption func(*Producer)

// WithCircuitBreaker makes the producer fail fast while the transport keeps failing.
func WithCircuitBreaker(settings BreakerSettings) ProducerOption {
	return func(p *Producer) {
		if settings.FailureThreshold == 0 {
			settings.FailureThreshold = 5
		}
		if settings.Timeout == 0 {
			settings.Timeout = 30 * time.Second
		}
		p.breaker = gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
			Name:        "queue-append",
			MaxRequests: 1,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("Circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
}

// NewProducer creates a producer writing to the given stream.
func NewProducer(transport queue.Transport, stream string, logger *slog.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		transport: transport,
		stream:    stream,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish serializes and appends one event, returning its stream id.
func (p *Producer) Publish(ctx context.Context, evt *QueuedEvent) (string, error) {
	ids, err := p.PublishBatch(ctx, []*QueuedEvent{evt})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PublishBatch appends several events in one pipelined round trip. If any
// append fails the first error is returned; earlier appends may already be
// on the stream.
func (p *Producer) PublishBatch(ctx context.Context, evts []*QueuedEvent) ([]string, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	batch := make([]queue.Fields, 0, len(evts))
	for _, evt := range evts {
		fields, err := Encode(evt)
		if err != nil {
			return nil, err
		}
		batch = append(batch, fields)
	}

	ids, err := p.append(ctx, batch)
	metrics.RecordPublish(len(evts), err)
	if err != nil {
		p.logger.Error("Failed to publish events",
			slog.String("stream", p.stream),
			slog.Int("count", len(evts)),
			slog.Any("error", err))
		return nil, err
	}

	p.logger.Debug("Published events",
		slog.String("stream", p.stream),
		slog.Int("count", len(ids)))
	return ids, nil
}

func (p *Producer) append(ctx context.Context, batch []queue.Fields) ([]string, error) {
	do := func() ([]string, error) {
		if len(batch) == 1 {
			id, err := p.transport.Append(ctx, p.stream, batch[0])
			if err != nil {
				return nil, err
			}
			return []string{id}, nil
		}
		return p.transport.AppendBatch(ctx, p.stream, batch)
	}

	if p.breaker == nil {
		return do()
	}

	ids, err := p.breaker.Execute(do)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, queue.NewTransportError("append", p.stream, err)
	}
	return ids, err
}

// Depth returns the number of entries the workers have not acknowledged
// yet. It feeds monitoring only and is never used to refuse ingestion.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	return p.transport.Len(ctx, p.stream)
}

// Stream returns the stream key the producer writes to.
func (p *Producer) Stream() string {
	return p.stream
}
