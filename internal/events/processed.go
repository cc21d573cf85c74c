package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatnationwork/analytics-sub002/internal/metrics"
)

// Processor is the consumer's batch handler: it drops already stored
// messages, enriches the rest, stores them as one batch and updates the
// sessions they belong to.
type Processor struct {
	store    EventStore
	enricher Enricher
	sessions *SessionAggregator
	logger   *slog.Logger
}

// NewProcessor creates a processor. sessions may be nil to skip aggregation.
func NewProcessor(store EventStore, enricher Enricher, sessions *SessionAggregator, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		enricher: enricher,
		sessions: sessions,
		logger:   logger,
	}
}

// Handle processes one consumer batch. A returned error means nothing from
// the batch may be considered stored and the batch must be redelivered.
func (p *Processor) Handle(ctx context.Context, msgs []StreamMessage) error {
	start := time.Now()

	fresh, err := p.dedup(ctx, msgs)
	if err != nil {
		return err
	}

	batch := make([]*Event, 0, len(fresh))
	for i := range fresh {
		batch = append(batch, BuildEvent(&fresh[i].Event, p.enricher))
	}

	if err := p.store.SaveBatch(ctx, batch); err != nil {
		p.logger.Error("Failed to save event batch",
			slog.Int("messages_received", len(msgs)),
			slog.Int("events", len(batch)),
			slog.Any("error", err))
		return err
	}

	p.aggregateSessions(ctx, batch)

	elapsed := time.Since(start)
	metrics.RecordBatch(len(msgs), len(batch), len(msgs)-len(batch), elapsed)
	p.logger.Info("Processed event batch",
		slog.Int("messagesReceived", len(msgs)),
		slog.Int("eventsInserted", len(batch)),
		slog.Int64("elapsedMs", elapsed.Milliseconds()))
	return nil
}

// dedup drops messages whose message id is already stored or repeats an
// earlier message in the same batch.
func (p *Processor) dedup(ctx context.Context, msgs []StreamMessage) ([]StreamMessage, error) {
	seen := make(map[string]struct{}, len(msgs))
	fresh := make([]StreamMessage, 0, len(msgs))

	for _, msg := range msgs {
		id := msg.Event.MessageID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		exists, err := p.store.MessageIDExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			p.logger.Debug("Skipping already stored message",
				slog.String("message_id", id),
				slog.String("stream_id", msg.ID))
			continue
		}
		fresh = append(fresh, msg)
	}
	return fresh, nil
}

// aggregateSessions updates one session per group. Failures are logged per
// session; the events are already stored and the next batch heals the rollup.
func (p *Processor) aggregateSessions(ctx context.Context, batch []*Event) {
	if p.sessions == nil {
		return
	}

	var order []string
	groups := make(map[string][]*Event)
	for _, e := range batch {
		if e.SessionID == "" {
			continue
		}
		if _, ok := groups[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		groups[e.SessionID] = append(groups[e.SessionID], e)
	}

	for _, sessionID := range order {
		if err := p.sessions.Aggregate(ctx, sessionID, groups[sessionID]); err != nil {
			metrics.SessionFailures.Inc()
			p.logger.Error("Failed to aggregate session",
				slog.String("session_id", sessionID),
				slog.Int("events", len(groups[sessionID])),
				slog.Any("error", err))
		}
	}
}
