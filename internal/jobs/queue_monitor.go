package jobs

import (
	"context"
	"log/slog"

	"github.com/chatnationwork/analytics-sub002/internal/metrics"
)

// DepthReader reports the number of entries held by the event stream.
// *events.Producer satisfies it.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
	Stream() string
}

// QueueMonitorJob publishes the stream depth as a gauge. Depth is only
// observed; it never throttles ingestion.
type QueueMonitorJob struct {
	queue  DepthReader
	logger *slog.Logger
}

func NewQueueMonitorJob(queue DepthReader, logger *slog.Logger) *QueueMonitorJob {
	return &QueueMonitorJob{
		queue:  queue,
		logger: logger,
	}
}

// Run reads the current depth and records it.
func (j *QueueMonitorJob) Run(ctx context.Context) error {
	depth, err := j.queue.Depth(ctx)
	if err != nil {
		j.logger.Error("Failed to read queue depth",
			slog.String("stream", j.queue.Stream()),
			slog.Any("error", err))
		return err
	}

	metrics.QueueDepth.Set(float64(depth))
	j.logger.Debug("Queue depth",
		slog.String("stream", j.queue.Stream()),
		slog.Int64("depth", depth))
	return nil
}
