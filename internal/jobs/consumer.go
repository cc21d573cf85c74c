package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chatnationwork/analytics-sub002/internal/events"
	"github.com/chatnationwork/analytics-sub002/internal/metrics"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

var (
	// ErrConsumerRunning is returned by Start when the consumer is not idle.
	ErrConsumerRunning = errors.New("consumer already running")
	// ErrNilHandler is returned by NewConsumer without a handler.
	ErrNilHandler = errors.New("consumer requires a batch handler")
)

// BatchHandler processes one batch of decoded messages. Returning nil
// acknowledges the whole batch; an error leaves it pending for redelivery.
type BatchHandler func(ctx context.Context, msgs []events.StreamMessage) error

// DeadLetterSink stores entries that cannot be decoded.
type DeadLetterSink interface {
	Record(ctx context.Context, stream string, entry queue.Entry, cause error) error
}

// HandlerError wraps a handler failure for one batch.
type HandlerError struct {
	Count   int
	FirstID string
	LastID  string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for %d messages (%s..%s): %v", e.Count, e.FirstID, e.LastID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ConsumerState is the lifecycle state of a Consumer.
type ConsumerState int

const (
	StateIdle ConsumerState = iota
	StateRunning
	StateStopping
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ConsumerConfig configures the read loop.
type ConsumerConfig struct {
	Stream    string
	Group     string
	BatchSize int
	// Block is the longest a single group read waits for new messages.
	Block time.Duration
	// Backoff is the pause after a failed read or handler call.
	Backoff time.Duration
	// Name overrides the generated consumer name.
	Name string
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterSink records undecodable entries before acknowledging them.
// Without a sink they are logged and acknowledged.
func WithDeadLetterSink(sink DeadLetterSink) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetters = sink
	}
}

// Consumer pulls batches from a consumer group and hands them to a handler.
// Batches are processed one at a time; a batch is acknowledged only after
// the handler succeeds.
type Consumer struct {
	transport   queue.Transport
	handler     BatchHandler
	cfg         ConsumerConfig
	logger      *slog.Logger
	deadLetters DeadLetterSink

	mu     sync.Mutex
	state  ConsumerState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates an idle consumer.
func NewConsumer(transport queue.Transport, handler BatchHandler, cfg ConsumerConfig, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if transport == nil {
		return nil, errors.New("consumer requires a transport")
	}
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("consumer requires a stream and a group")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = consumerName()
	}

	c := &Consumer{
		transport: transport,
		handler:   handler,
		cfg:       cfg,
		logger:    logger.With(slog.String("consumer", cfg.Name)),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// consumerName returns a name unique to this process instance.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixMilli())
}

// Name returns the consumer name used for group reads.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start ensures the consumer group exists and starts the read loop in a
// goroutine. The loop ends when ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrConsumerRunning
	}

	if err := c.transport.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateRunning

	c.logger.Info("Consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("group", c.cfg.Group),
		slog.Int("batch_size", c.cfg.BatchSize),
		slog.Duration("block", c.cfg.Block))

	go c.loop(loopCtx, c.done)
	return nil
}

// Run starts the consumer and blocks until its loop ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
	return nil
}

// Stop signals the loop to end and waits for it. A batch already handed to
// the handler is finished and acknowledged first.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		done := c.done
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	c.state = StateStopping
	c.cancel()
	done := c.done
	c.mu.Unlock()

	<-done
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.state = StateIdle
		c.cancel()
		c.mu.Unlock()
		close(done)
		c.logger.Info("Consumer stopped")
	}()

	for ctx.Err() == nil {
		c.poll(ctx)
	}
}

// poll runs one read-handle-ack cycle.
func (c *Consumer) poll(ctx context.Context) {
	entries, err := c.transport.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Name, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("Failed to read from consumer group",
			slog.String("stream", c.cfg.Stream),
			slog.Any("error", err))
		c.sleep(ctx, c.cfg.Backoff)
		return
	}
	if len(entries) == 0 {
		return
	}
	metrics.MessagesConsumed.Add(float64(len(entries)))

	// The batch is finished even if a stop arrives meanwhile.
	work := context.WithoutCancel(ctx)

	msgs := c.decode(work, entries)
	if len(msgs) == 0 {
		return
	}

	if err := c.handle(work, msgs); err != nil {
		metrics.HandlerFailures.Inc()
		c.logger.Error("Batch handler failed, batch left pending",
			slog.Int("messages", len(msgs)),
			slog.Any("error", err))
		c.sleep(ctx, c.cfg.Backoff)
		return
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	c.ack(work, ids)
}

// decode turns entries into messages. Undecodable entries are dead-lettered
// and acknowledged so they are never redelivered.
func (c *Consumer) decode(ctx context.Context, entries []queue.Entry) []events.StreamMessage {
	msgs := make([]events.StreamMessage, 0, len(entries))
	var poisoned []string

	for _, entry := range entries {
		msg, err := events.Decode(entry)
		if err == nil {
			msgs = append(msgs, msg)
			continue
		}

		c.logger.Warn("Undecodable stream message",
			slog.String("stream_id", entry.ID),
			slog.Int("deliveries", entry.Deliveries),
			slog.Any("error", err))

		if c.deadLetters != nil {
			if recErr := c.deadLetters.Record(ctx, c.cfg.Stream, entry, err); recErr != nil {
				c.logger.Error("Failed to record dead letter, message left pending",
					slog.String("stream_id", entry.ID),
					slog.Any("error", recErr))
				continue
			}
		}
		metrics.DeadLetters.Inc()
		poisoned = append(poisoned, entry.ID)
	}

	if len(poisoned) > 0 {
		c.ack(ctx, poisoned)
	}
	return msgs
}

func (c *Consumer) handle(ctx context.Context, msgs []events.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in batch handler: %v", r)
		}
		if err != nil {
			err = &HandlerError{
				Count:   len(msgs),
				FirstID: msgs[0].ID,
				LastID:  msgs[len(msgs)-1].ID,
				Err:     err,
			}
		}
	}()
	return c.handler(ctx, msgs)
}

// ack failures are logged only; the messages are redelivered and dropped by dedup.
func (c *Consumer) ack(ctx context.Context, ids []string) {
	if err := c.transport.Ack(ctx, c.cfg.Stream, c.cfg.Group, ids...); err != nil {
		c.logger.Error("Failed to acknowledge messages",
			slog.Int("messages", len(ids)),
			slog.Any("error", err))
		return
	}
	metrics.MessagesAcked.Add(float64(len(ids)))
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
