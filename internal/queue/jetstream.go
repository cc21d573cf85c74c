package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the JetStream transport.
type JetStreamConfig struct {
	URL        string
	ClientName string
	// AckWait is how long a fetched message may stay unacknowledged before
	// JetStream delivers it again.
	AckWait time.Duration
	// MaxDeliver caps deliveries per message. Zero means unlimited.
	MaxDeliver int
	// MaxAge bounds stream retention. Zero keeps messages until limits apply.
	MaxAge time.Duration
}

// JetStreamTransport implements Transport on NATS JetStream. Each stream key
// maps to a JetStream stream, each group to a durable pull consumer, and
// entry ids are stream sequence numbers.
type JetStreamTransport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *slog.Logger

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
	inflight  map[string]inflightMsg
	now       func() time.Time
}

// inflightMsg is a fetched message kept for Ack until its ack wait lapses.
// After that the server redelivers it and the stale copy cannot be acked.
type inflightMsg struct {
	msg     jetstream.Msg
	expires time.Time
}

// defaultAckWait mirrors the server default applied when AckWait is unset.
const defaultAckWait = 30 * time.Second

// NewJetStreamTransport connects to the NATS server at cfg.URL.
func NewJetStreamTransport(cfg JetStreamConfig, logger *slog.Logger) (*JetStreamTransport, error) {
	if cfg.ClientName == "" {
		cfg.ClientName = "analytics"
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, NewTransportError("connect", "", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, NewTransportError("connect", "", fmt.Errorf("create JetStream context: %w", err))
	}

	return &JetStreamTransport{
		nc:        nc,
		js:        js,
		cfg:       cfg,
		logger:    logger,
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]inflightMsg),
		now:       time.Now,
	}, nil
}

func subjectFor(stream string) string {
	return stream + ".append"
}

// ensureStream creates or updates the stream backing a stream key.
func (t *JetStreamTransport) ensureStream(ctx context.Context, name string) (jetstream.Stream, error) {
	t.mu.Lock()
	s, ok := t.streams[name]
	t.mu.Unlock()
	if ok {
		return s, nil
	}

	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxAge:    t.cfg.MaxAge,
	}

	s, err := t.js.Stream(ctx, name)
	switch {
	case err == nil:
		s, err = t.js.UpdateStream(ctx, cfg)
	case errors.Is(err, jetstream.ErrStreamNotFound):
		s, err = t.js.CreateStream(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.streams[name] = s
	t.mu.Unlock()
	return s, nil
}

func (t *JetStreamTransport) newMsg(stream string, fields Fields) *nats.Msg {
	msg := nats.NewMsg(subjectFor(stream))
	for k, v := range fields {
		if k == DataField {
			msg.Data = []byte(v)
			continue
		}
		msg.Header.Set(k, v)
	}
	return msg
}

func (t *JetStreamTransport) Append(ctx context.Context, stream string, fields Fields) (string, error) {
	if _, err := t.ensureStream(ctx, stream); err != nil {
		return "", NewTransportError("append", stream, err)
	}

	ack, err := t.js.PublishMsg(ctx, t.newMsg(stream, fields))
	if err != nil {
		return "", NewTransportError("append", stream, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (t *JetStreamTransport) AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error) {
	if _, err := t.ensureStream(ctx, stream); err != nil {
		return nil, NewTransportError("append", stream, err)
	}

	futures := make([]jetstream.PubAckFuture, 0, len(batch))
	for _, fields := range batch {
		f, err := t.js.PublishMsgAsync(t.newMsg(stream, fields))
		if err != nil {
			return nil, NewTransportError("append", stream, err)
		}
		futures = append(futures, f)
	}

	ids := make([]string, len(futures))
	var firstErr error
	for i, f := range futures {
		select {
		case ack := <-f.Ok():
			ids[i] = strconv.FormatUint(ack.Sequence, 10)
		case err := <-f.Err():
			if firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return nil, NewTransportError("append", stream, ctx.Err())
		}
	}
	if firstErr != nil {
		return nil, NewTransportError("append", stream, firstErr)
	}
	return ids, nil
}

func (t *JetStreamTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	if _, err := t.ensureStream(ctx, stream); err != nil {
		return NewTransportError("ensure group", stream, err)
	}

	cons, err := t.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       group,
		Description:   "analytics event consumer group",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxDeliver:    maxDeliver(t.cfg.MaxDeliver),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: subjectFor(stream),
	})
	if err != nil {
		return NewTransportError("ensure group", stream, err)
	}

	t.mu.Lock()
	t.consumers[groupKey(stream, group)] = cons
	t.mu.Unlock()
	return nil
}

func maxDeliver(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func (t *JetStreamTransport) consumer(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	t.mu.Lock()
	cons, ok := t.consumers[groupKey(stream, group)]
	t.mu.Unlock()
	if ok {
		return cons, nil
	}

	cons, err := t.js.Consumer(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.consumers[groupKey(stream, group)] = cons
	t.mu.Unlock()
	return cons, nil
}

// ReadGroup fetches from the group's durable pull consumer. All processes
// fetching from the same durable compete for its messages, so the consumer
// name only labels the fetch in logs.
func (t *JetStreamTransport) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	cons, err := t.consumer(ctx, stream, group)
	if err != nil {
		return nil, NewTransportError("read group", stream, err)
	}

	t.sweepInflight()

	batch, err := cons.Fetch(count, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, NewTransportError("read group", stream, err)
	}

	var entries []Entry
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			t.logger.Warn("Skipping message without metadata",
				slog.String("stream", stream),
				slog.Any("error", err))
			continue
		}

		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		fields := Fields{DataField: string(msg.Data())}
		for k := range msg.Headers() {
			fields[k] = msg.Headers().Get(k)
		}

		t.mu.Lock()
		t.inflight[inflightKey(stream, group, id)] = inflightMsg{msg: msg, expires: t.now().Add(t.ackWait())}
		t.mu.Unlock()

		entries = append(entries, Entry{ID: id, Fields: fields, Deliveries: int(meta.NumDelivered)})
	}

	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		if len(entries) > 0 {
			t.logger.Debug("Fetch ended early",
				slog.String("stream", stream),
				slog.String("consumer", consumer),
				slog.Any("error", err))
			return entries, nil
		}
		return nil, NewTransportError("read group", stream, err)
	}
	return entries, nil
}

func (t *JetStreamTransport) ackWait() time.Duration {
	if t.cfg.AckWait > 0 {
		return t.cfg.AckWait
	}
	return defaultAckWait
}

// sweepInflight forgets messages whose ack wait has lapsed. This covers
// messages a consumer never acks, including ones that hit MaxDeliver.
func (t *JetStreamTransport) sweepInflight() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	swept := 0
	for key, m := range t.inflight {
		if now.After(m.expires) {
			delete(t.inflight, key)
			swept++
		}
	}
	return swept
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Ack acknowledges messages fetched by this process. Unknown ids are ignored.
func (t *JetStreamTransport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	for _, id := range ids {
		key := inflightKey(stream, group, id)

		t.mu.Lock()
		m, ok := t.inflight[key]
		t.mu.Unlock()
		if !ok {
			continue
		}

		if err := m.msg.DoubleAck(ctx); err != nil {
			return NewTransportError("ack", stream, fmt.Errorf("message %s: %w", id, err))
		}

		t.mu.Lock()
		delete(t.inflight, key)
		t.mu.Unlock()
	}
	return nil
}

// Len reports the largest consumer backlog (pending plus unacknowledged)
// across the stream's durables, or the stored message count when the stream
// has no consumer yet.
func (t *JetStreamTransport) Len(ctx context.Context, stream string) (int64, error) {
	s, err := t.js.Stream(ctx, stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, NewTransportError("len", stream, err)
	}

	var backlog int64
	consumers := 0
	lister := s.ListConsumers(ctx)
	for info := range lister.Info() {
		consumers++
		backlog = max(backlog, int64(info.NumPending)+int64(info.NumAckPending))
	}
	if err := lister.Err(); err != nil {
		return 0, NewTransportError("len", stream, err)
	}
	if consumers > 0 {
		return backlog, nil
	}

	info, err := s.Info(ctx)
	if err != nil {
		return 0, NewTransportError("len", stream, err)
	}
	return int64(info.State.Msgs), nil
}

// Ping checks that the connection to the server is usable.
func (t *JetStreamTransport) Ping() error {
	if !t.nc.IsConnected() {
		return NewTransportError("ping", "", nats.ErrConnectionClosed)
	}
	return nil
}

func (t *JetStreamTransport) Close() error {
	if err := t.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		t.logger.Warn("Failed to flush NATS connection", slog.Any("error", err))
	}
	t.nc.Close()
	return nil
}

func groupKey(stream, group string) string {
	return stream + "/" + group
}

func inflightKey(stream, group, id string) string {
	return stream + "/" + group + "/" + id
}
