package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chatnationwork/analytics-sub002/internal/enrichment"
	"github.com/chatnationwork/analytics-sub002/internal/events"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
	"github.com/chatnationwork/analytics-sub002/internal/testsupport"
)

const (
	testStream = "analytics_events_test"
	testGroup  = "event-processor"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// stubEnricher returns fixed values and counts calls.
type stubEnricher struct {
	geoCalls    int
	deviceCalls int
}

func (s *stubEnricher) EnrichGeo(string) enrichment.Geo {
	s.geoCalls++
	return enrichment.Geo{CountryCode: "KE", City: "Nairobi"}
}

func (s *stubEnricher) EnrichDevice(string) enrichment.Device {
	s.deviceCalls++
	return enrichment.Device{DeviceType: enrichment.DeviceMobile, OSName: "Android", BrowserName: "Chrome"}
}

type pipeline struct {
	db        *gorm.DB
	enricher  *stubEnricher
	sessions  events.SessionStore
	processor *events.Processor
}

func newPipeline(t *testing.T, chunkSize int) *pipeline {
	t.Helper()
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	enricher := &stubEnricher{}
	sessions := events.NewGormSessionStore(db)
	aggregator := events.NewSessionAggregator(sessions, []string{"purchase"}, logger)

	return &pipeline{
		db:        db,
		enricher:  enricher,
		sessions:  sessions,
		processor: events.NewProcessor(events.NewGormEventStore(db, chunkSize), enricher, aggregator, logger),
	}
}

func messages(evts ...*events.QueuedEvent) []events.StreamMessage {
	msgs := make([]events.StreamMessage, len(evts))
	for i, e := range evts {
		msgs[i] = events.StreamMessage{ID: string(rune('a' + i)), Event: *e, Deliveries: 1}
	}
	return msgs
}

func TestProcessorIdempotentOnRedelivery(t *testing.T) {
	p := newPipeline(t, 0)
	ctx := context.Background()

	evt := testsupport.NewQueuedEvent("s1", t0)
	batch := messages(evt)

	require.NoError(t, p.processor.Handle(ctx, batch))
	require.NoError(t, p.processor.Handle(ctx, batch))

	var stored []events.Event
	require.NoError(t, p.db.Where("message_id = ?", evt.MessageID).Find(&stored).Error)
	assert.Len(t, stored, 1)

	session, err := p.sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 1, session.EventCount, "redelivery must not be counted twice")
}

func TestProcessorDedupWithinBatch(t *testing.T) {
	p := newPipeline(t, 0)

	evt := testsupport.NewQueuedEvent("s1", t0)
	dup := *evt
	dup.EventID = "another-event-id"

	require.NoError(t, p.processor.Handle(context.Background(), messages(evt, &dup)))

	assert.Equal(t, int64(1), testsupport.CountRows(t, p.db, &events.Event{}))
}

func TestProcessorBatchIsAtomic(t *testing.T) {
	p := newPipeline(t, 2)
	ctx := context.Background()

	fail := true
	chunks := 0
	require.NoError(t, p.db.Callback().Create().Before("gorm:create").Register("test:fail_second_chunk", func(tx *gorm.DB) {
		if tx.Statement.Schema == nil || tx.Statement.Schema.Table != "events" {
			return
		}
		chunks++
		if fail && chunks == 2 {
			tx.AddError(errors.New("disk I/O error"))
		}
	}))

	var evts []*events.QueuedEvent
	for i := 0; i < 5; i++ {
		evts = append(evts, testsupport.NewQueuedEvent("s1", t0.Add(time.Duration(i)*time.Second)))
	}
	batch := messages(evts...)

	err := p.processor.Handle(ctx, batch)
	require.Error(t, err)

	var perr *events.PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, 2, chunks)
	assert.Equal(t, int64(0), testsupport.CountRows(t, p.db, &events.Event{}))
	assert.Equal(t, int64(0), testsupport.CountRows(t, p.db, &events.Session{}))

	// Redelivery after the store recovers persists the full batch.
	fail = false
	require.NoError(t, p.processor.Handle(ctx, batch))
	assert.Equal(t, int64(5), testsupport.CountRows(t, p.db, &events.Event{}))
}

func TestProcessorChannelConditioning(t *testing.T) {
	p := newPipeline(t, 0)
	ctx := context.Background()

	wa := testsupport.NewQueuedEvent("wa-session", t0)
	wa.Context.Channel = events.ChannelWhatsApp
	wa.EventName = "message_received"
	wa.EventType = events.EventTypeTrack

	web := testsupport.NewQueuedEvent("web-session", t0)
	web.Context.Channel = ""

	require.NoError(t, p.processor.Handle(ctx, messages(wa, web)))

	var waRow events.Event
	require.NoError(t, p.db.Where("message_id = ?", wa.MessageID).Take(&waRow).Error)
	assert.Equal(t, events.ChannelWhatsApp, waRow.Channel)
	assert.Empty(t, waRow.CountryCode)
	assert.Empty(t, waRow.City)
	assert.Empty(t, waRow.DeviceType)
	assert.Empty(t, waRow.OSName)
	assert.Empty(t, waRow.BrowserName)
	assert.Empty(t, waRow.IPAddress)
	assert.Empty(t, waRow.UserAgent)
	assert.Empty(t, waRow.PagePath)
	assert.Empty(t, waRow.PageURL)

	var webRow events.Event
	require.NoError(t, p.db.Where("message_id = ?", web.MessageID).Take(&webRow).Error)
	assert.Equal(t, events.ChannelWeb, webRow.Channel)
	assert.Equal(t, "KE", webRow.CountryCode)
	assert.Equal(t, enrichment.DeviceMobile, webRow.DeviceType)
	assert.Equal(t, web.IPAddress, webRow.IPAddress)
	assert.Equal(t, "/", webRow.PagePath)

	// Only the web event reached the enrichment stage.
	assert.Equal(t, 1, p.enricher.geoCalls)
	assert.Equal(t, 1, p.enricher.deviceCalls)

	waSession, err := p.sessions.FindByID(ctx, "wa-session")
	require.NoError(t, err)
	require.NotNil(t, waSession)
	assert.Empty(t, waSession.DeviceType)
	assert.Empty(t, waSession.CountryCode)
}

func TestProcessorRetriedPublishStoresOneRow(t *testing.T) {
	p := newPipeline(t, 0)
	ctx := context.Background()

	transport := queue.NewMemoryTransport(queue.MemoryOptions{})
	defer transport.Close()
	require.NoError(t, transport.EnsureGroup(ctx, testStream, testGroup))
	producer := events.NewProducer(transport, testStream, testsupport.GetLogger())

	var copies []*events.QueuedEvent
	for i := 0; i < 3; i++ {
		evt := testsupport.NewQueuedEvent("s1", t0)
		evt.MessageID = "m1"
		copies = append(copies, evt)
	}

	_, err := producer.Publish(ctx, copies[0])
	require.NoError(t, err)
	_, err = producer.PublishBatch(ctx, copies[1:])
	require.NoError(t, err)

	depth, err := producer.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	// Two consumer batches: the first sees one copy, the second the other two.
	for _, count := range []int{1, 10} {
		entries, err := transport.ReadGroup(ctx, testStream, testGroup, "worker-1", count, 10*time.Millisecond)
		require.NoError(t, err)

		var batch []events.StreamMessage
		for _, entry := range entries {
			msg, err := events.Decode(entry)
			require.NoError(t, err)
			batch = append(batch, msg)
		}
		require.NoError(t, p.processor.Handle(ctx, batch))
	}

	var stored []events.Event
	require.NoError(t, p.db.Where("message_id = ?", "m1").Find(&stored).Error)
	assert.Len(t, stored, 1)
}

func TestProcessorSessionEntryPageAndUTM(t *testing.T) {
	p := newPipeline(t, 0)
	ctx := context.Background()

	paths := []string{"/features", "/docs", "/pricing", "/signup", "/blog"}
	offsets := []time.Duration{3 * time.Minute, 4 * time.Minute, 0, 2 * time.Minute, time.Minute}

	var evts []*events.QueuedEvent
	for i := range paths {
		evt := testsupport.NewQueuedEvent("s1", t0.Add(offsets[i]))
		evt.Context.Page.Path = paths[i]
		evt.Context.Page.URL = "https://example.com" + paths[i]
		if paths[i] == "/pricing" {
			evt.Properties = map[string]any{"utm_source": "newsletter"}
		}
		evts = append(evts, evt)
	}

	require.NoError(t, p.processor.Handle(ctx, messages(evts...)))

	session, err := p.sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "/pricing", session.EntryPage)
	assert.Equal(t, "newsletter", session.UTMSource)
	assert.Equal(t, 5, session.EventCount)
	assert.Equal(t, 5, session.PageCount)
	assert.WithinDuration(t, t0, session.StartedAt, time.Millisecond)
	assert.WithinDuration(t, t0.Add(4*time.Minute), session.EndedAt, time.Millisecond)
	assert.Equal(t, int64(240), session.DurationSeconds)
}

func TestProcessorConversionAcrossBatches(t *testing.T) {
	p := newPipeline(t, 0)
	ctx := context.Background()

	purchase := testsupport.NewQueuedEvent("s1", t0)
	purchase.EventName = "purchase"
	purchase.EventType = events.EventTypeTrack
	require.NoError(t, p.processor.Handle(ctx, messages(purchase)))

	require.NoError(t, p.processor.Handle(ctx, messages(testsupport.NewQueuedEvent("s1", t0.Add(time.Minute)))))

	session, err := p.sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, session.Converted)
	assert.Equal(t, "purchase", session.ConversionEvent)
	assert.Equal(t, 2, session.EventCount)
}

func TestProcessorSkipsEventsWithoutSession(t *testing.T) {
	p := newPipeline(t, 0)

	require.NoError(t, p.processor.Handle(context.Background(), messages(testsupport.NewQueuedEvent("", t0))))

	assert.Equal(t, int64(1), testsupport.CountRows(t, p.db, &events.Event{}))
	assert.Equal(t, int64(0), testsupport.CountRows(t, p.db, &events.Session{}))
}

type failingSessionStore struct {
	events.SessionStore
	failID string
}

func (s *failingSessionStore) Save(ctx context.Context, session *events.Session) error {
	if session.SessionID == s.failID {
		return &events.PersistenceError{Op: "save session", Err: errors.New("deadlock")}
	}
	return s.SessionStore.Save(ctx, session)
}

func TestProcessorSessionFailureIsNotFatal(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	sessions := &failingSessionStore{SessionStore: events.NewGormSessionStore(db), failID: "broken"}
	processor := events.NewProcessor(
		events.NewGormEventStore(db, 0),
		&stubEnricher{},
		events.NewSessionAggregator(sessions, nil, logger),
		logger,
	)

	err := processor.Handle(context.Background(), messages(
		testsupport.NewQueuedEvent("broken", t0),
		testsupport.NewQueuedEvent("healthy", t0),
	))
	require.NoError(t, err)

	assert.Equal(t, int64(2), testsupport.CountRows(t, db, &events.Event{}))
	healthy, err := sessions.FindByID(context.Background(), "healthy")
	require.NoError(t, err)
	assert.NotNil(t, healthy)
	broken, err := sessions.FindByID(context.Background(), "broken")
	require.NoError(t, err)
	assert.Nil(t, broken)
}

type erroringEventStore struct{}

func (erroringEventStore) MessageIDExists(context.Context, string) (bool, error) {
	return false, &events.PersistenceError{Op: "message id lookup", Err: errors.New("connection refused")}
}

func (erroringEventStore) SaveBatch(context.Context, []*events.Event) error {
	return nil
}

func TestProcessorDedupLookupFailureFailsBatch(t *testing.T) {
	processor := events.NewProcessor(erroringEventStore{}, &stubEnricher{}, nil, testsupport.GetLogger())

	err := processor.Handle(context.Background(), messages(testsupport.NewQueuedEvent("s1", t0)))

	var perr *events.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "message id lookup", perr.Op)
}
