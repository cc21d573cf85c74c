// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/chatnationwork/analytics-sub002/api/v1"
	"github.com/chatnationwork/analytics-sub002/internal/config"
	"github.com/chatnationwork/analytics-sub002/internal/events"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
	"github.com/chatnationwork/analytics-sub002/internal/testsupport"
)

const writeKey = "wk_test_123"

type fakePublisher struct {
	mu        sync.Mutex
	published []*events.QueuedEvent
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, evt *events.QueuedEvent) (string, error) {
	ids, err := p.PublishBatch(ctx, []*events.QueuedEvent{evt})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (p *fakePublisher) PublishBatch(_ context.Context, evts []*events.QueuedEvent) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ids := make([]string, len(evts))
	for i, evt := range evts {
		p.published = append(p.published, evt)
		ids[i] = evt.MessageID
	}
	return ids, nil
}

func (p *fakePublisher) events() []*events.QueuedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.QueuedEvent(nil), p.published...)
}

func newTestApp(t *testing.T, publisher v1.Publisher, opts ...func(*v1.RouteOptions)) *fiber.App {
	t.Helper()
	app := fiber.New()
	ro := v1.RouteOptions{
		Publisher: publisher,
		WriteKeys: map[string]config.WriteKey{
			writeKey: {TenantID: "tenant-1", ProjectID: "project-1"},
		},
		Logger: testsupport.GetLogger(),
	}
	for _, opt := range opts {
		opt(&ro)
	}
	v1.MountRoutes(app, ro)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var respBody map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &respBody), string(raw))
	}
	return resp, respBody
}

func pageEvent() map[string]any {
	return map[string]any{
		"messageId":   "m-1",
		"eventType":   "page",
		"timestamp":   "2026-05-01T12:00:00Z",
		"anonymousId": "anon-1",
		"sessionId":   "s-1",
		"context": map[string]any{
			"page": map[string]any{"path": "/pricing", "url": "https://example.com/pricing"},
		},
		"properties": map[string]any{"utm_source": "newsletter"},
	}
}

func TestCreateEvent(t *testing.T) {
	t.Run("accepts an event and fills server-side fields", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		resp, body := postJSON(t, app, "/v1/events", pageEvent(), map[string]string{
			"X-Write-Key":     writeKey,
			"User-Agent":      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
			"X-Forwarded-For": "203.0.113.7, 10.0.0.1",
		})

		require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
		assert.Equal(t, "m-1", body["messageId"])

		published := publisher.events()
		require.Len(t, published, 1)
		evt := published[0]
		assert.Equal(t, "tenant-1", evt.TenantID)
		assert.Equal(t, "project-1", evt.ProjectID)
		assert.Equal(t, "page_view", evt.EventName)
		assert.Equal(t, events.ChannelWeb, evt.Context.Channel)
		assert.Equal(t, "203.0.113.7", evt.IPAddress)
		assert.Contains(t, evt.Context.UserAgent, "iPhone")
		assert.Equal(t, "/pricing", evt.Context.Page.Path)
		assert.Equal(t, "newsletter", evt.Properties["utm_source"])
		assert.False(t, evt.ReceivedAt.IsZero())
		assert.NotEmpty(t, evt.EventID)
	})

	t.Run("accepts bearer write keys and generates message ids", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		evt := pageEvent()
		delete(evt, "messageId")
		resp, body := postJSON(t, app, "/v1/events", evt, map[string]string{
			"Authorization": "Bearer " + writeKey,
		})

		require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
		require.Len(t, publisher.events(), 1)
		assert.NotEmpty(t, publisher.events()[0].MessageID)
		assert.Equal(t, publisher.events()[0].MessageID, body["messageId"])
	})

	t.Run("does not attach ip or user agent to whatsapp events", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		resp, _ := postJSON(t, app, "/v1/events", map[string]any{
			"eventType":   "track",
			"eventName":   "message_received",
			"anonymousId": "254700000000",
			"context":     map[string]any{"channel": "WhatsApp"},
		}, map[string]string{
			"X-Write-Key":     writeKey,
			"User-Agent":      "WhatsApp-Webhook/1.0",
			"X-Forwarded-For": "203.0.113.7",
		})

		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		evt := publisher.events()[0]
		assert.Equal(t, events.ChannelWhatsApp, evt.Context.Channel)
		assert.Empty(t, evt.IPAddress)
		assert.Empty(t, evt.Context.UserAgent)
	})

	t.Run("rejects requests without a valid write key", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		for name, headers := range map[string]map[string]string{
			"missing":   {},
			"unknown":   {"X-Write-Key": "wk_other"},
			"malformed": {"Authorization": "Basic " + writeKey},
		} {
			resp, _ := postJSON(t, app, "/v1/events", pageEvent(), headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		}
		assert.Empty(t, publisher.events())
	})

	t.Run("validates the payload", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)
		headers := map[string]string{"X-Write-Key": writeKey}

		tests := []struct {
			name  string
			patch func(map[string]any)
		}{
			{"unknown event type", func(e map[string]any) { e["eventType"] = "click" }},
			{"track without name", func(e map[string]any) { e["eventType"] = "track" }},
			{"no identity", func(e map[string]any) { delete(e, "anonymousId") }},
			{"bad timestamp", func(e map[string]any) { e["timestamp"] = "yesterday" }},
		}
		for _, tt := range tests {
			evt := pageEvent()
			tt.patch(evt)
			resp, body := postJSON(t, app, "/v1/events", evt, headers)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tt.name)
			assert.NotEmpty(t, body["error"], tt.name)
		}
		assert.Empty(t, publisher.events())
	})

	t.Run("accepts lenient ISO-8601 timestamps", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)
		headers := map[string]string{"X-Write-Key": writeKey}

		tests := []struct {
			timestamp any
			want      time.Time
		}{
			{"2026-05-01T12:00:00", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
			{"2026-05-01T12:00:00.250", time.Date(2026, 5, 1, 12, 0, 0, 250_000_000, time.UTC)},
			{"2026-05-01T15:00:00+0300", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
			{"2026-05-01 12:00:00", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
			{1777636800000, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		}
		for _, tt := range tests {
			evt := pageEvent()
			evt["timestamp"] = tt.timestamp
			resp, body := postJSON(t, app, "/v1/events", evt, headers)
			require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

			published := publisher.events()
			got := published[len(published)-1].Timestamp
			assert.True(t, tt.want.Equal(got), "%v: got %v", tt.timestamp, got)
		}

		evt := pageEvent()
		evt["timestamp"] = ""
		resp, _ := postJSON(t, app, "/v1/events", evt, headers)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		published := publisher.events()
		assert.True(t, published[len(published)-1].Timestamp.IsZero(), "empty timestamp falls back to the receive time downstream")
	})

	t.Run("reports an unavailable queue", func(t *testing.T) {
		publisher := &fakePublisher{err: queue.NewTransportError("append", "analytics_events", errors.New("no responders"))}
		app := newTestApp(t, publisher)

		resp, body := postJSON(t, app, "/v1/events", pageEvent(), map[string]string{"X-Write-Key": writeKey})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "QUEUE_UNAVAILABLE", body["code"])
	})
}

func TestCreateEventBatch(t *testing.T) {
	headers := map[string]string{"X-Write-Key": writeKey}

	t.Run("accepts a batch", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		var batch []map[string]any
		for _, id := range []string{"m-1", "m-2", "m-3"} {
			evt := pageEvent()
			evt["messageId"] = id
			batch = append(batch, evt)
		}

		resp, body := postJSON(t, app, "/v1/events/batch", map[string]any{"batch": batch}, headers)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
		assert.Equal(t, float64(3), body["accepted"])
		assert.Equal(t, []any{"m-1", "m-2", "m-3"}, body["messageIds"])

		published := publisher.events()
		require.Len(t, published, 3)
		assert.Equal(t, published[0].ReceivedAt, published[2].ReceivedAt)
	})

	t.Run("rejects the whole batch when one event is invalid", func(t *testing.T) {
		publisher := &fakePublisher{}
		app := newTestApp(t, publisher)

		bad := pageEvent()
		bad["eventType"] = "unknown"
		resp, _ := postJSON(t, app, "/v1/events/batch", map[string]any{"batch": []any{pageEvent(), bad}}, headers)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, publisher.events())
	})

	t.Run("rejects empty and oversized batches", func(t *testing.T) {
		app := newTestApp(t, &fakePublisher{})

		resp, _ := postJSON(t, app, "/v1/events/batch", map[string]any{"batch": []any{}}, headers)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		big := make([]map[string]any, v1.MaxBatchSize+1)
		for i := range big {
			big[i] = pageEvent()
		}
		resp, _ = postJSON(t, app, "/v1/events/batch", map[string]any{"batch": big}, headers)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

func TestEventsReachTheQueue(t *testing.T) {
	transport := queue.NewMemoryTransport(queue.MemoryOptions{})
	defer transport.Close()
	producer := events.NewProducer(transport, "analytics_events", testsupport.GetLogger())
	app := newTestApp(t, producer)

	resp, _ := postJSON(t, app, "/v1/events", pageEvent(), map[string]string{"X-Write-Key": writeKey})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	depth, err := producer.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Run("reports ok", func(t *testing.T) {
		app := newTestApp(t, &fakePublisher{}, func(o *v1.RouteOptions) {
			o.DBCheck = func(context.Context) error { return nil }
			o.QueueCheck = func(context.Context) error { return nil }
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health v1.HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "ok", health.Status)
		assert.Equal(t, "ok", health.QueueStatus)
	})

	t.Run("reports degraded queue", func(t *testing.T) {
		app := newTestApp(t, &fakePublisher{}, func(o *v1.RouteOptions) {
			o.DBCheck = func(context.Context) error { return nil }
			o.QueueCheck = func(context.Context) error { return errors.New("nats: connection closed") }
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)

		var health v1.HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "degraded", health.Status)
		assert.Equal(t, "ok", health.DBStatus)
		assert.Equal(t, "error", health.QueueStatus)
	})

	t.Run("serves prometheus metrics", func(t *testing.T) {
		app := newTestApp(t, &fakePublisher{})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "analytics_queue_depth"))
	})
}

func TestRateLimit(t *testing.T) {
	app := newTestApp(t, &fakePublisher{}, func(o *v1.RouteOptions) { o.RateLimit = 2 })
	headers := map[string]string{"X-Write-Key": writeKey, "X-Forwarded-For": "198.51.100.4"}

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, app, "/v1/events", pageEvent(), headers)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := postJSON(t, app, "/v1/events", pageEvent(), headers)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
