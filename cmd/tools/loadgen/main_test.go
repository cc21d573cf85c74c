package main

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/chatnationwork/analytics-sub002/api/v1"
	"github.com/chatnationwork/analytics-sub002/internal/events"
)

func TestGenerateEvent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sessions := []string{"5f0c7e2a-0000-4000-8000-000000000001"}

	whatsapp := generateEvent(rng, &LoadConfig{WhatsAppPct: 1}, sessions)
	assert.Equal(t, events.ChannelWhatsApp, whatsapp.Context.Channel)
	assert.Empty(t, whatsapp.Context.UserAgent)
	assert.Nil(t, whatsapp.Context.Page)
	assert.Equal(t, sessions[0], whatsapp.SessionID)

	for i := 0; i < 20; i++ {
		web := generateEvent(rng, &LoadConfig{WhatsAppPct: 0}, sessions)
		assert.Empty(t, web.Context.Channel)
		assert.NotEmpty(t, web.Context.UserAgent)
		require.NotNil(t, web.Context.Page)
		assert.NotEmpty(t, web.MessageID)
		assert.True(t, events.ValidEventType(web.EventType))
		if web.EventType == events.EventTypeTrack {
			assert.NotEmpty(t, web.EventName)
		}
	}
}

func TestSendChoosesEndpoint(t *testing.T) {
	var paths []string
	var batchLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "wk_load", r.Header.Get("X-Write-Key"))
		if r.URL.Path == "/v1/events/batch" {
			body, _ := io.ReadAll(r.Body)
			var payload v1.BatchPayload
			assert.NoError(t, json.Unmarshal(body, &payload))
			batchLen = len(payload.Batch)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := &LoadConfig{BaseURL: srv.URL, WriteKey: "wk_load"}
	rng := rand.New(rand.NewSource(2))
	sessions := []string{"5f0c7e2a-0000-4000-8000-000000000002"}
	client := srv.Client()

	single := send(context.Background(), client, cfg, []v1.EventPayload{generateEvent(rng, cfg, sessions)})
	require.NoError(t, single.Error)
	assert.Equal(t, http.StatusAccepted, single.StatusCode)

	batch := []v1.EventPayload{generateEvent(rng, cfg, sessions), generateEvent(rng, cfg, sessions), generateEvent(rng, cfg, sessions)}
	res := send(context.Background(), client, cfg, batch)
	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Events)

	assert.Equal(t, []string{"/v1/events", "/v1/events/batch"}, paths)
	assert.Equal(t, 3, batchLen)
}

func TestLoadStats(t *testing.T) {
	stats := &LoadStats{StatusCodes: make(map[int]int64)}
	stats.record(Result{Duration: 10 * time.Millisecond, StatusCode: http.StatusAccepted, Events: 5})
	stats.record(Result{Duration: 30 * time.Millisecond, StatusCode: http.StatusTooManyRequests, Events: 5})
	stats.record(Result{Duration: 20 * time.Millisecond, StatusCode: http.StatusAccepted, Events: 5})
	stats.record(Result{Events: 5, Error: io.ErrUnexpectedEOF})

	assert.Equal(t, int64(4), stats.Requests)
	assert.Equal(t, int64(20), stats.EventsSent)
	assert.Equal(t, int64(10), stats.Accepted)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(2), stats.StatusCodes[http.StatusAccepted])
	assert.Equal(t, 10*time.Millisecond, stats.percentile(0))
	assert.Equal(t, 20*time.Millisecond, stats.percentile(0.5))
	assert.Equal(t, 30*time.Millisecond, stats.percentile(1))
}
