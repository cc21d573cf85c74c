package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/chatnationwork/analytics-sub002/internal/config"
	"github.com/chatnationwork/analytics-sub002/internal/events"
	"github.com/chatnationwork/analytics-sub002/internal/metrics"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

const (
	msgEventAccepted  = "Event accepted"
	errInvalidRequest = "Invalid request"

	// MaxBatchSize is the largest number of events accepted in one batch request.
	MaxBatchSize = 500
)

// Publisher places events on the queue. *events.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt *events.QueuedEvent) (string, error)
	PublishBatch(ctx context.Context, evts []*events.QueuedEvent) ([]string, error)
}

// EventPayload is an event as sent by a tracking library. Tenant, project,
// receive time and client IP are assigned by the server.
type EventPayload struct {
	EventID     string              `json:"eventId"`
	MessageID   string              `json:"messageId"`
	EventName   string              `json:"eventName"`
	EventType   string              `json:"eventType"`
	Timestamp   Timestamp           `json:"timestamp"`
	AnonymousID string              `json:"anonymousId"`
	UserID      *string             `json:"userId"`
	SessionID   string              `json:"sessionId"`
	Context     events.EventContext `json:"context"`
	Properties  map[string]any      `json:"properties"`
}

// BatchPayload is the body of a batch request.
type BatchPayload struct {
	Batch []EventPayload `json:"batch"`
}

// EventsHandler serves the ingestion endpoints.
type EventsHandler struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEventsHandler creates the ingestion handler.
func NewEventsHandler(publisher Publisher, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateEvent accepts a single event and answers 202 once it is queued.
func (h *EventsHandler) CreateEvent(c *fiber.Ctx) error {
	var payload EventPayload
	if err := c.BodyParser(&payload); err != nil {
		h.logger.Debug("Failed to parse event request", slog.Any("error", err))
		return handleError(c, fiber.NewError(http.StatusBadRequest, errInvalidRequest))
	}

	evt, err := h.queuedEvent(c, writeKeyFrom(c), payload, h.now().UTC())
	if err != nil {
		return handleError(c, err)
	}

	id, err := h.publisher.Publish(c.UserContext(), evt)
	if err != nil {
		return h.publishError(c, err, 1)
	}

	metrics.EventsIngested.WithLabelValues(evt.Context.Channel).Inc()
	h.logger.Debug("Queued event",
		slog.String("message_id", evt.MessageID),
		slog.String("tenant_id", evt.TenantID),
		slog.String("stream_id", id))

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"message":   msgEventAccepted,
		"status":    http.StatusAccepted,
		"messageId": evt.MessageID,
	})
}

// CreateEventBatch accepts up to MaxBatchSize events in one request. The
// batch is rejected as a whole if any event is invalid.
func (h *EventsHandler) CreateEventBatch(c *fiber.Ctx) error {
	var payload BatchPayload
	if err := c.BodyParser(&payload); err != nil {
		h.logger.Debug("Failed to parse batch request", slog.Any("error", err))
		return handleError(c, fiber.NewError(http.StatusBadRequest, errInvalidRequest))
	}

	if len(payload.Batch) == 0 {
		return handleError(c, fiber.NewError(http.StatusBadRequest, "Batch is empty"))
	}
	if len(payload.Batch) > MaxBatchSize {
		return handleError(c, fiber.NewError(http.StatusRequestEntityTooLarge, "Batch exceeds 500 events"))
	}

	owner := writeKeyFrom(c)
	receivedAt := h.now().UTC()
	batch := make([]*events.QueuedEvent, 0, len(payload.Batch))
	for _, p := range payload.Batch {
		evt, err := h.queuedEvent(c, owner, p, receivedAt)
		if err != nil {
			return handleError(c, err)
		}
		batch = append(batch, evt)
	}

	if _, err := h.publisher.PublishBatch(c.UserContext(), batch); err != nil {
		return h.publishError(c, err, len(batch))
	}

	messageIDs := make([]string, len(batch))
	for i, evt := range batch {
		metrics.EventsIngested.WithLabelValues(evt.Context.Channel).Inc()
		messageIDs[i] = evt.MessageID
	}

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"message":    msgEventAccepted,
		"status":     http.StatusAccepted,
		"accepted":   len(batch),
		"messageIds": messageIDs,
	})
}

// queuedEvent validates a payload and completes it with the server-side fields.
func (h *EventsHandler) queuedEvent(c *fiber.Ctx, owner config.WriteKey, p EventPayload, receivedAt time.Time) (*events.QueuedEvent, error) {
	p.EventType = strings.ToLower(strings.TrimSpace(p.EventType))
	if !events.ValidEventType(p.EventType) {
		return nil, fiber.NewError(http.StatusBadRequest, "eventType must be one of page, track, identify")
	}
	if p.EventType == events.EventTypeTrack && strings.TrimSpace(p.EventName) == "" {
		return nil, fiber.NewError(http.StatusBadRequest, "eventName is required for track events")
	}
	if p.AnonymousID == "" && (p.UserID == nil || *p.UserID == "") {
		return nil, fiber.NewError(http.StatusBadRequest, "anonymousId or userId is required")
	}

	if p.EventType == events.EventTypePage && p.EventName == "" {
		p.EventName = "page_view"
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.EventID == "" {
		p.EventID = uuid.NewString()
	}

	evt := &events.QueuedEvent{
		EventID:     p.EventID,
		MessageID:   p.MessageID,
		TenantID:    owner.TenantID,
		ProjectID:   owner.ProjectID,
		EventName:   p.EventName,
		EventType:   p.EventType,
		Timestamp:   p.Timestamp.Time,
		AnonymousID: p.AnonymousID,
		UserID:      p.UserID,
		SessionID:   p.SessionID,
		Context:     p.Context,
		Properties:  p.Properties,
		ReceivedAt:  receivedAt,
	}
	evt.Context.Channel = events.NormalizeChannel(evt.Context.Channel)

	// Client IP and user agent only mean something for browser traffic.
	if evt.Context.Channel == events.ChannelWeb {
		evt.IPAddress = clientIP(c)
		if evt.Context.UserAgent == "" {
			evt.Context.UserAgent = c.Get("User-Agent")
			if forwardedUA := c.Get("X-Forwarded-User-Agent"); forwardedUA != "" {
				evt.Context.UserAgent = forwardedUA
			}
		}
	}

	return evt, nil
}

func (h *EventsHandler) publishError(c *fiber.Ctx, err error, count int) error {
	h.logger.Error("Failed to queue events",
		slog.Int("count", count),
		slog.Any("error", err))

	var transportErr *queue.TransportError
	if errors.As(err, &transportErr) {
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Event queue unavailable",
			"code":  "QUEUE_UNAVAILABLE",
		})
	}

	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to queue event",
		"code":  "COLLECTION_ERROR",
	})
}

func handleError(c *fiber.Ctx, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
		"error": errInvalidRequest,
	})
}
