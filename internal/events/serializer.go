package events

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

// ErrMissingPayload is returned when a stream entry has no data field.
var ErrMissingPayload = errors.New("stream entry has no data field")

// DecodeError reports a stream entry that cannot be turned into a StreamMessage.
// Such entries will fail on every delivery.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream entry %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes an event into the field set appended to the stream.
func Encode(evt *QueuedEvent) (queue.Fields, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", evt.MessageID, err)
	}
	return queue.Fields{queue.DataField: string(data)}, nil
}

// Decode turns a stream entry back into a StreamMessage. Entries without a
// message id or tenant cannot be stored and are rejected.
func Decode(entry queue.Entry) (StreamMessage, error) {
	data, ok := entry.Fields[queue.DataField]
	if !ok || data == "" {
		return StreamMessage{}, &DecodeError{ID: entry.ID, Err: ErrMissingPayload}
	}

	var evt QueuedEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return StreamMessage{}, &DecodeError{ID: entry.ID, Err: err}
	}
	if evt.MessageID == "" {
		return StreamMessage{}, &DecodeError{ID: entry.ID, Err: errors.New("event has no messageId")}
	}
	if evt.TenantID == "" {
		return StreamMessage{}, &DecodeError{ID: entry.ID, Err: errors.New("event has no tenantId")}
	}

	return StreamMessage{ID: entry.ID, Event: evt, Deliveries: entry.Deliveries}, nil
}
