// Package queue provides the append-only stream transport that carries
// serialized events from the ingestion edge to the workers.
package queue

import (
	"context"
	"fmt"
	"time"
)

// DataField is the field that carries the serialized event payload.
const DataField = "data"

// Fields is the field set of a single stream entry.
type Fields map[string]string

// Entry is a stream entry delivered to a consumer group member.
type Entry struct {
	ID         string
	Fields     Fields
	Deliveries int
}

// Transport is a log-structured stream with competing-consumer groups.
//
// Within a group an entry is delivered to one member at a time. Entries
// that are not acknowledged may be delivered again, so consumers must be
// idempotent.
type Transport interface {
	// Append adds an entry to the stream and returns its id.
	Append(ctx context.Context, stream string, fields Fields) (string, error)
	// AppendBatch pipelines several appends. The first failure is returned;
	// entries appended before it stay in the stream.
	AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error)
	// EnsureGroup creates the group if it does not exist yet.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup returns up to count entries not yet delivered to the group,
	// waiting at most block for new data. An empty result means timeout.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// Ack removes entries from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Len returns the unconsumed backlog: entries the slowest group has not
	// acknowledged, or every retained entry while no group exists.
	Len(ctx context.Context, stream string) (int64, error)
	Close() error
}

// TransportError reports a failed transport operation.
type TransportError struct {
	Op     string
	Stream string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s on stream %q: %v", e.Op, e.Stream, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError.
func NewTransportError(op, stream string, err error) *TransportError {
	return &TransportError{Op: op, Stream: stream, Err: err}
}
