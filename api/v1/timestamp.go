package v1

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// timestampLayouts are the ISO-8601 forms accepted from tracking libraries.
// Forms without a zone are read as UTC. Fractional seconds are accepted after
// the seconds field of every layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Timestamp is a client event time. It unmarshals ISO-8601 strings with or
// without a zone, and numbers as Unix milliseconds. null and "" leave it zero
// so the receive time is used instead.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses an ISO-8601 date-time leniently.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not an ISO-8601 date-time", value)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("timestamp must be a string or Unix milliseconds: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := ParseTimestamp(value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}
