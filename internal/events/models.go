package events

import "time"

// QueuedEvent is the wire record the ingestion edge places on the stream.
// MessageID is the idempotency key; EventID is informational only.
type QueuedEvent struct {
	EventID     string         `json:"eventId"`
	MessageID   string         `json:"messageId"`
	TenantID    string         `json:"tenantId"`
	ProjectID   string         `json:"projectId"`
	EventName   string         `json:"eventName"`
	EventType   string         `json:"eventType"`
	Timestamp   time.Time      `json:"timestamp"`
	AnonymousID string         `json:"anonymousId"`
	UserID      *string        `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId"`
	Context     EventContext   `json:"context"`
	Properties  map[string]any `json:"properties,omitempty"`
	ReceivedAt  time.Time      `json:"receivedAt"`
	IPAddress   string         `json:"ipAddress,omitempty"`
}

// EventContext carries client metadata attached by the tracking library.
type EventContext struct {
	Page      *PageContext    `json:"page,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Library   *LibraryContext `json:"library,omitempty"`
	Locale    string          `json:"locale,omitempty"`
	Timezone  string          `json:"timezone,omitempty"`
}

// PageContext describes the page an event was emitted from.
type PageContext struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Search   string `json:"search,omitempty"`
}

// LibraryContext identifies the emitting SDK.
type LibraryContext struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// StreamMessage is a decoded stream entry.
type StreamMessage struct {
	ID         string
	Event      QueuedEvent
	Deliveries int
}

// Event is a persisted, enriched event. Page, user agent, IP and enrichment
// columns are only populated for the web channel.
type Event struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	EventID        string    `gorm:"size:64;index"`
	MessageID      string    `gorm:"size:128;uniqueIndex;not null"`
	TenantID       string    `gorm:"size:64;index:idx_events_tenant_timestamp;not null"`
	ProjectID      string    `gorm:"size:64;index"`
	EventName      string    `gorm:"index"`
	EventType      string    `gorm:"size:16;not null"`
	Timestamp      time.Time `gorm:"index:idx_events_tenant_timestamp;not null"`
	AnonymousID    string    `gorm:"index"`
	UserID         *string   `gorm:"index"`
	SessionID      string    `gorm:"size:128;index"`
	Channel        string    `gorm:"size:32;not null"`
	PagePath       string
	PageURL        string
	PageTitle      string
	Referrer       string
	UserAgent      string
	IPAddress      string `gorm:"size:64"`
	CountryCode    string `gorm:"size:2"`
	City           string
	DeviceType     string `gorm:"size:16"`
	OSName         string
	OSVersion      string
	BrowserName    string
	BrowserVersion string
	IsBot          bool
	LibraryName    string
	LibraryVersion string
	Locale         string
	Timezone       string
	Properties     map[string]any `gorm:"serializer:json;type:text"`
	ReceivedAt     time.Time
	CreatedAt      time.Time
}

// Session is the rolling record the aggregator maintains per session id.
type Session struct {
	SessionID       string    `gorm:"primaryKey;size:128"`
	TenantID        string    `gorm:"size:64;index;not null"`
	ProjectID       string    `gorm:"size:64;index"`
	AnonymousID     string    `gorm:"index"`
	UserID          *string   `gorm:"index"`
	Channel         string    `gorm:"size:32"`
	StartedAt       time.Time `gorm:"index"`
	EndedAt         time.Time
	EventCount      int
	PageCount       int
	DurationSeconds int64
	EntryPage       string
	Referrer        string
	DeviceType      string `gorm:"size:16"`
	CountryCode     string `gorm:"size:2"`
	UTMSource       string
	UTMMedium       string
	UTMCampaign     string
	UTMTerm         string
	UTMContent      string
	Converted       bool `gorm:"index"`
	ConversionEvent string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeadLetter records a stream entry that could not be decoded.
type DeadLetter struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Stream     string `gorm:"index;not null"`
	StreamID   string `gorm:"index;not null"`
	Payload    string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Deliveries int
	CreatedAt  time.Time
}
