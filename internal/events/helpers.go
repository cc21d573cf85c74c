package events

import (
	"github.com/chatnationwork/analytics-sub002/internal/enrichment"
)

// Enricher derives geographic and device attributes. *enrichment.Stage
// satisfies it.
type Enricher interface {
	EnrichGeo(ipAddress string) enrichment.Geo
	EnrichDevice(userAgent string) enrichment.Device
}

// BuildEvent turns a queued event into the record to persist. Web events
// are enriched; events from any other channel keep page, user agent, IP and
// enrichment columns empty because those values mean nothing there.
func BuildEvent(q *QueuedEvent, enricher Enricher) *Event {
	channel := NormalizeChannel(q.Context.Channel)

	event := &Event{
		EventID:     q.EventID,
		MessageID:   q.MessageID,
		TenantID:    q.TenantID,
		ProjectID:   q.ProjectID,
		EventName:   q.EventName,
		EventType:   q.EventType,
		Timestamp:   q.Timestamp,
		AnonymousID: q.AnonymousID,
		UserID:      nonEmpty(q.UserID),
		SessionID:   q.SessionID,
		Channel:     channel,
		Locale:      q.Context.Locale,
		Timezone:    q.Context.Timezone,
		Properties:  q.Properties,
		ReceivedAt:  q.ReceivedAt,
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = q.ReceivedAt
	}
	if lib := q.Context.Library; lib != nil {
		event.LibraryName = lib.Name
		event.LibraryVersion = lib.Version
	}

	if channel != ChannelWeb {
		return event
	}

	if page := q.Context.Page; page != nil {
		event.PagePath = page.Path
		event.PageURL = page.URL
		event.PageTitle = page.Title
		event.Referrer = page.Referrer
	}
	event.UserAgent = q.Context.UserAgent
	event.IPAddress = q.IPAddress

	geo := enricher.EnrichGeo(q.IPAddress)
	event.CountryCode = geo.CountryCode
	event.City = geo.City

	device := enricher.EnrichDevice(q.Context.UserAgent)
	event.DeviceType = device.DeviceType
	event.OSName = device.OSName
	event.OSVersion = device.OSVersion
	event.BrowserName = device.BrowserName
	event.BrowserVersion = device.BrowserVersion
	event.IsBot = device.IsBot

	return event
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
