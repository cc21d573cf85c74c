package events

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SessionAggregator folds newly persisted events into session records.
type SessionAggregator struct {
	store       SessionStore
	conversions map[string]struct{}
	logger      *slog.Logger
}

// NewSessionAggregator creates an aggregator. conversionEvents lists the
// event names that mark a session as converted, matched case-insensitively.
func NewSessionAggregator(store SessionStore, conversionEvents []string, logger *slog.Logger) *SessionAggregator {
	conversions := make(map[string]struct{}, len(conversionEvents))
	for _, name := range conversionEvents {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			conversions[name] = struct{}{}
		}
	}
	return &SessionAggregator{
		store:       store,
		conversions: conversions,
		logger:      logger,
	}
}

// IsConversion reports whether an event name indicates a conversion.
func (a *SessionAggregator) IsConversion(eventName string) bool {
	_, ok := a.conversions[strings.ToLower(strings.TrimSpace(eventName))]
	return ok
}

// Aggregate applies one batch of events of a single session and upserts the
// result.
func (a *SessionAggregator) Aggregate(ctx context.Context, sessionID string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	existing, err := a.store.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}

	session := FoldSession(existing, events, a.IsConversion)

	if err := a.store.Save(ctx, session); err != nil {
		return err
	}

	a.logger.Debug("Session aggregated",
		slog.String("session_id", sessionID),
		slog.Bool("created", existing == nil),
		slog.Int("batch_events", len(events)),
		slog.Int("event_count", session.EventCount),
		slog.Bool("converted", session.Converted))
	return nil
}

// FoldSession applies a batch of events belonging to one session to the
// existing record, or creates the record when existing is nil. existing is
// not modified.
//
// First-touch attribution is taken from the earliest event of the creating
// batch and is never revised. StartedAt and EndedAt only widen. UserID is
// filled once. Converted never goes back to false.
func FoldSession(existing *Session, events []*Event, isConversion func(eventName string) bool) *Session {
	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	first := sorted[0]
	last := sorted[len(sorted)-1]

	var session Session
	if existing == nil {
		utm := ExtractUTM(first.Properties, first.PageURL)
		session = Session{
			SessionID:   first.SessionID,
			TenantID:    first.TenantID,
			ProjectID:   first.ProjectID,
			AnonymousID: first.AnonymousID,
			Channel:     first.Channel,
			StartedAt:   first.Timestamp,
			EndedAt:     last.Timestamp,
			EntryPage:   first.PagePath,
			Referrer:    first.Referrer,
			DeviceType:  first.DeviceType,
			CountryCode: first.CountryCode,
			UTMSource:   utm.Source,
			UTMMedium:   utm.Medium,
			UTMCampaign: utm.Campaign,
			UTMTerm:     utm.Term,
			UTMContent:  utm.Content,
		}
	} else {
		session = *existing
		if first.Timestamp.Before(session.StartedAt) {
			session.StartedAt = first.Timestamp
		}
		if last.Timestamp.After(session.EndedAt) {
			session.EndedAt = last.Timestamp
		}
	}

	if session.UserID == nil {
		for _, e := range sorted {
			if e.UserID != nil && *e.UserID != "" {
				userID := *e.UserID
				session.UserID = &userID
				break
			}
		}
	}

	session.EventCount += len(sorted)
	for _, e := range sorted {
		if IsPageView(e.EventType, e.EventName) {
			session.PageCount++
		}
	}

	session.DurationSeconds = int64(session.EndedAt.Sub(session.StartedAt).Seconds())

	if !session.Converted && isConversion != nil {
		for _, e := range sorted {
			if isConversion(e.EventName) {
				session.Converted = true
				session.ConversionEvent = e.EventName
				break
			}
		}
	}

	return &session
}
