package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

// EventStore is the persistence boundary for events.
type EventStore interface {
	MessageIDExists(ctx context.Context, messageID string) (bool, error)
	// SaveBatch stores every event or none of them.
	SaveBatch(ctx context.Context, events []*Event) error
}

// SessionStore is the persistence boundary for sessions.
type SessionStore interface {
	// FindByID returns nil without error when the session does not exist.
	FindByID(ctx context.Context, sessionID string) (*Session, error)
	// Save inserts or replaces the session.
	Save(ctx context.Context, session *Session) error
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DefaultChunkSize is the number of rows per INSERT statement in SaveBatch.
const DefaultChunkSize = 100

// GormEventStore implements EventStore on gorm.
type GormEventStore struct {
	db        *gorm.DB
	chunkSize int
}

// NewGormEventStore creates an event store. chunkSize <= 0 uses DefaultChunkSize.
func NewGormEventStore(db *gorm.DB, chunkSize int) *GormEventStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &GormEventStore{db: db, chunkSize: chunkSize}
}

func (s *GormEventStore) MessageIDExists(ctx context.Context, messageID string) (bool, error) {
	var event Event
	err := s.db.WithContext(ctx).
		Select("id").
		Where("message_id = ?", messageID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "message id lookup", Err: err}
	}
	return true, nil
}

// SaveBatch inserts the events in chunks inside one transaction.
func (s *GormEventStore) SaveBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(events, s.chunkSize).Error
	})
	if err != nil {
		return &PersistenceError{Op: "save batch", Err: err}
	}
	return nil
}

// GormSessionStore implements SessionStore on gorm.
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore creates a session store.
func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

func (s *GormSessionStore) FindByID(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find session", Err: err}
	}
	return &session, nil
}

// Save upserts the session in a single statement.
func (s *GormSessionStore) Save(ctx context.Context, session *Session) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(session).Error
	if err != nil {
		return &PersistenceError{Op: "save session", Err: err}
	}
	return nil
}

// GormDeadLetterStore records undecodable stream entries.
type GormDeadLetterStore struct {
	db *gorm.DB
}

// NewGormDeadLetterStore creates a dead letter store.
func NewGormDeadLetterStore(db *gorm.DB) *GormDeadLetterStore {
	return &GormDeadLetterStore{db: db}
}

// Record stores the raw entry together with the reason it was rejected.
func (s *GormDeadLetterStore) Record(ctx context.Context, stream string, entry queue.Entry, cause error) error {
	letter := &DeadLetter{
		Stream:     stream,
		StreamID:   entry.ID,
		Payload:    entry.Fields[queue.DataField],
		Error:      cause.Error(),
		Deliveries: entry.Deliveries,
	}
	if err := s.db.WithContext(ctx).Create(letter).Error; err != nil {
		return &PersistenceError{Op: "record dead letter", Err: err}
	}
	return nil
}

// Stats summarizes what the pipeline has stored.
type Stats struct {
	Events           int64
	Sessions         int64
	ConvertedSession int64
	DeadLetters      int64
	LastEventAt      *time.Time
}

// GetStats counts stored events, sessions and dead letters.
func GetStats(ctx context.Context, db *gorm.DB) (*Stats, error) {
	db = db.WithContext(ctx)
	stats := &Stats{}

	if err := db.Model(&Event{}).Count(&stats.Events).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	if err := db.Model(&Session{}).Count(&stats.Sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := db.Model(&Session{}).Where("converted = ?", true).Count(&stats.ConvertedSession).Error; err != nil {
		return nil, fmt.Errorf("failed to count converted sessions: %w", err)
	}
	if err := db.Model(&DeadLetter{}).Count(&stats.DeadLetters).Error; err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	if stats.Events > 0 {
		var last Event
		if err := db.Select("received_at").Order("received_at desc").Take(&last).Error; err != nil {
			return nil, fmt.Errorf("failed to find last event: %w", err)
		}
		stats.LastEventAt = &last.ReceivedAt
	}

	return stats, nil
}
