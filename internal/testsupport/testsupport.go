package testsupport

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatnationwork/analytics-sub002/internal/database"
	"github.com/chatnationwork/analytics-sub002/internal/events"
)

// SetupTestDB creates a migrated test database.
// Uses a named in-memory database with cache=shared to allow multiple connections
// to share the same database within a test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sanitizedName := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	// A single connection keeps the shared in-memory database alive and
	// serializes writers the way the busy timeout does on disk.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("testsupport: failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})

	return db
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewQueuedEvent builds a valid web page event with fresh ids.
func NewQueuedEvent(sessionID string, ts time.Time) *events.QueuedEvent {
	return &events.QueuedEvent{
		EventID:     uuid.NewString(),
		MessageID:   uuid.NewString(),
		TenantID:    "tenant-1",
		ProjectID:   "project-1",
		EventName:   "page_view",
		EventType:   events.EventTypePage,
		Timestamp:   ts,
		AnonymousID: "anon-1",
		SessionID:   sessionID,
		Context: events.EventContext{
			Page: &events.PageContext{
				Path: "/",
				URL:  "https://example.com/",
			},
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Channel:   events.ChannelWeb,
			Library:   &events.LibraryContext{Name: "analytics-js", Version: "1.0.0"},
		},
		ReceivedAt: ts.Add(50 * time.Millisecond),
		IPAddress:  "41.90.64.10",
	}
}

// CountRows returns the number of rows of a model.
func CountRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("testsupport: failed to count rows: %v", err)
	}
	return n
}
