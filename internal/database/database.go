package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatnationwork/analytics-sub002/internal/config"
	"github.com/chatnationwork/analytics-sub002/internal/events"
)

// Models returns every model managed by the pipeline.
func Models() []any {
	return []any{
		&events.Event{},
		&events.Session{},
		&events.DeadLetter{},
	}
}

// Manager owns the database connection. SQLite goes through cartridge's
// sqlite.Manager (WAL, immediate transactions, busy timeout) so the API and
// the worker can share one file; Postgres is opened with gorm directly.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	sqlite *sqlite.Manager
	db     *gorm.DB
}

// NewManager prepares a manager for the configured database. Call Init to connect.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger}
	if cfg.DatabaseType != config.PostgresDatabase {
		m.sqlite = sqlite.NewManager(sqlite.Config{
			Path:         cfg.GetDatabasePath(),
			MaxOpenConns: cfg.GetMaxOpenConns(),
			MaxIdleConns: cfg.GetMaxIdleConns(),
			Logger:       logger,
			EnableWAL:    true,
			TxImmediate:  true,
			BusyTimeout:  5000,
		})
	}
	return m
}

// Init connects to the database.
func (m *Manager) Init() error {
	if m.sqlite != nil {
		if err := os.MkdirAll(filepath.Dir(m.cfg.GetDatabasePath()), 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
		if _, err := m.sqlite.Connect(); err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		m.db = m.sqlite.GetConnection()
	} else {
		db, err := gorm.Open(postgres.Open(m.cfg.DatabaseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(gormLogLevel(m.cfg)),
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(m.cfg.GetMaxOpenConns())
		sqlDB.SetMaxIdleConns(m.cfg.GetMaxIdleConns())
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		m.db = db
	}

	m.logger.Info("Database connected",
		slog.String("type", m.cfg.DatabaseType),
		slog.Int("max_open_conns", m.cfg.GetMaxOpenConns()))
	return nil
}

// GetConnection returns the gorm handle, nil before Init.
func (m *Manager) GetConnection() *gorm.DB {
	return m.db
}

// Migrate creates or updates the schema inside a transaction. On SQLite the
// WAL is checkpointed afterwards so the schema lands in the main file.
func (m *Manager) Migrate() error {
	if err := Migrate(m.db); err != nil {
		m.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if m.sqlite != nil {
		if err := m.sqlite.CheckpointWAL("FULL"); err != nil {
			m.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
		}
	}

	m.logger.Info("Database migration completed successfully")
	return nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate runs the schema migration on db.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}
	return db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(Models()...)
	})
}

func gormLogLevel(cfg *config.Config) logger.LogLevel {
	if cfg.IsDevelopment() && cfg.LogLevel == config.LogLevelDebug {
		return logger.Warn
	}
	return logger.Silent
}
