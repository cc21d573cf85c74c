// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase   = "sqlite"
	PostgresDatabase = "postgres"
)

// Queue backends
const (
	NATSQueue   = "nats"
	MemoryQueue = "memory"
)

// Process roles. A worker-only process runs the consumer loop without the HTTP edge,
// which is how several workers share one consumer group.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	Role        string   `mapstructure:"role"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabasePath         string `mapstructure:"storagepath"`
	DatabaseName         string `mapstructure:"-"` // Derived from other settings
	DatabaseDSN          string `mapstructure:"dbdsn"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`
	StoreChunkSize       int    `mapstructure:"storechunksize"`

	// Enrichment
	GeoDBPath string `mapstructure:"geodbpath"`

	// Queue settings
	QueueBackend      string        `mapstructure:"queuebackend"`
	NATSURL           string        `mapstructure:"natsurl"`
	NATSEmbedded      bool          `mapstructure:"natsembedded"`
	NATSStoreDir      string        `mapstructure:"natsstoredir"`
	StreamKey         string        `mapstructure:"streamkey"`
	StreamMaxAge      time.Duration `mapstructure:"streammaxage"`
	ConsumerGroup     string        `mapstructure:"consumergroup"`
	ConsumerBatchSize int           `mapstructure:"consumerbatchsize"`
	ConsumerBlock     time.Duration `mapstructure:"consumerblock"`
	ConsumerBackoff   time.Duration `mapstructure:"consumerbackoff"`
	AckWait           time.Duration `mapstructure:"ackwait"`
	MaxDeliver        int           `mapstructure:"maxdeliver"`

	// Session aggregation
	ConversionEvents []string `mapstructure:"conversionevents"`

	// Ingestion edge. Each entry is "<key>=<tenant>:<project>".
	WriteKeys []string `mapstructure:"writekeys"`
	// Requests per minute per client IP on the ingestion endpoints, production only.
	IngestRateLimit int `mapstructure:"ingestratelimit"`

	// Job scheduling settings
	JobIntervalSeconds      int `mapstructure:"jobintervalseconds"`
	DeadLetterRetentionDays int `mapstructure:"deadletterretentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		loaded, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads the configuration from defaults and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "analytics")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("role", RoleAll)
	v.SetDefault("logsdir", "")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbtype", SQLiteDatabase)
	v.SetDefault("storagepath", "storage")
	v.SetDefault("dbdsn", "")
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("storechunksize", 100)
	v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
	v.SetDefault("queuebackend", NATSQueue)
	v.SetDefault("natsurl", "nats://127.0.0.1:4222")
	v.SetDefault("natsembedded", true)
	v.SetDefault("natsstoredir", "storage/jetstream")
	v.SetDefault("streamkey", "analytics_events")
	v.SetDefault("streammaxage", 7*24*time.Hour)
	v.SetDefault("consumergroup", "event-processor")
	v.SetDefault("consumerbatchsize", 100)
	v.SetDefault("consumerblock", 5*time.Second)
	v.SetDefault("consumerbackoff", 2*time.Second)
	v.SetDefault("ackwait", 60*time.Second)
	v.SetDefault("maxdeliver", 20)
	v.SetDefault("conversionevents", []string{"purchase", "order_completed", "checkout_completed", "signup", "sign_up", "conversion"})
	v.SetDefault("writekeys", []string{})
	v.SetDefault("ingestratelimit", 600)
	v.SetDefault("jobintervalseconds", 60)
	v.SetDefault("deadletterretentiondays", 30)

	v.BindEnv("appname", "ANALYTICS_APP_NAME")
	v.BindEnv("appport", "ANALYTICS_APP_PORT")
	v.BindEnv("environment", "ANALYTICS_ENV")
	v.BindEnv("loglevel", "ANALYTICS_LOG_LEVEL")
	v.BindEnv("role", "ANALYTICS_ROLE")
	v.BindEnv("logsdir", "ANALYTICS_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "ANALYTICS_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "ANALYTICS_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "ANALYTICS_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbtype", "ANALYTICS_DB_TYPE")
	v.BindEnv("storagepath", "ANALYTICS_STORAGE_PATH")
	v.BindEnv("dbdsn", "ANALYTICS_DB_DSN")
	v.BindEnv("dbmaxopenconns", "ANALYTICS_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "ANALYTICS_DB_MAX_IDLE_CONNS")
	v.BindEnv("storechunksize", "ANALYTICS_STORE_CHUNK_SIZE")
	v.BindEnv("geodbpath", "ANALYTICS_GEO_DB_PATH")
	v.BindEnv("queuebackend", "ANALYTICS_QUEUE_BACKEND")
	v.BindEnv("natsurl", "ANALYTICS_NATS_URL")
	v.BindEnv("natsembedded", "ANALYTICS_NATS_EMBEDDED")
	v.BindEnv("natsstoredir", "ANALYTICS_NATS_STORE_DIR")
	v.BindEnv("streamkey", "ANALYTICS_STREAM_KEY")
	v.BindEnv("streammaxage", "ANALYTICS_STREAM_MAX_AGE")
	v.BindEnv("consumergroup", "ANALYTICS_CONSUMER_GROUP")
	v.BindEnv("consumerbatchsize", "ANALYTICS_CONSUMER_BATCH_SIZE")
	v.BindEnv("consumerblock", "ANALYTICS_CONSUMER_BLOCK")
	v.BindEnv("consumerbackoff", "ANALYTICS_CONSUMER_BACKOFF")
	v.BindEnv("ackwait", "ANALYTICS_ACK_WAIT")
	v.BindEnv("maxdeliver", "ANALYTICS_MAX_DELIVER")
	v.BindEnv("conversionevents", "ANALYTICS_CONVERSION_EVENTS")
	v.BindEnv("writekeys", "ANALYTICS_WRITE_KEYS")
	v.BindEnv("ingestratelimit", "ANALYTICS_INGEST_RATE_LIMIT")
	v.BindEnv("jobintervalseconds", "ANALYTICS_JOB_INTERVAL_SECONDS")
	v.BindEnv("deadletterretentiondays", "ANALYTICS_DEAD_LETTER_RETENTION_DAYS")

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set derived values
	c.DatabaseName = c.GetDatabasePath()

	return c, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase:   true,
		PostgresDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}
	if c.DatabaseType == PostgresDatabase && c.DatabaseDSN == "" {
		return fmt.Errorf("postgres requires ANALYTICS_DB_DSN")
	}

	validBackends := map[string]bool{
		NATSQueue:   true,
		MemoryQueue: true,
	}
	if !validBackends[c.QueueBackend] {
		return fmt.Errorf("invalid queue backend: %s", c.QueueBackend)
	}

	validRoles := map[string]bool{
		RoleAll:    true,
		RoleAPI:    true,
		RoleWorker: true,
	}
	if !validRoles[c.Role] {
		return fmt.Errorf("invalid role: %s", c.Role)
	}
	if c.QueueBackend == MemoryQueue && c.Role != RoleAll {
		return fmt.Errorf("memory queue backend only supports role %q", RoleAll)
	}

	if c.ConsumerBatchSize <= 0 {
		return fmt.Errorf("consumer batch size must be positive: %d", c.ConsumerBatchSize)
	}
	if c.ConsumerBlock <= 0 {
		return fmt.Errorf("consumer block timeout must be positive: %s", c.ConsumerBlock)
	}
	if c.StreamKey == "" || c.ConsumerGroup == "" {
		return fmt.Errorf("stream key and consumer group are required")
	}

	if _, err := c.ParseWriteKeys(); err != nil {
		return err
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// RunsAPI reports whether this process serves the ingestion edge.
func (c *Config) RunsAPI() bool {
	return c.Role == RoleAll || c.Role == RoleAPI
}

// RunsWorker reports whether this process runs the consumer loop.
func (c *Config) RunsWorker() bool {
	return c.Role == RoleAll || c.Role == RoleWorker
}

// WriteKey identifies the tenant and project a client write key belongs to.
type WriteKey struct {
	TenantID  string
	ProjectID string
}

// ParseWriteKeys parses the configured write keys into a lookup table.
func (c *Config) ParseWriteKeys() (map[string]WriteKey, error) {
	keys := make(map[string]WriteKey, len(c.WriteKeys))
	for _, entry := range c.WriteKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, owner, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid write key entry: %q", entry)
		}
		tenant, project, ok := strings.Cut(owner, ":")
		if !ok || tenant == "" || project == "" {
			return nil, fmt.Errorf("write key entry must be <key>=<tenant>:<project>: %q", entry)
		}
		keys[key] = WriteKey{TenantID: tenant, ProjectID: project}
	}
	return keys, nil
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// JobInterval returns the scheduler tick as a duration.
func (c *Config) JobInterval() time.Duration {
	if c.JobIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.JobIntervalSeconds) * time.Second
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
