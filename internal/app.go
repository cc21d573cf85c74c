// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	v1 "github.com/chatnationwork/analytics-sub002/api/v1"
	"github.com/chatnationwork/analytics-sub002/internal/config"
	"github.com/chatnationwork/analytics-sub002/internal/database"
	"github.com/chatnationwork/analytics-sub002/internal/enrichment"
	"github.com/chatnationwork/analytics-sub002/internal/events"
	"github.com/chatnationwork/analytics-sub002/internal/jobs"
	"github.com/chatnationwork/analytics-sub002/internal/logging"
	"github.com/chatnationwork/analytics-sub002/internal/pkg/geoip"
	"github.com/chatnationwork/analytics-sub002/internal/queue"
)

// Application holds the wired components of one process. Which of them
// exist depends on the configured role.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager *database.Manager
	DB        *gorm.DB
	Transport queue.Transport
	Producer  *events.Producer
	Processor *events.Processor
	Consumer  *jobs.Consumer
	Scheduler *jobs.Scheduler
	Server    *fiber.App
	Geo       *geoip.DB

	natsServer *queue.EmbeddedServer
}

// Option customizes application construction.
type Option func(*Application)

// WithLogger replaces the configured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) {
		a.Logger = logger
	}
}

// WithTransport injects a transport instead of opening the configured one.
// The application still closes it on shutdown.
func WithTransport(transport queue.Transport) Option {
	return func(a *Application) {
		a.Transport = transport
	}
}

// NewApp creates a new application instance from the environment configuration
func NewApp(opts ...Option) (*Application, error) {
	return NewAppWithConfig(config.GetConfig(), opts...)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.init(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if closeErr := a.Shutdown(shutdownCtx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *Application) init() error {
	cfg := a.Config

	if a.Logger == nil {
		a.Logger = logging.NewLogger(cfg)
	}

	a.DBManager = database.NewManager(cfg, a.Logger)
	if err := a.DBManager.Init(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db := a.DBManager.GetConnection()
	a.DB = db

	if a.Transport == nil {
		if err := a.openTransport(); err != nil {
			return fmt.Errorf("failed to initialize queue: %w", err)
		}
	}

	a.Producer = events.NewProducer(a.Transport, cfg.StreamKey, a.Logger,
		events.WithCircuitBreaker(events.BreakerSettings{}))

	schedulerJobs := jobs.SchedulerJobs{
		QueueMonitor: jobs.NewQueueMonitorJob(a.Producer, a.Logger),
	}

	if cfg.RunsWorker() {
		a.Geo = geoip.Open(cfg.GeoDBPath, a.Logger)
		stage := enrichment.NewStage(a.Geo, a.Logger)
		sessions := events.NewSessionAggregator(events.NewGormSessionStore(db), cfg.ConversionEvents, a.Logger)
		a.Processor = events.NewProcessor(events.NewGormEventStore(db, cfg.StoreChunkSize), stage, sessions, a.Logger)

		consumer, err := jobs.NewConsumer(a.Transport, a.Processor.Handle, jobs.ConsumerConfig{
			Stream:    cfg.StreamKey,
			Group:     cfg.ConsumerGroup,
			BatchSize: cfg.ConsumerBatchSize,
			Block:     cfg.ConsumerBlock,
			Backoff:   cfg.ConsumerBackoff,
		}, a.Logger, jobs.WithDeadLetterSink(events.NewGormDeadLetterStore(db)))
		if err != nil {
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		a.Consumer = consumer

		schedulerJobs.Consumer = a.Consumer
		schedulerJobs.GeoReload = jobs.NewGeoReloadJob(a.Geo, a.Logger)
		schedulerJobs.Cleanup = jobs.NewCleanupJob(db, a.Logger, cfg.DeadLetterRetentionDays)
	}
	a.Scheduler = jobs.NewScheduler(schedulerJobs, cfg.JobInterval(), a.Logger)

	if cfg.RunsAPI() {
		if err := a.buildServer(); err != nil {
			return err
		}
	}

	a.Logger.Info("Application initialized",
		slog.String("role", cfg.Role),
		slog.String("queue", cfg.QueueBackend),
		slog.String("stream", cfg.StreamKey))
	return nil
}

// openTransport connects to the configured queue backend, starting the
// embedded NATS server first when enabled.
func (a *Application) openTransport() error {
	cfg := a.Config

	if cfg.QueueBackend == config.MemoryQueue {
		a.Transport = queue.NewMemoryTransport(queue.MemoryOptions{
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		})
		return nil
	}

	natsURL := cfg.NATSURL
	if cfg.NATSEmbedded {
		host, port, err := hostPort(natsURL)
		if err != nil {
			return err
		}
		srv, err := queue.NewEmbeddedServer(queue.ServerConfig{
			Host:     host,
			Port:     port,
			StoreDir: cfg.NATSStoreDir,
		})
		if err != nil {
			return err
		}
		a.natsServer = srv
		natsURL = srv.ClientURL()
		a.Logger.Info("Embedded NATS server started", slog.String("url", natsURL))
	}

	transport, err := queue.NewJetStreamTransport(queue.JetStreamConfig{
		URL:        natsURL,
		ClientName: cfg.AppName,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
		MaxAge:     cfg.StreamMaxAge,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Transport = transport
	return nil
}

func hostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("invalid NATS URL %q: %w", rawURL, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("invalid NATS URL %q: %w", rawURL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid NATS port %q: %w", portStr, err)
	}
	return host, port, nil
}

func (a *Application) buildServer() error {
	cfg := a.Config

	keys, err := cfg.ParseWriteKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		a.Logger.Warn("No write keys configured - every ingestion request will be rejected")
	}

	a.Server = fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	a.Server.Use(recover.New())

	rateLimit := 0
	if cfg.IsProduction() {
		rateLimit = cfg.IngestRateLimit
	}

	v1.MountRoutes(a.Server, v1.RouteOptions{
		Publisher: a.Producer,
		WriteKeys: keys,
		DBCheck: func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		QueueCheck: func(ctx context.Context) error {
			_, err := a.Transport.Len(ctx, cfg.StreamKey)
			return err
		},
		RateLimit: rateLimit,
		Logger:    a.Logger,
	})
	return nil
}

// Migrate creates or updates the database schema.
func (a *Application) Migrate() error {
	return a.DBManager.Migrate()
}

// StartAsync starts the background jobs and, for API roles, the HTTP
// listener. It returns once both are running.
func (a *Application) StartAsync() error {
	if err := a.Scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start background jobs: %w", err)
	}

	if a.Server == nil {
		return nil
	}

	addr := ":" + a.Config.AppPort
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.Scheduler.Stop()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		if err := a.Server.Listener(ln); err != nil {
			a.Logger.Error("HTTP server stopped", slog.Any("error", err))
		}
	}()
	a.Logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting requests, lets the consumer finish its current
// batch and then releases the queue and the database.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error

	if a.Server != nil {
		if err := a.Server.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue transport: %w", err))
		}
	}
	if a.natsServer != nil {
		if err := a.natsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats server: %w", err))
		}
	}
	if a.Geo != nil {
		if err := a.Geo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("geoip: %w", err))
		}
	}
	if a.DBManager != nil {
		if err := a.DBManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.Logger != nil {
		a.Logger.Info("Application shut down")
	}

	return errors.Join(errs...)
}
