package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// GeoReloadInterval is how often the GeoLite file is checked for changes.
	GeoReloadInterval = time.Hour
	// CleanupInterval is how often old dead letters are removed.
	CleanupInterval = 24 * time.Hour
)

// SchedulerJobs lists the work a Scheduler runs. Nil entries are skipped.
type SchedulerJobs struct {
	Consumer     *Consumer
	QueueMonitor *QueueMonitorJob
	GeoReload    *GeoReloadJob
	Cleanup      *CleanupJob
}

// Scheduler is responsible for running the consumer loop and the
// periodic background jobs.
type Scheduler struct {
	jobs     SchedulerJobs
	interval time.Duration
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	isRunning bool
	tickers   []*time.Ticker
	wg        sync.WaitGroup

	// Guards against overlapping runs of the same job
	processingMutex sync.Mutex
	processing      map[string]bool
}

// NewScheduler creates a scheduler. interval is the queue monitor period.
func NewScheduler(jobs SchedulerJobs, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		jobs:       jobs,
		interval:   interval,
		logger:     logger,
		processing: make(map[string]bool),
	}
}

// executeJobSafely runs a job unless a previous run of it is still executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func(context.Context) error) {
	s.processingMutex.Lock()
	if s.processing[jobName] {
		s.logger.Debug("Skipping job execution - previous run still in progress", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.processing[jobName] = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.processing[jobName] = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins the consumer and all periodic jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.jobs.Consumer != nil {
		if err := s.jobs.Consumer.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}
	if s.jobs.QueueMonitor != nil {
		s.startPeriodicJob("queue_monitor", s.interval, s.jobs.QueueMonitor.Run)
	}
	if s.jobs.GeoReload != nil {
		s.startPeriodicJob("geoip_reload", GeoReloadInterval, s.jobs.GeoReload.Run)
	}
	if s.jobs.Cleanup != nil {
		s.startPeriodicJob("dead_letter_cleanup", CleanupInterval, s.jobs.Cleanup.Run)
	}

	s.isRunning = true
	s.logger.Info("Background jobs started",
		slog.Bool("consumer", s.jobs.Consumer != nil),
		slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) startPeriodicJob(name string, interval time.Duration, run func(context.Context) error) {
	s.logger.Info("Starting job", slog.String("job", name), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	s.tickers = append(s.tickers, ticker)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Run initial execution
		s.executeJobSafely(name, run)

		for {
			select {
			case <-ticker.C:
				s.executeJobSafely(name, run)
			case <-s.ctx.Done():
				s.logger.Info("Job stopped", slog.String("job", name))
				return
			}
		}
	}()
}

// Stop halts the consumer after its in-flight batch and stops all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping background jobs...")

	if s.jobs.Consumer != nil {
		s.jobs.Consumer.Stop()
	}
	for _, ticker := range s.tickers {
		ticker.Stop()
	}
	s.tickers = nil

	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
