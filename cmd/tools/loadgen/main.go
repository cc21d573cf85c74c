// main.go - load generator for the ingestion edge
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	v1 "github.com/chatnationwork/analytics-sub002/api/v1"
	"github.com/chatnationwork/analytics-sub002/internal/events"
)

// LoadConfig holds the configuration for a load run
type LoadConfig struct {
	BaseURL      string
	WriteKey     string
	Concurrency  int
	Duration     time.Duration
	EventsPerSec int
	BatchSize    int
	Sessions     int
	WhatsAppPct  float64
	Timeout      time.Duration
}

// LoadStats holds statistics about the run
type LoadStats struct {
	Requests      int64
	EventsSent    int64
	Accepted      int64
	Failed        int64
	StatusCodes   map[int]int64
	statusMu      sync.Mutex
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	StartTime     time.Time
	TotalDuration time.Duration
}

// Result captures the result of a single request
type Result struct {
	Duration   time.Duration
	StatusCode int
	Events     int
	Error      error
}

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "Base URL of the ingestion edge")
	writeKey := flag.String("key", os.Getenv("ANALYTICS_LOADGEN_WRITE_KEY"), "Write key sent with every request")
	concurrency := flag.Int("c", 10, "Number of concurrent clients")
	duration := flag.Duration("d", 30*time.Second, "Duration of the run")
	eventsPerSec := flag.Int("rate", 0, "Target requests per second (0 = unlimited)")
	batchSize := flag.Int("batch", 1, "Events per request (1 uses /v1/events, more uses /v1/events/batch)")
	sessions := flag.Int("sessions", 200, "Number of distinct sessions to spread events over")
	whatsappPct := flag.Float64("whatsapp", 0.2, "Share of events sent on the whatsapp channel")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *writeKey == "" {
		logger.Error("A write key is required (-key or ANALYTICS_LOADGEN_WRITE_KEY)")
		os.Exit(2)
	}
	if *batchSize < 1 || *batchSize > v1.MaxBatchSize {
		logger.Error("Batch size out of range", slog.Int("max", v1.MaxBatchSize))
		os.Exit(2)
	}

	cfg := &LoadConfig{
		BaseURL:      *baseURL,
		WriteKey:     *writeKey,
		Concurrency:  *concurrency,
		Duration:     *duration,
		EventsPerSec: *eventsPerSec,
		BatchSize:    *batchSize,
		Sessions:     *sessions,
		WhatsAppPct:  *whatsappPct,
		Timeout:      *timeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runCtx, runCancel := context.WithTimeout(ctx, cfg.Duration)
	defer runCancel()

	logger.Info("Starting load run",
		slog.String("url", cfg.BaseURL),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Duration("duration", cfg.Duration),
		slog.Int("rate", cfg.EventsPerSec),
		slog.Int("batch", cfg.BatchSize))

	stats := &LoadStats{StatusCodes: make(map[int]int64), StartTime: time.Now()}
	for result := range run(runCtx, cfg) {
		stats.record(result)
	}
	stats.TotalDuration = time.Since(stats.StartTime)

	printResults(stats)
}

// run starts the workers and returns a channel of results
func run(ctx context.Context, cfg *LoadConfig) <-chan Result {
	results := make(chan Result, cfg.Concurrency*10)
	var wg sync.WaitGroup

	perWorker := 0.0
	if cfg.EventsPerSec > 0 {
		perWorker = float64(cfg.EventsPerSec) / float64(cfg.Concurrency)
	}

	sessionIDs := make([]string, cfg.Sessions)
	for i := range sessionIDs {
		sessionIDs[i] = uuid.NewString()
	}

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: cfg.Timeout}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			var ticker *time.Ticker
			if perWorker > 0 {
				ticker = time.NewTicker(time.Duration(float64(time.Second) / perWorker))
				defer ticker.Stop()
			}

			for {
				if ticker != nil {
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				} else if ctx.Err() != nil {
					return
				}

				batch := make([]v1.EventPayload, cfg.BatchSize)
				for j := range batch {
					batch[j] = generateEvent(rng, cfg, sessionIDs)
				}
				results <- send(ctx, client, cfg, batch)
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func send(ctx context.Context, client *http.Client, cfg *LoadConfig, batch []v1.EventPayload) Result {
	path := "/v1/events"
	var body any = batch[0]
	if len(batch) > 1 {
		path = "/v1/events/batch"
		body = v1.BatchPayload{Batch: batch}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Error: fmt.Errorf("failed to marshal JSON: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Write-Key", cfg.WriteKey)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Duration: elapsed, Events: len(batch), Error: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Duration: elapsed, StatusCode: resp.StatusCode, Events: len(batch)}
}

var (
	paths      = []string{"/", "/pricing", "/features", "/blog", "/signup", "/docs", "/contact"}
	trackNames = []string{"cta_clicked", "signup", "purchase", "video_played", "form_submitted"}
	sources    = []string{"", "", "newsletter", "google", "twitter"}
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	}
)

// generateEvent creates a random page or track event
func generateEvent(rng *rand.Rand, cfg *LoadConfig, sessionIDs []string) v1.EventPayload {
	sessionID := sessionIDs[rng.Intn(len(sessionIDs))]
	evt := v1.EventPayload{
		MessageID:   uuid.NewString(),
		Timestamp:   v1.Timestamp{Time: time.Now().UTC().Add(-time.Duration(rng.Intn(60)) * time.Second)},
		AnonymousID: "anon-" + sessionID[:8],
		SessionID:   sessionID,
	}

	if rng.Float64() < cfg.WhatsAppPct {
		evt.EventType = events.EventTypeTrack
		evt.EventName = "message_received"
		evt.Context.Channel = events.ChannelWhatsApp
		return evt
	}

	path := paths[rng.Intn(len(paths))]
	evt.Context.UserAgent = userAgents[rng.Intn(len(userAgents))]
	evt.Context.Page = &events.PageContext{Path: path, URL: "https://example.com" + path}
	if source := sources[rng.Intn(len(sources))]; source != "" {
		evt.Properties = map[string]any{"utm_source": source}
	}

	if rng.Float64() < 0.7 {
		evt.EventType = events.EventTypePage
	} else {
		evt.EventType = events.EventTypeTrack
		evt.EventName = trackNames[rng.Intn(len(trackNames))]
	}
	return evt
}

func (s *LoadStats) record(r Result) {
	atomic.AddInt64(&s.Requests, 1)
	atomic.AddInt64(&s.EventsSent, int64(r.Events))

	if r.Error != nil {
		atomic.AddInt64(&s.Failed, 1)
		return
	}

	s.statusMu.Lock()
	s.StatusCodes[r.StatusCode]++
	s.statusMu.Unlock()

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, r.Duration)
	s.latenciesMu.Unlock()

	if r.StatusCode == http.StatusAccepted {
		atomic.AddInt64(&s.Accepted, int64(r.Events))
	} else {
		atomic.AddInt64(&s.Failed, 1)
	}
}

func (s *LoadStats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	idx := int(float64(len(s.latencies)-1) * p)
	return s.latencies[idx]
}

// printResults displays the run results in an aligned table
func printResults(s *LoadStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\n%s\t%s\n", "METRIC", "VALUE")
	fmt.Fprintf(w, "%s\t%s\n", "------", "-----")
	fmt.Fprintf(w, "Duration\t%v\n", s.TotalDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Requests\t%d\n", s.Requests)
	fmt.Fprintf(w, "Events sent\t%d\n", s.EventsSent)
	fmt.Fprintf(w, "Events accepted\t%d\n", s.Accepted)
	fmt.Fprintf(w, "Failed requests\t%d\n", s.Failed)
	if secs := s.TotalDuration.Seconds(); secs > 0 {
		fmt.Fprintf(w, "Events/sec\t%.2f\n", float64(s.Accepted)/secs)
	}
	fmt.Fprintf(w, "p50 latency\t%v\n", s.percentile(0.50))
	fmt.Fprintf(w, "p95 latency\t%v\n", s.percentile(0.95))
	fmt.Fprintf(w, "p99 latency\t%v\n", s.percentile(0.99))
	w.Flush()

	if len(s.StatusCodes) > 0 {
		codes := make([]int, 0, len(s.StatusCodes))
		for code := range s.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		fmt.Println("\nStatus Code Distribution:")
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, code := range codes {
			fmt.Fprintf(w, "%d\t%d\n", code, s.StatusCodes[code])
		}
		w.Flush()
	}
}
