package v1

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatnationwork/analytics-sub002/internal/config"
)

// RouteOptions holds the collaborators of the HTTP edge.
type RouteOptions struct {
	Publisher  Publisher
	WriteKeys  map[string]config.WriteKey
	DBCheck    HealthCheck
	QueueCheck HealthCheck
	// RateLimit is the number of ingestion requests allowed per minute per
	// client IP. Zero disables limiting.
	RateLimit int
	Logger    *slog.Logger
}

// publicCORSConfig is shared by the ingestion endpoints, which are called
// cross-origin from tracked sites.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Write-Key, User-Agent",
}

// MountRoutes registers the ingestion, health and metrics endpoints.
func MountRoutes(app *fiber.App, opts RouteOptions) {
	app.Get("/health", HealthHandler(opts.DBCheck, opts.QueueCheck, opts.Logger))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handler := NewEventsHandler(opts.Publisher, opts.Logger)

	api := app.Group("/v1", cors.New(publicCORSConfig))
	if opts.RateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:          opts.RateLimit,
			Expiration:   time.Minute,
			KeyGenerator: clientIP,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests",
				})
			},
		}))
	}
	api.Use(WriteKeyAuth(opts.WriteKeys, opts.Logger))

	api.Post("/events", handler.CreateEvent)
	api.Post("/events/batch", handler.CreateEventBatch)
}
