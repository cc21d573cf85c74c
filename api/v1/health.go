package v1

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthStatus represents the health check response
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	DBStatus    string    `json:"db_status"`
	QueueStatus string    `json:"queue_status"`
}

// HealthHandler checks the database and the queue. The process is reported
// degraded, not down, when either fails.
func HealthHandler(db, queue HealthCheck, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		health := HealthStatus{
			Status:      "ok",
			Timestamp:   time.Now(),
			DBStatus:    runCheck(ctx, "database", db, logger),
			QueueStatus: runCheck(ctx, "queue", queue, logger),
		}
		if health.DBStatus != "ok" || health.QueueStatus != "ok" {
			health.Status = "degraded"
		}

		return c.JSON(health)
	}
}

func runCheck(ctx context.Context, name string, check HealthCheck, logger *slog.Logger) string {
	if check == nil {
		return "disabled"
	}
	if err := check(ctx); err != nil {
		logger.Error("Health check failed", slog.String("check", name), slog.Any("error", err))
		return "error"
	}
	return "ok"
}
