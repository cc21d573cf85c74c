package v1

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chatnationwork/analytics-sub002/internal/config"
)

const localsWriteKey = "writeKey"

// WriteKeyAuth resolves the client write key to its tenant and project.
// Accepts: X-Write-Key: <key> or Authorization: Bearer <key>
func WriteKeyAuth(keys map[string]config.WriteKey, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		provided := c.Get("X-Write-Key")
		if provided == "" {
			authHeader := c.Get("Authorization")
			if authHeader != "" && !strings.HasPrefix(authHeader, "Bearer ") {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid Authorization header format. Expected: Bearer <write_key>",
				})
			}
			provided = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing write key",
			})
		}

		owner, ok := lookupWriteKey(keys, provided)
		if !ok {
			logger.Debug("Rejected unknown write key", slog.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid write key",
			})
		}

		c.Locals(localsWriteKey, owner)
		return c.Next()
	}
}

func writeKeyFrom(c *fiber.Ctx) config.WriteKey {
	owner, _ := c.Locals(localsWriteKey).(config.WriteKey)
	return owner
}

// lookupWriteKey compares against every configured key so the time taken
// does not depend on which key matched.
func lookupWriteKey(keys map[string]config.WriteKey, provided string) (config.WriteKey, bool) {
	var (
		found config.WriteKey
		ok    bool
	)
	for key, owner := range keys {
		if secureCompare(provided, key) {
			found, ok = owner, true
		}
	}
	return found, ok
}

// secureCompare performs constant-time string comparison
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
