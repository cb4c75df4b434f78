package ratelimit

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Middleware applies l to requests under /api/*, using the same
// fiber.Map JSON error response shape as the rest of this API surface.
func (l *Limiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		allowed, retryAfter := l.Allow(c.IP())
		if !allowed {
			c.Set("Retry-After", strconv.Itoa(retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"message": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
