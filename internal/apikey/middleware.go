package apikey

import "github.com/gofiber/fiber/v2"

// publicPaths are always served without a key: health checks and the
// ACME HTTP-01 well-known path must stay reachable by unauthenticated
// clients.
var publicPaths = map[string]bool{
	"/api/health": true,
}

const acmeWellKnownPrefix = "/.well-known/acme-challenge/"

// Middleware returns a Fiber handler enforcing v against X-API-Key header
// or api_key query parameter, using the same fiber.Map JSON-error shape
// as the rest of this API surface.
func (v *Verifier) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if publicPaths[path] || len(path) >= len(acmeWellKnownPrefix) && path[:len(acmeWellKnownPrefix)] == acmeWellKnownPrefix {
			return c.Next()
		}
		if !v.Configured() {
			return c.Next()
		}

		candidate := c.Get("X-API-Key")
		if candidate == "" {
			candidate = c.Query("api_key")
		}
		if !v.Verify(candidate) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "invalid or missing API key",
			})
		}
		return c.Next()
	}
}
