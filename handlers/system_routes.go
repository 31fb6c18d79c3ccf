// handlers/system_routes.go
package handlers

import (
	"context"
	"time"

	"bounty-escrow-system/middleware"
	"bounty-escrow-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the database answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SetupSystemRoutes registers health, metrics and the status stream, none of
// which sit behind the Gateway token.
func SetupSystemRoutes(app *fiber.App, db Pinger, bounties *services.BountyService, auth middleware.TokenValidator) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "database": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if auth != nil {
		app.Get("/bounties/:id/stream", middleware.SSEAuthMiddleware(auth), bounties.StreamBountySSE)
	}
}
