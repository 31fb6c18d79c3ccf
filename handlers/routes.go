// handlers/routes.go
package handlers

import (
	"bounty-escrow-system/middleware"
	"bounty-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

type Deps struct {
	DB            Pinger
	Bounties      *services.BountyService
	Webhooks      *services.WebhookService
	Admins        *services.AdminService
	Auth          middleware.TokenValidator
	GatewayToken  string
	WebhookSecret string
}

// SetupRoutes registers every route. Routes that authenticate on their own
// (health, metrics, webhook, stream) come before the Gateway middleware;
// fiber runs handlers in registration order.
func SetupRoutes(app *fiber.App, d Deps) {
	SetupSystemRoutes(app, d.DB, d.Bounties, d.Auth)
	SetupWebhookRoutes(app, d.Webhooks, d.WebhookSecret)

	// 🔐 Everything below is Gateway-only
	app.Use(middleware.GatewayAuthMiddleware(d.GatewayToken))

	SetupBountyRoutes(app, d.Bounties)
	SetupAdminRoutes(app, d.Bounties, d.Admins)
}
