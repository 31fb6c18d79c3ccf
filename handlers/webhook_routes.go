// handlers/webhook_routes.go
package handlers

import (
	"log"

	"bounty-escrow-system/middleware"
	"bounty-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupWebhookRoutes registers the GitHub App webhook. It is authenticated by
// its HMAC signature instead of the Gateway token.
func SetupWebhookRoutes(app *fiber.App, webhooks *services.WebhookService, secret string) {
	app.Post("/webhooks/github", middleware.WebhookSignatureMiddleware(secret), func(c *fiber.Ctx) error {
		event := c.Get("X-GitHub-Event")
		delivery := c.Get("X-GitHub-Delivery")

		ev, err := services.ParseWebhook(event, c.Body())
		if err != nil {
			log.Printf("⚠️ [WEBHOOK] delivery %s (%s) rejected: %v", delivery, event, err)
			return respondError(c, err)
		}
		res, err := webhooks.Handle(c.UserContext(), ev)
		if err != nil {
			log.Printf("❌ [WEBHOOK] delivery %s (%s) failed: %v", delivery, event, err)
			return respondError(c, err)
		}
		log.Printf("[WEBHOOK] delivery %s %s/%s handled=%t %s", delivery, res.Event, res.Action, res.Handled, res.Reason)
		return c.JSON(res)
	})
}
