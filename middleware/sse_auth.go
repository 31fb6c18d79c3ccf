// middleware/sse_auth.go
package middleware

import (
	"context"
	"log"
	"strings"

	"bounty-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

// TokenValidator checks an end-user access token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) (*services.ValidateResponse, error)
}

// SSEAuthMiddleware validates the `token` query parameter with the auth
// service. EventSource cannot set headers, so the stream authenticates here.
//
// Usage:
//
//	app.Get("/bounties/:id/stream", middleware.SSEAuthMiddleware(authClient), svc.StreamBountySSE)
func SSEAuthMiddleware(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		if accessToken == "" {
			log.Printf("[SSEAuth] ❌ Missing token for %s", c.Path())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token in query",
			})
		}

		resp, err := validator.ValidateToken(c.UserContext(), accessToken)
		if err != nil {
			log.Printf("[SSEAuth] ❌ Validation failed for token (prefix: %s...): %v",
				accessToken[:min(6, len(accessToken))], err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals(LocalUserID, resp.UserID)
		c.Locals(LocalUserRoles, resp.Roles)
		log.Printf("[SSEAuth] ✅ Authenticated user %s", resp.UserID)
		return c.Next()
	}
}
