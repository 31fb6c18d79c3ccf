package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const signaturePrefix = "sha256="

// WebhookSignatureMiddleware verifies X-Hub-Signature-256 over the raw body.
func WebhookSignatureMiddleware(secret string) fiber.Handler {
	if secret == "" {
		log.Println("⚠️ [WEBHOOK] GITHUB_WEBHOOK_SECRET not set, every delivery will be rejected")
	}
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhook secret not configured"})
		}
		header := c.Get("X-Hub-Signature-256")
		if !strings.HasPrefix(header, signaturePrefix) {
			log.Printf("🚫 [WEBHOOK] missing signature (delivery %s)", c.Get("X-GitHub-Delivery"))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing signature"})
		}
		got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
		if err != nil || !hmac.Equal(got, Sign(key, c.Body())) {
			log.Printf("❌ [WEBHOOK] bad signature (delivery %s)", c.Get("X-GitHub-Delivery"))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}
		return c.Next()
	}
}

// Sign computes the HMAC-SHA256 of body.
func Sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
