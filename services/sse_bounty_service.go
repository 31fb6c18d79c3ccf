package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"bounty-escrow-system/models"

	"github.com/gofiber/fiber/v2"
)

// streamPoll is how often the status stream re-reads the bounty.
var streamPoll = 2 * time.Second

// BountyStatusEvent is one SSE payload on the bounty status stream.
type BountyStatusEvent struct {
	BountyID      uint                `json:"bounty_id"`
	Status        models.BountyStatus `json:"status"`
	StatusName    string              `json:"status_name"`
	ActionPending bool                `json:"action_pending"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func statusEvent(b *models.Bounty) BountyStatusEvent {
	return BountyStatusEvent{
		BountyID:      b.ID,
		Status:        b.Status,
		StatusName:    b.Status.String(),
		ActionPending: b.ActionPending(),
		UpdatedAt:     b.UpdatedAt,
	}
}

// StreamBountySSE streams status changes of one bounty until the client
// disconnects or the bounty reaches a terminal status.
func (s *BountyService) StreamBountySSE(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid bounty id"})
	}
	first, err := s.loadBounty(c.UserContext(), uint(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load bounty"})
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	done := c.Context().Done()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		s.streamBounty(done, w, first)
	})
	return nil
}

func (s *BountyService) streamBounty(done <-chan struct{}, w *bufio.Writer, b *models.Bounty) {
	ticker := time.NewTicker(streamPoll)
	defer ticker.Stop()

	if err := writeStatusEvent(w, b); err != nil {
		return
	}
	last := b.UpdatedAt
	for !b.Status.Terminal() {
		select {
		case <-ticker.C:
			cur, err := s.loadBounty(context.Background(), b.ID)
			if err != nil {
				log.Printf("SSE query error for bounty %d: %v", b.ID, err)
				continue
			}
			if !cur.UpdatedAt.After(last) {
				// keepalive so proxies keep the connection open
				if _, err := w.WriteString(":\n\n"); err != nil || w.Flush() != nil {
					return
				}
				continue
			}
			last = cur.UpdatedAt
			b = cur
			if err := writeStatusEvent(w, b); err != nil {
				// client disconnected
				return
			}
		case <-done:
			return
		}
	}
}

func writeStatusEvent(w *bufio.Writer, b *models.Bounty) error {
	payload, err := json.Marshal(statusEvent(b))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
