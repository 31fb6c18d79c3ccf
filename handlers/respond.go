package handlers

import (
	"errors"
	"log"
	"reflect"
	"strings"

	"bounty-escrow-system/models"
	"bounty-escrow-system/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

// newValidator reports fields by their JSON name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// parseBody decodes the JSON body into out and runs its validate tags.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return &services.ValidationError{Field: "body", Message: "malformed JSON body"}
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &services.ValidationError{
				Field:   fe.Field(),
				Message: "failed on " + fe.Tag(),
			}
		}
		return &services.ValidationError{Message: err.Error()}
	}
	return nil
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, &services.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return uint(id), nil
}

// bountyView adds derived fields the dashboard renders.
type bountyView struct {
	*models.Bounty
	StatusName    string `json:"status_name"`
	ActionPending bool   `json:"action_pending"`
}

func viewOf(b *models.Bounty) bountyView {
	return bountyView{Bounty: b, StatusName: b.Status.String(), ActionPending: b.ActionPending()}
}

// respondError maps engine errors to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var (
		verr *services.ValidationError
		aerr *services.AuthorizationError
		cerr *services.ConflictError
		xerr *services.ExternalSystemError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &aerr):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": aerr.Error()})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &cerr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": cerr.Error()})
	case errors.As(err, &xerr):
		switch xerr.Stage {
		case services.StageUnconfirmed:
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"action_pending": true,
				"operation_id":   xerr.OperationID,
				"message":        "ledger outcome not confirmed yet, check back shortly",
			})
		case services.StagePostTransfer:
			log.Printf("🚨 [API] %s %s: %v", c.Method(), c.Path(), err)
			msg := "funds moved but the record could not be updated; manual reconciliation required"
			if xerr.BountyFailed {
				msg = "funds moved but the record could not be updated; bounty marked failed"
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":         msg,
				"bounty_failed": xerr.BountyFailed,
				"operation_id":  xerr.OperationID,
			})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":        xerr.Error(),
				"operation_id": xerr.OperationID,
			})
		}
	default:
		log.Printf("❌ [API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// respondBounty writes a bounty, carrying warnings when err is a
// *services.PartialSuccess.
func respondBounty(c *fiber.Ctx, status int, b *models.Bounty, err error) error {
	var p *services.PartialSuccess
	if err != nil && !errors.As(err, &p) {
		return respondError(c, err)
	}
	body := fiber.Map{"bounty": viewOf(b)}
	if p != nil {
		body["warnings"] = p.Warnings
	}
	return c.Status(status).JSON(body)
}
