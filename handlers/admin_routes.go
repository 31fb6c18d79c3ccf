// handlers/admin_routes.go
package handlers

import (
	"bounty-escrow-system/middleware"
	"bounty-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

type AdminHandler struct {
	bounties *services.BountyService
	admins   *services.AdminService
}

// SetupAdminRoutes registers admin-only operations. Admin rights are checked
// by the services on every call, not by the route.
func SetupAdminRoutes(router fiber.Router, bounties *services.BountyService, admins *services.AdminService) {
	h := &AdminHandler{bounties: bounties, admins: admins}
	admin := router.Group("/admin", middleware.UserContextMiddleware())

	admin.Get("/bounties/failed", h.Failed)
	admin.Post("/bounties/:id/cancel/confirm", h.ConfirmCancel)
	admin.Post("/bounties/:id/refund", h.Refund)
	admin.Post("/bounties/:id/reconcile", h.Reconcile)

	admin.Get("/admins", h.ListAdmins)
	admin.Post("/admins", h.GrantAdmin)
	admin.Delete("/admins/:identity", h.RevokeAdmin)
}

func (h *AdminHandler) Failed(c *fiber.Ctx) error {
	failed, err := h.bounties.FailedBounties(c.UserContext(), actorOf(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"failed": failed, "count": len(failed)})
}

func (h *AdminHandler) ConfirmCancel(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := h.bounties.ConfirmCancel(c.UserContext(), actorOf(c), id)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *AdminHandler) Refund(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := h.bounties.Refund(c.UserContext(), actorOf(c), id)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *AdminHandler) Reconcile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	res, err := h.bounties.Reconcile(c.UserContext(), actorOf(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *AdminHandler) ListAdmins(c *fiber.Ctx) error {
	admins, err := h.admins.List(c.UserContext(), actorOf(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"admins": admins})
}

type grantRequest struct {
	Identity string `json:"identity" validate:"required,max=128"`
}

func (h *AdminHandler) GrantAdmin(c *fiber.Ctx) error {
	var in grantRequest
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	a, err := h.admins.Grant(c.UserContext(), actorOf(c), in.Identity)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

func (h *AdminHandler) RevokeAdmin(c *fiber.Ctx) error {
	if err := h.admins.Revoke(c.UserContext(), actorOf(c), c.Params("identity")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
