// handlers/bounty_routes.go
package handlers

import (
	"bounty-escrow-system/middleware"
	"bounty-escrow-system/models"
	"bounty-escrow-system/services"
	"bounty-escrow-system/store"

	"github.com/gofiber/fiber/v2"
)

type BountyHandler struct {
	svc *services.BountyService
}

func actorOf(c *fiber.Ctx) services.Actor {
	return services.Actor{ID: middleware.UserID(c), Roles: middleware.UserRoles(c)}
}

// SetupBountyRoutes registers the maintainer and contributor API. Every route
// needs the user context set by the Gateway.
func SetupBountyRoutes(router fiber.Router, svc *services.BountyService) {
	h := &BountyHandler{svc: svc}
	secured := router.Group("/bounties", middleware.UserContextMiddleware())

	secured.Post("/", h.Create)
	secured.Get("/", h.List)
	secured.Get("/:id", h.Get)
	secured.Get("/:id/submissions", h.Submissions)
	secured.Post("/:id/fund", h.Fund)
	secured.Post("/:id/submissions/:sid/winner", h.SelectWinner)
	secured.Post("/:id/submissions/:sid/reject", h.Reject)
	secured.Put("/:id/submissions/:sid/wallet", h.UpdateWallet)
	secured.Post("/:id/assign", h.Assign)
	secured.Post("/:id/release", h.Release)
	secured.Post("/:id/cancel", h.Cancel)
}

func (h *BountyHandler) Create(c *fiber.Ctx) error {
	var in services.CreateBountyInput
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	b, created, err := h.svc.Create(c.UserContext(), actorOf(c), in)
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return respondBounty(c, status, b, nil)
}

func (h *BountyHandler) List(c *fiber.Ctx) error {
	f := store.BountyFilter{
		RepoName:     c.Query("repo"),
		MaintainerID: c.Query("maintainer"),
		Limit:        c.QueryInt("limit", 20),
		Offset:       c.QueryInt("offset", 0),
	}
	if raw := c.QueryInt("status", 0); raw != 0 {
		st := models.BountyStatus(raw)
		f.Status = &st
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	bounties, total, err := h.svc.ListBounties(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	out := make([]bountyView, 0, len(bounties))
	for i := range bounties {
		out = append(out, viewOf(&bounties[i]))
	}
	return c.JSON(fiber.Map{"bounties": out, "total": total})
}

func (h *BountyHandler) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := h.svc.GetBounty(c.UserContext(), id)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *BountyHandler) Submissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	subs, err := h.svc.ListSubmissions(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"submissions": subs})
}

type fundRequest struct {
	FromWallet string `json:"from_wallet" validate:"required,min=32,max=44"`
}

func (h *BountyHandler) Fund(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in fundRequest
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	b, err := h.svc.Fund(c.UserContext(), actorOf(c), id, in.FromWallet)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *BountyHandler) submissionIDs(c *fiber.Ctx) (uint, uint, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return 0, 0, err
	}
	sid, err := paramID(c, "sid")
	if err != nil {
		return 0, 0, err
	}
	return id, sid, nil
}

func (h *BountyHandler) SelectWinner(c *fiber.Ctx) error {
	id, sid, err := h.submissionIDs(c)
	if err != nil {
		return respondError(c, err)
	}
	sub, err := h.svc.SelectWinner(c.UserContext(), actorOf(c), id, sid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"submission": sub})
}

func (h *BountyHandler) Reject(c *fiber.Ctx) error {
	id, sid, err := h.submissionIDs(c)
	if err != nil {
		return respondError(c, err)
	}
	sub, err := h.svc.RejectSubmission(c.UserContext(), actorOf(c), id, sid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"submission": sub})
}

type walletRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,min=32,max=44"`
}

func (h *BountyHandler) UpdateWallet(c *fiber.Ctx) error {
	id, sid, err := h.submissionIDs(c)
	if err != nil {
		return respondError(c, err)
	}
	var in walletRequest
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	sub, err := h.svc.UpdateSubmissionWallet(c.UserContext(), actorOf(c), id, sid, in.WalletAddress)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"submission": sub})
}

func (h *BountyHandler) Assign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := h.svc.AssignContributor(c.UserContext(), actorOf(c), id)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *BountyHandler) Release(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in services.ReleaseInput
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	b, err := h.svc.Release(c.UserContext(), actorOf(c), id, in)
	return respondBounty(c, fiber.StatusOK, b, err)
}

func (h *BountyHandler) Cancel(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	b, err := h.svc.RequestCancel(c.UserContext(), actorOf(c), id)
	return respondBounty(c, fiber.StatusOK, b, err)
}
