package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/middleware"
	"bounty-escrow-system/models"
	"bounty-escrow-system/services"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gatewayToken  = "gw-token"
	webhookSecret = "hook-secret"
	maintainerID  = "maint-1"
	adminID       = "admin-1"
)

func testWallet(b byte) string {
	var a ledger.Address
	for i := range a {
		a[i] = b + byte(i)
	}
	return a.String()
}

type fakeValidator struct{}

func (fakeValidator) ValidateToken(ctx context.Context, token string) (*services.ValidateResponse, error) {
	if token != "good" {
		return nil, errors.New("unknown token")
	}
	return &services.ValidateResponse{UserID: "viewer"}, nil
}

type apiHarness struct {
	t      *testing.T
	app    *fiber.App
	ledger *ledger.Memory
	github *tracker.Recorder
	funder string
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(db))
	st := store.New(db)

	var prog ledger.Program
	mem := ledger.NewMemory(prog)
	funder := testWallet(1)
	mem.Mint(funder, 1000)
	rec := tracker.NewRecorder()

	authz := services.NewAuthorizer(st)
	admins := services.NewAdminService(st, authz)
	require.NoError(t, admins.Bootstrap(context.Background(), []string{adminID}))
	bounties := services.NewBountyService(st, mem, rec, authz)

	app := fiber.New()
	SetupRoutes(app, Deps{
		DB:            st,
		Bounties:      bounties,
		Webhooks:      services.NewWebhookService(bounties, st),
		Admins:        admins,
		Auth:          fakeValidator{},
		GatewayToken:  gatewayToken,
		WebhookSecret: webhookSecret,
	})
	return &apiHarness{t: t, app: app, ledger: mem, github: rec, funder: funder}
}

// call sends a gateway-authenticated request as user and decodes the JSON reply.
func (h *apiHarness) call(method, path, user string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gatewayToken)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return h.send(req)
}

func (h *apiHarness) send(req *http.Request) (int, map[string]interface{}) {
	h.t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (h *apiHarness) webhook(event string, payload []byte, secret string) (int, map[string]interface{}) {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", uuid.NewString())
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(middleware.Sign([]byte(secret), payload)))
	return h.send(req)
}

func bountyOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	b, ok := body["bounty"].(map[string]interface{})
	require.True(t, ok, "response has no bounty: %v", body)
	return b
}

func (h *apiHarness) create(issue int) uint {
	h.t.Helper()
	status, body := h.call(http.MethodPost, "/bounties", maintainerID, map[string]interface{}{
		"repo_name":     "acme/widgets",
		"issue_number":  issue,
		"name":          "Fix the widget",
		"reward_amount": 250,
	})
	require.Equal(h.t, fiber.StatusCreated, status, body)
	return uint(bountyOf(h.t, body)["id"].(float64))
}

func prPayload(issue, pr int, payout string) []byte {
	body := fmt.Sprintf("Fixes #%d\n\nwallet: %s", issue, payout)
	return []byte(fmt.Sprintf(`{
		"action": "opened",
		"number": %d,
		"pull_request": {"number": %d, "title": "Fix", "body": %q, "html_url": "https://github.com/acme/widgets/pull/%d", "user": {"id": 4242, "login": "octo"}},
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 77}
	}`, pr, pr, body, pr))
}

func TestGatewayAndUserContext(t *testing.T) {
	h := newAPI(t)

	status, body := h.send(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, _ = h.send(httptest.NewRequest(http.MethodGet, "/bounties", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/bounties", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	status, _ = h.send(req)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = h.call(http.MethodGet, "/bounties", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body = h.call(http.MethodGet, "/bounties", maintainerID, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["total"])
}

func TestBountyLifecycleOverHTTP(t *testing.T) {
	h := newAPI(t)
	id := h.create(7)

	status, body := h.call(http.MethodPost, "/bounties", maintainerID, map[string]interface{}{
		"repo_name": "acme/widgets", "issue_number": 7, "name": "again", "reward_amount": 250,
	})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(id), bountyOf(t, body)["id"])

	status, body = h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/fund", id), maintainerID, map[string]string{"from_wallet": h.funder})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "funded", bountyOf(t, body)["status_name"])

	payout := testWallet(50)
	status, body = h.webhook("pull_request", prPayload(7, 21, payout), webhookSecret)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["handled"])
	sid := uint(body["submission_id"].(float64))

	status, body = h.call(http.MethodGet, fmt.Sprintf("/bounties/%d/submissions", id), maintainerID, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["submissions"], 1)

	status, _ = h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/submissions/%d/winner", id, sid), "someone-else", nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/submissions/%d/winner", id, sid), maintainerID, nil)
	require.Equal(t, fiber.StatusOK, status, body)

	status, body = h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/release", id), maintainerID, map[string]string{"mode": "winner"})
	require.Equal(t, fiber.StatusOK, status, body)
	released := bountyOf(t, body)
	assert.Equal(t, float64(models.BountyStatusCompleted), released["status"])
	assert.Equal(t, payout, released["release_destination"])
	assert.Equal(t, uint64(250), h.ledger.Balance(payout))

	status, _ = h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/release", id), maintainerID, map[string]string{"mode": "winner"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = h.call(http.MethodGet, fmt.Sprintf("/bounties?status=%d", models.BountyStatusCompleted), maintainerID, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
}

func TestRequestValidation(t *testing.T) {
	h := newAPI(t)
	id := h.create(8)

	cases := []struct {
		name  string
		path  string
		body  interface{}
		field string
	}{
		{"missing reward", "/bounties", map[string]interface{}{"repo_name": "acme/widgets", "issue_number": 9, "name": "x"}, "reward_amount"},
		{"short wallet", fmt.Sprintf("/bounties/%d/fund", id), map[string]string{"from_wallet": "abc"}, "from_wallet"},
		{"unknown mode", fmt.Sprintf("/bounties/%d/release", id), map[string]string{"mode": "lottery"}, "mode"},
		{"override without destination", fmt.Sprintf("/bounties/%d/release", id), map[string]string{"mode": "admin_override"}, "destination"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.call(http.MethodPost, tc.path, maintainerID, tc.body)
			assert.Equal(t, fiber.StatusBadRequest, status, body)
			assert.Equal(t, tc.field, body["field"])
		})
	}

	status, body := h.call(http.MethodGet, "/bounties/abc", maintainerID, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "id", body["field"])

	status, _ = h.call(http.MethodGet, "/bounties/999", maintainerID, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestUnconfirmedFundIsAccepted(t *testing.T) {
	h := newAPI(t)
	id := h.create(9)
	h.ledger.InjectFault(ledger.OpFund, ledger.Fault{Err: errors.New("confirmation timed out"), Apply: true})

	status, body := h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/fund", id), maintainerID, map[string]string{"from_wallet": h.funder})
	require.Equal(t, fiber.StatusAccepted, status, body)
	assert.Equal(t, true, body["action_pending"])
	assert.NotEmpty(t, body["operation_id"])

	status, body = h.call(http.MethodGet, fmt.Sprintf("/bounties/%d", id), maintainerID, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, bountyOf(t, body)["action_pending"])

	status, body = h.call(http.MethodPost, fmt.Sprintf("/admin/bounties/%d/reconcile", id), adminID, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, services.ReconcileApplied, body["outcome"])
}

func TestCancelAndAdminConfirm(t *testing.T) {
	h := newAPI(t)
	id := h.create(10)
	status, _ := h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/fund", id), maintainerID, map[string]string{"from_wallet": h.funder})
	require.Equal(t, fiber.StatusOK, status)

	status, body := h.call(http.MethodPost, fmt.Sprintf("/bounties/%d/cancel", id), maintainerID, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "cancel_requested", bountyOf(t, body)["status_name"])

	status, _ = h.call(http.MethodPost, fmt.Sprintf("/admin/bounties/%d/cancel/confirm", id), maintainerID, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = h.call(http.MethodPost, fmt.Sprintf("/admin/bounties/%d/cancel/confirm", id), adminID, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	cancelled := bountyOf(t, body)
	assert.Equal(t, "cancelled", cancelled["status_name"])
	assert.NotEmpty(t, cancelled["refund_signature"])
	assert.Equal(t, uint64(1000), h.ledger.Balance(h.funder))

	status, _ = h.call(http.MethodPost, fmt.Sprintf("/admin/bounties/%d/refund", id), adminID, nil)
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestAdminDirectoryRoutes(t *testing.T) {
	h := newAPI(t)

	status, _ := h.call(http.MethodGet, "/admin/admins", maintainerID, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := h.call(http.MethodPost, "/admin/admins", adminID, map[string]string{"identity": "ops-2"})
	require.Equal(t, fiber.StatusCreated, status, body)

	status, body = h.call(http.MethodGet, "/admin/admins", adminID, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["admins"], 2)

	status, _ = h.call(http.MethodDelete, "/admin/admins/ops-2", adminID, nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, _ = h.call(http.MethodDelete, "/admin/admins/"+adminID, adminID, nil)
	assert.Equal(t, fiber.StatusConflict, status)

	status, body = h.call(http.MethodGet, "/admin/bounties/failed", adminID, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestWebhookAuthentication(t *testing.T) {
	h := newAPI(t)
	payload := []byte(`{"zen":"Design for failure.","hook_id":1}`)

	status, _ := h.webhook("ping", payload, "not-the-secret")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := h.webhook("ping", payload, webhookSecret)
	assert.Equal(t, fiber.StatusOK, status, body)

	status, body = h.webhook("issues", []byte(`{}`), webhookSecret)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "event", body["field"])
}

func TestStreamAuthentication(t *testing.T) {
	h := newAPI(t)

	status, _ := h.send(httptest.NewRequest(http.MethodGet, "/bounties/1/stream", nil))
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = h.send(httptest.NewRequest(http.MethodGet, "/bounties/1/stream?token=bad", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = h.send(httptest.NewRequest(http.MethodGet, "/bounties/999/stream?token=good", nil))
	assert.Equal(t, fiber.StatusNotFound, status)
}
