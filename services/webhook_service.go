package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"bounty-escrow-system/models"
)

// WebhookEvent is one parsed issue-tracker delivery: *PullRequestEvent,
// *InstallationEvent or *PingEvent.
type WebhookEvent interface {
	EventName() string
}

type PullRequestEvent struct {
	Action         string
	RepoName       string
	Number         int
	Title          string
	Body           string
	URL            string
	Draft          bool
	AuthorID       string
	AuthorLogin    string
	InstallationID int64
}

func (*PullRequestEvent) EventName() string { return "pull_request" }

type InstallationEvent struct {
	Action         string
	InstallationID int64
	AccountLogin   string
	AccountID      int64
}

func (*InstallationEvent) EventName() string { return "installation" }

type PingEvent struct {
	HookID int64
	Zen    string
}

func (*PingEvent) EventName() string { return "ping" }

var (
	submitActions = map[string]bool{"opened": true, "edited": true, "reopened": true, "ready_for_review": true}
	// acknowledged and ignored
	quietPRActions = map[string]bool{
		"closed": true, "synchronize": true, "assigned": true, "unassigned": true,
		"labeled": true, "unlabeled": true, "review_requested": true,
		"review_request_removed": true, "converted_to_draft": true, "locked": true,
		"unlocked": true, "auto_merge_enabled": true, "auto_merge_disabled": true,
		"milestoned": true, "demilestoned": true, "enqueued": true, "dequeued": true,
	}
	installActions = map[string]string{
		"created": "upsert", "unsuspend": "upsert", "new_permissions_accepted": "upsert",
		"deleted": "delete", "suspend": "delete",
	}
)

type ghUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

type ghPullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Draft   bool   `json:"draft"`
		User    ghUser `json:"user"`
	} `json:"pull_request"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

type ghInstallationPayload struct {
	Action       string `json:"action"`
	Installation *struct {
		ID      int64  `json:"id"`
		Account ghUser `json:"account"`
	} `json:"installation"`
}

type ghPingPayload struct {
	Zen    string `json:"zen"`
	HookID int64  `json:"hook_id"`
}

// ParseWebhook decodes a delivery by its event header. Unknown events,
// unknown actions and missing required fields are a *ValidationError.
func ParseWebhook(eventType string, payload []byte) (WebhookEvent, error) {
	switch eventType {
	case "pull_request":
		var p ghPullRequestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalid("payload", "malformed pull_request payload: %v", err)
		}
		if !submitActions[p.Action] && !quietPRActions[p.Action] {
			return nil, invalid("action", "unrecognised pull_request action %q", p.Action)
		}
		if p.PullRequest == nil || p.Repository == nil || p.Repository.FullName == "" {
			return nil, invalid("payload", "pull_request payload lacks pull_request or repository")
		}
		number := p.PullRequest.Number
		if number == 0 {
			number = p.Number
		}
		if number <= 0 || p.PullRequest.User.ID == 0 {
			return nil, invalid("payload", "pull_request payload lacks number or author")
		}
		ev := &PullRequestEvent{
			Action:      p.Action,
			RepoName:    p.Repository.FullName,
			Number:      number,
			Title:       p.PullRequest.Title,
			Body:        p.PullRequest.Body,
			URL:         p.PullRequest.HTMLURL,
			Draft:       p.PullRequest.Draft,
			AuthorID:    strconv.FormatInt(p.PullRequest.User.ID, 10),
			AuthorLogin: p.PullRequest.User.Login,
		}
		if p.Installation != nil {
			ev.InstallationID = p.Installation.ID
		}
		return ev, nil

	case "installation":
		var p ghInstallationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalid("payload", "malformed installation payload: %v", err)
		}
		if _, ok := installActions[p.Action]; !ok {
			return nil, invalid("action", "unrecognised installation action %q", p.Action)
		}
		if p.Installation == nil || p.Installation.ID == 0 || p.Installation.Account.Login == "" {
			return nil, invalid("payload", "installation payload lacks installation or account")
		}
		return &InstallationEvent{
			Action:         p.Action,
			InstallationID: p.Installation.ID,
			AccountLogin:   p.Installation.Account.Login,
			AccountID:      p.Installation.Account.ID,
		}, nil

	case "ping":
		var p ghPingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalid("payload", "malformed ping payload: %v", err)
		}
		return &PingEvent{HookID: p.HookID, Zen: p.Zen}, nil

	case "":
		return nil, invalid("event", "missing event type")
	default:
		return nil, invalid("event", "unsupported event %q", eventType)
	}
}

// InstallationStore keeps the installation ↔ account mapping.
type InstallationStore interface {
	UpsertInstallation(ctx context.Context, inst *models.Installation) error
	DeleteInstallation(ctx context.Context, installationID int64) error
}

type WebhookService struct {
	engine   *BountyService
	installs InstallationStore
}

func NewWebhookService(engine *BountyService, installs InstallationStore) *WebhookService {
	return &WebhookService{engine: engine, installs: installs}
}

// WebhookResult is what the webhook endpoint answers.
type WebhookResult struct {
	Event        string `json:"event"`
	Action       string `json:"action,omitempty"`
	Handled      bool   `json:"handled"`
	Reason       string `json:"reason,omitempty"`
	BountyID     uint   `json:"bounty_id,omitempty"`
	SubmissionID uint   `json:"submission_id,omitempty"`
}

func (w *WebhookService) Handle(ctx context.Context, ev WebhookEvent) (*WebhookResult, error) {
	switch e := ev.(type) {
	case *PingEvent:
		log.Printf("[WEBHOOK] ping from hook %d: %s", e.HookID, e.Zen)
		return &WebhookResult{Event: e.EventName(), Handled: true}, nil

	case *InstallationEvent:
		res := &WebhookResult{Event: e.EventName(), Action: e.Action, Handled: true}
		if installActions[e.Action] == "delete" {
			if err := w.installs.DeleteInstallation(ctx, e.InstallationID); err != nil {
				return nil, fmt.Errorf("delete installation %d: %w", e.InstallationID, err)
			}
			log.Printf("[WEBHOOK] installation %d for %s removed (%s)", e.InstallationID, e.AccountLogin, e.Action)
			return res, nil
		}
		inst := &models.Installation{
			InstallationID: e.InstallationID,
			AccountLogin:   strings.ToLower(e.AccountLogin),
			AccountID:      e.AccountID,
		}
		if err := w.installs.UpsertInstallation(ctx, inst); err != nil {
			return nil, fmt.Errorf("store installation %d: %w", e.InstallationID, err)
		}
		log.Printf("[WEBHOOK] installation %d for %s recorded (%s)", e.InstallationID, e.AccountLogin, e.Action)
		return res, nil

	case *PullRequestEvent:
		res := &WebhookResult{Event: e.EventName(), Action: e.Action}
		if !submitActions[e.Action] {
			res.Reason = "action ignored"
			return res, nil
		}
		out, err := w.engine.Submit(ctx, SubmitInput{
			RepoName:          e.RepoName,
			PullRequestNumber: e.Number,
			SubmitterID:       e.AuthorID,
			SubmitterLogin:    e.AuthorLogin,
			Title:             e.Title,
			Body:              e.Body,
			URL:               e.URL,
			Draft:             e.Draft,
		})
		if err != nil {
			return nil, err
		}
		if out.Ignored {
			res.Reason = out.Reason
			return res, nil
		}
		res.Handled = true
		res.BountyID = out.Bounty.ID
		res.SubmissionID = out.Submission.ID
		return res, nil

	default:
		return nil, invalid("event", "unsupported event %T", ev)
	}
}
