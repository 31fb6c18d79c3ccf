package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/matcher"
	"bounty-escrow-system/models"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// BountyStore is the persistence the lifecycle engine relies on.
type BountyStore interface {
	CreateBounty(ctx context.Context, b *models.Bounty) (*models.Bounty, bool, error)
	GetBounty(ctx context.Context, id uint) (*models.Bounty, error)
	BountyForIssue(ctx context.Context, repo string, issue int) (*models.Bounty, error)
	ListBounties(ctx context.Context, f store.BountyFilter) ([]models.Bounty, int64, error)
	TransitionStatus(ctx context.Context, id uint, from, to models.BountyStatus) error
	CancelBounty(ctx context.Context, id uint, from ...models.BountyStatus) ([]models.Submission, error)
	SetAssignment(ctx context.Context, id uint, contributor, signature string) error
	FailedBounties(ctx context.Context) ([]models.Bounty, error)
	CountByStatus(ctx context.Context, status models.BountyStatus) (int64, error)
	OverdueBounties(ctx context.Context, now time.Time) ([]models.Bounty, error)
	MarkDeadlineNotified(ctx context.Context, id uint, at time.Time) error

	UpsertSubmission(ctx context.Context, in *models.Submission) (*models.Submission, bool, error)
	GetSubmission(ctx context.Context, bountyID, id uint) (*models.Submission, error)
	ListSubmissions(ctx context.Context, bountyID uint) ([]models.Submission, error)
	WinnerSubmission(ctx context.Context, bountyID uint) (*models.Submission, error)
	PromoteWinner(ctx context.Context, bountyID, submissionID uint) (*models.Submission, error)
	RejectSubmission(ctx context.Context, bountyID, submissionID uint) (*models.Submission, error)
	SetSubmissionWallet(ctx context.Context, bountyID, submissionID uint, wallet string) (*models.Submission, error)
	WalletForAccount(ctx context.Context, accountID string) (string, bool, error)

	AcquireOperation(ctx context.Context, op *models.LedgerOperation, expected models.BountyStatus) error
	RecordOperation(ctx context.Context, op *models.LedgerOperation) error
	SetOperationOutcome(ctx context.Context, opID string, outcome models.LedgerOperationOutcome, signature, errMsg string) error
	ReleaseOperation(ctx context.Context, op *models.LedgerOperation, outcome models.LedgerOperationOutcome, errMsg string) error
	CompleteOperation(ctx context.Context, op *models.LedgerOperation, from, to models.BountyStatus, fields map[string]interface{}) error
	MarkFailed(ctx context.Context, op *models.LedgerOperation, cause string) error
	GetOperation(ctx context.Context, id string) (*models.LedgerOperation, error)
	OperationsForBounty(ctx context.Context, bountyID uint) ([]models.LedgerOperation, error)
	OpenOperations(ctx context.Context, staleBefore time.Time) ([]models.LedgerOperation, error)
	FundedWithWinner(ctx context.Context) ([]store.WinnerAssignment, error)
}

// BountyService is the lifecycle engine. It never holds a store transaction
// across a ledger or tracker call; the per-bounty operation lease taken in
// the store is what serialises fund, release and refund.
type BountyService struct {
	store   BountyStore
	ledger  ledger.Client
	tracker tracker.Client
	authz   *Authorizer
	matcher *matcher.Matcher
	metrics *Metrics

	dashboardURL  string
	notifyTimeout time.Duration
	staleAfter    time.Duration
	now           func() time.Time
}

type Option func(*BountyService)

func WithMetrics(m *Metrics) Option {
	return func(s *BountyService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *BountyService) { s.now = now }
}

func WithDashboardURL(u string) Option {
	return func(s *BountyService) { s.dashboardURL = strings.TrimRight(u, "/") }
}

// WithStaleAfter sets how old a submitted ledger operation must be before an
// admin may reconcile it. It must exceed the ledger call timeout.
func WithStaleAfter(d time.Duration) Option {
	return func(s *BountyService) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithNotifyTimeout bounds each issue-tracker call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *BountyService) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

func NewBountyService(st BountyStore, l ledger.Client, t tracker.Client, authz *Authorizer, opts ...Option) *BountyService {
	s := &BountyService{
		store:         st,
		ledger:        l,
		tracker:       t,
		authz:         authz,
		notifyTimeout: 10 * time.Second,
		staleAfter:    2 * time.Minute,
		now:           time.Now,
	}
	s.matcher = matcher.New(fundedLookup{st})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fundedLookup adapts the store to the matcher.
type fundedLookup struct {
	store BountyStore
}

func (f fundedLookup) FundedBountyForIssue(ctx context.Context, repo string, issue int) (*matcher.Bounty, bool, error) {
	b, err := f.store.BountyForIssue(ctx, repo, issue)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if b.Status != models.BountyStatusFunded {
		return nil, false, nil
	}
	return &matcher.Bounty{ID: b.ID, RepoName: b.RepoName, IssueNumber: b.IssueNumber}, true, nil
}

type CreateBountyInput struct {
	RepoName      string     `json:"repo_name" validate:"required,max=255"`
	IssueNumber   int        `json:"issue_number" validate:"required,gt=0"`
	Name          string     `json:"name" validate:"required,max=255"`
	Description   string     `json:"description"`
	RewardAmount  uint64     `json:"reward_amount" validate:"required,gt=0"`
	Skills        []string   `json:"skills" validate:"omitempty,dive,required,max=64"`
	Deadline      *time.Time `json:"deadline"`
	ContactMethod string     `json:"contact_method" validate:"max=255"`
	SponsorID     string     `json:"sponsor_id" validate:"max=128"`
}

// Create registers a bounty in CREATING. Creating twice for one issue returns
// the original bounty with created=false.
func (s *BountyService) Create(ctx context.Context, actor Actor, in CreateBountyInput) (*models.Bounty, bool, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, false, &AuthorizationError{Action: "create a bounty"}
	}
	if _, _, err := tracker.SplitRepo(in.RepoName); err != nil {
		return nil, false, invalid("repo_name", "must be owner/name")
	}
	if in.IssueNumber <= 0 {
		return nil, false, invalid("issue_number", "must be positive")
	}
	if in.RewardAmount == 0 {
		return nil, false, invalid("reward_amount", "must be positive")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, false, invalid("name", "is required")
	}

	b := &models.Bounty{
		IssueNumber:   in.IssueNumber,
		RepoName:      strings.TrimSpace(in.RepoName),
		Slug:          slug.Make(fmt.Sprintf("%s-%d", in.RepoName, in.IssueNumber)),
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		RewardAmount:  in.RewardAmount,
		Skills:        skillSet(in.Skills),
		Deadline:      in.Deadline,
		ContactMethod: in.ContactMethod,
		MaintainerID:  actor.ID,
		SponsorID:     in.SponsorID,
	}
	out, created, err := s.store.CreateBounty(ctx, b)
	if err != nil {
		return nil, false, fmt.Errorf("create bounty: %w", err)
	}
	if created {
		log.Printf("🆕 [ENGINE] bounty %d created for %s#%d by %s", out.ID, out.RepoName, out.IssueNumber, actor.ID)
	}
	return out, created, nil
}

func skillSet(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	out := make([]string, 0, len(skills))
	for _, sk := range skills {
		sk = strings.ToLower(strings.TrimSpace(sk))
		if sk == "" || seen[sk] {
			continue
		}
		seen[sk] = true
		out = append(out, sk)
	}
	return out
}

// Fund moves the reward from the funder's wallet into the bounty escrow.
// A ledger failure leaves the bounty in CREATING; a store failure after the
// ledger confirmed leaves it FAILED.
func (s *BountyService) Fund(ctx context.Context, actor Actor, bountyID uint, fromWallet string) (*models.Bounty, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "fund this bounty"); err != nil {
		return nil, err
	}
	if b.ActionPending() {
		return nil, conflict("bounty %d has a ledger action pending", b.ID)
	}
	if b.Status != models.BountyStatusCreating {
		return nil, conflict("bounty %d is %s, only a creating bounty can be funded", b.ID, b.Status)
	}
	from, err := ledger.ParseAddress(fromWallet)
	if err != nil {
		return nil, invalid("from_wallet", "not a valid ledger address")
	}

	escrow := s.ledger.DeriveEscrowAddress(b.ID)
	op := &models.LedgerOperation{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		Kind:        models.LedgerOpFund,
		ActorID:     actor.ID,
		Source:      from.String(),
		Destination: escrow,
		Amount:      b.RewardAmount,
		CreatedAt:   s.now(),
	}
	if err := s.store.AcquireOperation(ctx, op, models.BountyStatusCreating); err != nil {
		return nil, s.storeErr(err, b.ID)
	}

	sig, err := s.callLedger(ctx, op, func(ctx context.Context) (string, error) {
		return s.ledger.Fund(ctx, b.ID, b.RewardAmount, op.Source)
	})
	if err != nil {
		return nil, s.settleLedgerError(ctx, op, err)
	}

	op.Signature = sig
	fields := map[string]interface{}{
		"escrow_address":    escrow,
		"funding_signature": sig,
		"funder_wallet":     op.Source,
	}
	if err := s.store.CompleteOperation(context.WithoutCancel(ctx), op, models.BountyStatusCreating, models.BountyStatusFunded, fields); err != nil {
		if err := s.escalate(ctx, op, b.Status, err); err != nil {
			return nil, err
		}
		return s.loadBounty(context.WithoutCancel(ctx), b.ID)
	}
	s.metrics.Transition(models.BountyStatusCreating, models.BountyStatusFunded)
	log.Printf("💰 [ENGINE] bounty %d funded with %d into %s (sig %s)", b.ID, b.RewardAmount, escrow, sig)

	b, err = s.loadBounty(context.WithoutCancel(ctx), b.ID)
	if err != nil {
		return nil, err
	}
	_ = s.notify(ctx, "funded", b.RepoName, b.IssueNumber,
		tracker.FundedComment(b.RewardAmount, escrow, s.dashboardURL, b.Slug))
	return b, nil
}

// --- reads ---

func (s *BountyService) GetBounty(ctx context.Context, id uint) (*models.Bounty, error) {
	return s.loadBounty(ctx, id)
}

func (s *BountyService) ListBounties(ctx context.Context, f store.BountyFilter) ([]models.Bounty, int64, error) {
	return s.store.ListBounties(ctx, f)
}

func (s *BountyService) ListSubmissions(ctx context.Context, bountyID uint) ([]models.Submission, error) {
	if _, err := s.loadBounty(ctx, bountyID); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, bountyID)
}

// FailedBounties lists FAILED bounties with their operation journals.
func (s *BountyService) FailedBounties(ctx context.Context, actor Actor) ([]FailedBounty, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "list failed bounties"); err != nil {
		return nil, err
	}
	return s.failedWithJournal(ctx)
}

type FailedBounty struct {
	Bounty     models.Bounty            `json:"bounty"`
	Operations []models.LedgerOperation `json:"operations"`
}

func (s *BountyService) failedWithJournal(ctx context.Context) ([]FailedBounty, error) {
	bounties, err := s.store.FailedBounties(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FailedBounty, 0, len(bounties))
	for _, b := range bounties {
		ops, err := s.store.OperationsForBounty(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, FailedBounty{Bounty: b, Operations: ops})
	}
	return out, nil
}

func (s *BountyService) Operations(ctx context.Context, bountyID uint) ([]models.LedgerOperation, error) {
	return s.store.OperationsForBounty(ctx, bountyID)
}

// --- saga helpers ---

func (s *BountyService) loadBounty(ctx context.Context, id uint) (*models.Bounty, error) {
	b, err := s.store.GetBounty(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("bounty %d: %w", id, ErrNotFound)
	}
	return b, err
}

func (s *BountyService) storeErr(err error, bountyID uint) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("bounty %d: %w", bountyID, ErrNotFound)
	case errors.Is(err, store.ErrLeaseHeld):
		return conflict("bounty %d has a ledger action pending", bountyID)
	case errors.Is(err, store.ErrStatusMismatch):
		return conflict("bounty %d changed status, reload and retry", bountyID)
	case errors.Is(err, store.ErrSubmissionClosed):
		return conflict("submission is already rejected")
	default:
		return err
	}
}

func (s *BountyService) callLedger(ctx context.Context, op *models.LedgerOperation, call func(context.Context) (string, error)) (string, error) {
	start := s.now()
	sig, err := call(ctx)
	outcome := models.OutcomeConfirmed
	switch {
	case ledger.IsUnconfirmed(err):
		outcome = models.OutcomeUnconfirmed
	case err != nil:
		outcome = models.OutcomeRejected
	}
	s.metrics.LedgerCall(op.Kind, outcome, s.now().Sub(start))
	return sig, err
}

// settleLedgerError records a failed ledger call. An unconfirmed call keeps
// the lease so nothing can retry before reconciliation; a rejected call
// releases it.
func (s *BountyService) settleLedgerError(ctx context.Context, op *models.LedgerOperation, callErr error) error {
	ctx = context.WithoutCancel(ctx)
	var u *ledger.UnconfirmedError
	if errors.As(callErr, &u) {
		log.Printf("⏳ [LEDGER] bounty %d %s unconfirmed (op %s, sig %q): %v", op.BountyID, op.Kind, op.ID, u.Signature, callErr)
		if err := s.store.SetOperationOutcome(ctx, op.ID, models.OutcomeUnconfirmed, u.Signature, callErr.Error()); err != nil {
			log.Printf("❌ [LEDGER] could not journal unconfirmed op %s: %v", op.ID, err)
		}
		return &ExternalSystemError{System: "ledger", Stage: StageUnconfirmed, OperationID: op.ID, Err: callErr}
	}

	log.Printf("❌ [LEDGER] bounty %d %s rejected (op %s): %v", op.BountyID, op.Kind, op.ID, callErr)
	if err := s.store.ReleaseOperation(ctx, op, models.OutcomeRejected, callErr.Error()); err != nil {
		// the stale lease is cleared by the reconciliation sweep
		log.Printf("❌ [LEDGER] could not release lease of op %s: %v", op.ID, err)
	}
	return &ExternalSystemError{System: "ledger", Stage: StagePreTransfer, OperationID: op.ID, Err: callErr}
}

// settledElsewhere reports whether a failed completion lost the race to a
// concurrent finaliser (the reconciler, or the original caller) that already
// recorded op as confirmed.
func (s *BountyService) settledElsewhere(ctx context.Context, op *models.LedgerOperation, cause error) bool {
	if !errors.Is(cause, store.ErrStatusMismatch) {
		return false
	}
	cur, err := s.store.GetOperation(ctx, op.ID)
	return err == nil && cur.Outcome == models.OutcomeConfirmed
}

// escalate handles a confirmed ledger call whose store update failed: the
// bounty goes to FAILED and is never retried automatically. It returns nil
// when the operation was already finalised by someone else.
func (s *BountyService) escalate(ctx context.Context, op *models.LedgerOperation, from models.BountyStatus, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if s.settledElsewhere(ctx, op, cause) {
		log.Printf("[ENGINE] bounty %d: %s op %s already finalised elsewhere", op.BountyID, op.Kind, op.ID)
		return nil
	}
	log.Printf("🚨 [ENGINE] bounty %d: ledger %s confirmed (sig %s) but store update failed: %v", op.BountyID, op.Kind, op.Signature, cause)
	failed := false
	if err := s.store.MarkFailed(ctx, op, cause.Error()); err != nil {
		log.Printf("🚨 [ENGINE] bounty %d: could not mark FAILED, op %s left for reconciliation: %v", op.BountyID, op.ID, err)
	} else {
		failed = true
		s.metrics.Transition(from, models.BountyStatusFailed)
	}
	return &ExternalSystemError{System: "store", Stage: StagePostTransfer, OperationID: op.ID, BountyFailed: failed, Err: cause}
}

// holdForReconcile journals a post-transfer store failure and keeps the
// lease, leaving the bounty status as it is. Used where FAILED is not a
// reachable status (refunds of cancelled bounties).
func (s *BountyService) holdForReconcile(ctx context.Context, op *models.LedgerOperation, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if s.settledElsewhere(ctx, op, cause) {
		return nil
	}
	log.Printf("🚨 [ENGINE] bounty %d: ledger %s confirmed (sig %s) but store update failed, lease kept: %v", op.BountyID, op.Kind, op.Signature, cause)
	if err := s.store.SetOperationOutcome(ctx, op.ID, models.OutcomeStoreFailure, op.Signature, cause.Error()); err != nil {
		log.Printf("🚨 [ENGINE] bounty %d: could not journal op %s: %v", op.BountyID, op.ID, err)
	}
	return &ExternalSystemError{System: "store", Stage: StagePostTransfer, OperationID: op.ID, Err: cause}
}

// notify posts a comment; failures are logged and counted, never returned to
// the lifecycle.
func (s *BountyService) notify(ctx context.Context, step, repo string, number int, body string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.tracker.PostComment(ctx, repo, number, body); err != nil {
		s.metrics.NotifyError(step)
		log.Printf("⚠️ [ENGINE] %s comment on %s#%d failed: %v", step, repo, number, err)
		return err
	}
	return nil
}
