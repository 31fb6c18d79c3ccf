package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/matcher"
	"bounty-escrow-system/models"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"

	"github.com/google/uuid"
)

// SubmitInput describes a pull request seen on the issue tracker.
type SubmitInput struct {
	RepoName          string
	PullRequestNumber int
	SubmitterID       string
	SubmitterLogin    string
	Title             string
	Body              string
	URL               string
	Draft             bool
}

type SubmitResult struct {
	// Ignored is set when the pull request references no funded bounty.
	Ignored    bool
	Reason     string
	Bounty     *models.Bounty
	Submission *models.Submission
	Created    bool
	// WalletErr is set when the text carried an invalid address; the
	// submission is recorded without a wallet.
	WalletErr *matcher.InvalidWalletError
}

// Submit links a pull request to a funded bounty and records it.
func (s *BountyService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.PullRequestNumber <= 0 || strings.TrimSpace(in.SubmitterID) == "" {
		return nil, invalid("pull_request", "number and submitter are required")
	}

	m, err := s.matcher.Match(ctx, in.RepoName, in.Title+"\n\n"+in.Body)
	switch {
	case errors.Is(err, matcher.ErrNoIssueReference), errors.Is(err, matcher.ErrNoBounty):
		return &SubmitResult{Ignored: true, Reason: err.Error()}, nil
	case err != nil:
		return nil, err
	}

	wallet := m.Wallet
	if wallet == "" && m.WalletErr == nil {
		mirrored, ok, err := s.store.WalletForAccount(ctx, in.SubmitterID)
		if err != nil {
			log.Printf("⚠️ [ENGINE] wallet mirror lookup for %s failed: %v", in.SubmitterID, err)
		} else if ok && ledger.IsValidAddress(mirrored) {
			wallet = mirrored
		}
	}

	status := models.SubmissionStatusSubmitted
	if in.Draft {
		status = models.SubmissionStatusDraft
	}
	sub := &models.Submission{
		BountyID:          m.Bounty.ID,
		SubmitterID:       in.SubmitterID,
		SubmitterLogin:    in.SubmitterLogin,
		PullRequestNumber: in.PullRequestNumber,
		Notes:             in.Title,
		Status:            status,
	}
	if in.URL != "" {
		sub.Links = []string{in.URL}
	}
	if wallet != "" {
		sub.WalletAddress = &wallet
	}

	saved, created, err := s.store.UpsertSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}
	b, err := s.loadBounty(ctx, m.Bounty.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("📥 [ENGINE] PR %s#%d recorded for bounty %d (submission %d, wallet=%t)",
		in.RepoName, in.PullRequestNumber, b.ID, saved.ID, saved.HasWallet())

	if m.WalletErr != nil {
		_ = s.notify(ctx, "invalid_wallet", in.RepoName, in.PullRequestNumber,
			tracker.InvalidWalletComment(m.WalletErr.Candidate))
	}
	if saved.Status == models.SubmissionStatusWinner && saved.HasWallet() {
		s.assignBestEffort(ctx, "system", b, *saved.WalletAddress)
	}
	return &SubmitResult{Bounty: b, Submission: saved, Created: created, WalletErr: m.WalletErr}, nil
}

// SelectWinner promotes one submission and rejects its siblings atomically.
func (s *BountyService) SelectWinner(ctx context.Context, actor Actor, bountyID, submissionID uint) (*models.Submission, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "select a winner"); err != nil {
		return nil, err
	}
	if b.Status != models.BountyStatusFunded {
		return nil, conflict("bounty %d is %s, a winner can only be selected while funded", b.ID, b.Status)
	}
	if b.ActionPending() {
		return nil, conflict("bounty %d has a ledger action pending", b.ID)
	}

	winner, err := s.store.PromoteWinner(ctx, bountyID, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.storeErr(err, bountyID)
	}
	log.Printf("🏆 [ENGINE] bounty %d: submission %d selected by %s", b.ID, winner.ID, actor.ID)

	_ = s.notify(ctx, "winner", b.RepoName, winner.PullRequestNumber,
		tracker.WinnerComment(winner.SubmitterLogin, b.RewardAmount, winner.HasWallet()))
	if winner.HasWallet() {
		s.assignBestEffort(ctx, actor.ID, b, *winner.WalletAddress)
	}
	return winner, nil
}

func (s *BountyService) RejectSubmission(ctx context.Context, actor Actor, bountyID, submissionID uint) (*models.Submission, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "reject a submission"); err != nil {
		return nil, err
	}
	sub, err := s.store.RejectSubmission(ctx, bountyID, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.storeErr(err, bountyID)
	}
	_ = s.notify(ctx, "rejected", b.RepoName, sub.PullRequestNumber, tracker.SubmissionRejectedComment())
	return sub, nil
}

// UpdateSubmissionWallet sets the payout wallet. Only the submitter or an
// admin may change it.
func (s *BountyService) UpdateSubmissionWallet(ctx context.Context, actor Actor, bountyID, submissionID uint, wallet string) (*models.Submission, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubmission(ctx, bountyID, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if actor.ID == "" || (actor.ID != sub.SubmitterID && !s.authz.IsAdmin(ctx, actor)) {
		return nil, &AuthorizationError{Actor: actor.ID, Action: "change this payout wallet"}
	}
	addr, err := ledger.ParseAddress(wallet)
	if err != nil {
		return nil, invalid("wallet_address", "not a valid ledger address")
	}
	if b.Status.Terminal() {
		return nil, conflict("bounty %d is %s", b.ID, b.Status)
	}

	updated, err := s.store.SetSubmissionWallet(ctx, bountyID, submissionID, addr.String())
	if err != nil {
		return nil, s.storeErr(err, bountyID)
	}
	if updated.Status == models.SubmissionStatusWinner && b.Status == models.BountyStatusFunded {
		s.assignBestEffort(ctx, actor.ID, b, addr.String())
	}
	return updated, nil
}

// AssignContributor records the winner's wallet on the ledger escrow.
func (s *BountyService) AssignContributor(ctx context.Context, actor Actor, bountyID uint) (*models.Bounty, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "assign a contributor"); err != nil {
		return nil, err
	}
	if b.Status != models.BountyStatusFunded {
		return nil, conflict("bounty %d is %s, only a funded bounty can be assigned", b.ID, b.Status)
	}
	winner, err := s.store.WinnerSubmission(ctx, bountyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, conflict("bounty %d has no winner", b.ID)
	}
	if err != nil {
		return nil, err
	}
	if !winner.HasWallet() {
		return nil, invalid("wallet_address", "winning submission has no payout wallet")
	}
	if err := s.assign(ctx, actor.ID, b, *winner.WalletAddress); err != nil {
		return nil, err
	}
	return s.loadBounty(context.WithoutCancel(ctx), bountyID)
}

// assign journals and performs an idempotent contributor assignment. It takes
// no lease: assignment moves no funds and may be repeated.
func (s *BountyService) assign(ctx context.Context, actorID string, b *models.Bounty, wallet string) error {
	op := &models.LedgerOperation{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		Kind:        models.LedgerOpAssign,
		ActorID:     actorID,
		Destination: wallet,
	}
	if err := s.store.RecordOperation(ctx, op); err != nil {
		return err
	}
	sig, err := s.callLedger(ctx, op, func(ctx context.Context) (string, error) {
		return s.ledger.AssignContributor(ctx, b.ID, wallet)
	})
	bg := context.WithoutCancel(ctx)
	if err != nil {
		outcome, stage := models.OutcomeRejected, StagePreTransfer
		var u *ledger.UnconfirmedError
		if errors.As(err, &u) {
			outcome, stage, sig = models.OutcomeUnconfirmed, StageUnconfirmed, u.Signature
		}
		if serr := s.store.SetOperationOutcome(bg, op.ID, outcome, sig, err.Error()); serr != nil {
			log.Printf("❌ [LEDGER] could not journal assign op %s: %v", op.ID, serr)
		}
		return &ExternalSystemError{System: "ledger", Stage: stage, OperationID: op.ID, Err: err}
	}
	if err := s.store.SetOperationOutcome(bg, op.ID, models.OutcomeConfirmed, sig, ""); err != nil {
		log.Printf("❌ [LEDGER] could not journal assign op %s: %v", op.ID, err)
	}
	if err := s.store.SetAssignment(bg, b.ID, wallet, sig); err != nil {
		// the reconciliation sweep re-checks assignments against the winner
		log.Printf("⚠️ [ENGINE] bounty %d: assignment %s not recorded: %v", b.ID, sig, err)
	}
	log.Printf("🔗 [LEDGER] bounty %d contributor %s assigned (sig %s)", b.ID, wallet, sig)
	return nil
}

func (s *BountyService) assignBestEffort(ctx context.Context, actorID string, b *models.Bounty, wallet string) {
	if b.AssignedContributor != nil && *b.AssignedContributor == wallet {
		return
	}
	if err := s.assign(ctx, actorID, b, wallet); err != nil {
		log.Printf("⚠️ [ENGINE] bounty %d: contributor assignment deferred to reconciliation: %v", b.ID, err)
	}
}

func submitterRef(sub models.Submission) string {
	return "#" + strconv.Itoa(sub.PullRequestNumber)
}
