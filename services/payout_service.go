package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/models"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type PayoutMode string

const (
	PayoutWinner        PayoutMode = "winner"
	PayoutAdminOverride PayoutMode = "admin_override"
	PayoutCustomWallet  PayoutMode = "custom_wallet"
)

type ReleaseInput struct {
	Mode        PayoutMode `json:"mode" validate:"required,oneof=winner admin_override custom_wallet"`
	Destination string     `json:"destination" validate:"required_unless=Mode winner"`
}

// closeConcurrency bounds parallel pull request closing on cancellation.
const closeConcurrency = 4

// Release pays the full escrow to the destination chosen by the payout mode
// and completes the bounty. At most one release per bounty succeeds; any
// later attempt is a ConflictError.
func (s *BountyService) Release(ctx context.Context, actor Actor, bountyID uint, in ReleaseInput) (*models.Bounty, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}

	switch in.Mode {
	case PayoutWinner, PayoutCustomWallet:
		if _, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "release this bounty"); err != nil {
			return nil, err
		}
	case PayoutAdminOverride:
		if err := s.authz.RequireAdmin(ctx, actor, "override a payout"); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("mode", "must be winner, admin_override or custom_wallet")
	}

	if b.Status == models.BountyStatusCompleted {
		return nil, conflict("bounty %d was already released", b.ID)
	}
	if b.ActionPending() {
		return nil, conflict("bounty %d has a ledger action pending", b.ID)
	}
	if b.Status != models.BountyStatusFunded {
		return nil, conflict("bounty %d is %s, only a funded bounty can be released", b.ID, b.Status)
	}

	dest, winner, err := s.resolveDestination(ctx, b, in)
	if err != nil {
		return nil, err
	}

	op := &models.LedgerOperation{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		Kind:        models.LedgerOpRelease,
		ActorID:     actor.ID,
		Destination: dest,
		Amount:      b.RewardAmount,
		Mode:        string(in.Mode),
		CreatedAt:   s.now(),
	}
	if err := s.store.AcquireOperation(ctx, op, models.BountyStatusFunded); err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			if cur, lerr := s.loadBounty(ctx, b.ID); lerr == nil && cur.Status == models.BountyStatusCompleted {
				return nil, conflict("bounty %d was already released", b.ID)
			}
		}
		return nil, s.storeErr(err, b.ID)
	}

	sig, err := s.callLedger(ctx, op, func(ctx context.Context) (string, error) {
		return s.ledger.Release(ctx, b.ID, dest)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyReleased) || errors.Is(err, ledger.ErrEscrowEmpty) {
			_ = s.settleLedgerError(ctx, op, err)
			log.Printf("🚨 [ENGINE] bounty %d: ledger refuses release (%v) while store shows funded", b.ID, err)
			return nil, conflict("ledger reports escrow for bounty %d already emptied, reconcile before retrying", b.ID)
		}
		return nil, s.settleLedgerError(ctx, op, err)
	}

	op.Signature = sig
	fields := map[string]interface{}{
		"release_destination": dest,
		"release_signature":   sig,
	}
	if err := s.store.CompleteOperation(context.WithoutCancel(ctx), op, models.BountyStatusFunded, models.BountyStatusCompleted, fields); err != nil {
		if err := s.escalate(ctx, op, models.BountyStatusFunded, err); err != nil {
			return nil, err
		}
		return s.loadBounty(context.WithoutCancel(ctx), b.ID)
	}
	s.metrics.Transition(models.BountyStatusFunded, models.BountyStatusCompleted)
	log.Printf("✅ [ENGINE] bounty %d released %d to %s via %s (sig %s)", b.ID, b.RewardAmount, dest, in.Mode, sig)

	body := tracker.ReleasedComment(b.RewardAmount, dest, sig)
	_ = s.notify(ctx, "released", b.RepoName, b.IssueNumber, body)
	if winner != nil {
		_ = s.notify(ctx, "released", b.RepoName, winner.PullRequestNumber, body)
	}
	return s.loadBounty(context.WithoutCancel(ctx), b.ID)
}

func (s *BountyService) resolveDestination(ctx context.Context, b *models.Bounty, in ReleaseInput) (string, *models.Submission, error) {
	if in.Mode == PayoutAdminOverride {
		addr, err := ledger.ParseAddress(in.Destination)
		if err != nil {
			return "", nil, invalid("destination", "not a valid ledger address")
		}
		winner, _ := s.store.WinnerSubmission(ctx, b.ID)
		return addr.String(), winner, nil
	}

	winner, err := s.store.WinnerSubmission(ctx, b.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, conflict("bounty %d has no winning submission", b.ID)
	}
	if err != nil {
		return "", nil, err
	}

	if in.Mode == PayoutCustomWallet {
		addr, err := ledger.ParseAddress(in.Destination)
		if err != nil {
			return "", nil, invalid("destination", "not a valid ledger address")
		}
		return addr.String(), winner, nil
	}
	if !winner.HasWallet() {
		return "", nil, invalid("wallet_address", "winning submission has no payout wallet")
	}
	return *winner.WalletAddress, winner, nil
}

// RequestCancel is the maintainer's cancellation. A funded bounty moves to
// CANCEL_REQUESTED and waits for an admin; an unfunded one is cancelled at
// once. Admins go straight to ConfirmCancel.
func (s *BountyService) RequestCancel(ctx context.Context, actor Actor, bountyID uint) (*models.Bounty, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	isAdmin, err := s.authz.RequireMaintainerOrAdmin(ctx, actor, b.MaintainerID, "cancel this bounty")
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return s.ConfirmCancel(ctx, actor, bountyID)
	}

	switch b.Status {
	case models.BountyStatusCancelRequested:
		return b, nil
	case models.BountyStatusCreating:
		if b.ActionPending() {
			return nil, conflict("bounty %d has a ledger action pending", b.ID)
		}
		return s.confirmCancel(ctx, b)
	case models.BountyStatusFunded:
		if err := s.store.TransitionStatus(ctx, b.ID, models.BountyStatusFunded, models.BountyStatusCancelRequested); err != nil {
			return nil, s.storeErr(err, b.ID)
		}
		s.metrics.Transition(models.BountyStatusFunded, models.BountyStatusCancelRequested)
		log.Printf("⏸️ [ENGINE] bounty %d: cancellation requested by %s", b.ID, actor.ID)
		_ = s.notify(ctx, "cancel_requested", b.RepoName, b.IssueNumber, tracker.CancelRequestedComment())
		return s.loadBounty(context.WithoutCancel(ctx), b.ID)
	default:
		return nil, conflict("bounty %d is %s and cannot be cancelled", b.ID, b.Status)
	}
}

// ConfirmCancel is the admin's cancellation: the bounty becomes CANCELLED,
// every submission Rejected, linked pull requests are closed and escrowed
// funds are refunded. Tracker and refund failures come back as *PartialSuccess
// next to the committed bounty.
func (s *BountyService) ConfirmCancel(ctx context.Context, actor Actor, bountyID uint) (*models.Bounty, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "confirm a cancellation"); err != nil {
		return nil, err
	}
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.ActionPending() {
		return nil, conflict("bounty %d has a ledger action pending", b.ID)
	}
	switch b.Status {
	case models.BountyStatusCreating, models.BountyStatusFunded, models.BountyStatusCancelRequested:
	default:
		return nil, conflict("bounty %d is %s and cannot be cancelled", b.ID, b.Status)
	}
	return s.confirmCancel(ctx, b)
}

func (s *BountyService) confirmCancel(ctx context.Context, b *models.Bounty) (*models.Bounty, error) {
	from := b.Status
	subs, err := s.store.CancelBounty(ctx, b.ID,
		models.BountyStatusCreating, models.BountyStatusFunded, models.BountyStatusCancelRequested)
	if err != nil {
		return nil, s.storeErr(err, b.ID)
	}
	s.metrics.Transition(from, models.BountyStatusCancelled)
	log.Printf("🚫 [ENGINE] bounty %d cancelled (%d submissions rejected)", b.ID, len(subs))

	warnings := s.closeSubmissions(ctx, b, subs)
	_ = s.notify(ctx, "cancelled", b.RepoName, b.IssueNumber, tracker.CancelledComment())

	if b.Funded() && b.RefundSignature == nil {
		if _, err := s.refund(ctx, "system", b.ID); err != nil {
			warnings = append(warnings, Warning{Step: "refund", Target: fmt.Sprintf("bounty %d", b.ID), Error: err.Error()})
		}
	}

	out, err := s.loadBounty(context.WithoutCancel(ctx), b.ID)
	if err != nil {
		return nil, err
	}
	return out, partial(warnings)
}

// closeSubmissions closes every linked pull request and leaves a notice on it.
// Each pull request is independent: one failure never stops the others.
func (s *BountyService) closeSubmissions(ctx context.Context, b *models.Bounty, subs []models.Submission) []Warning {
	var (
		mu       sync.Mutex
		warnings []Warning
	)
	warn := func(step string, sub models.Submission, err error) {
		mu.Lock()
		warnings = append(warnings, Warning{Step: step, Target: submitterRef(sub), Error: err.Error()})
		mu.Unlock()
	}

	bg := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(bg, s.notifyTimeout)
			defer cancel()
			if err := s.tracker.ClosePullRequest(cctx, b.RepoName, sub.PullRequestNumber); err != nil {
				log.Printf("⚠️ [ENGINE] bounty %d: closing PR #%d failed: %v", b.ID, sub.PullRequestNumber, err)
				s.metrics.NotifyError("close_pull_request")
				warn("close_pull_request", sub, err)
			}
			if err := s.notify(bg, "cancelled", b.RepoName, sub.PullRequestNumber, tracker.CancelledComment()); err != nil {
				warn("comment", sub, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return warnings
}

// Refund returns escrowed funds of a cancelled bounty to its funder.
func (s *BountyService) Refund(ctx context.Context, actor Actor, bountyID uint) (*models.Bounty, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "refund a bounty"); err != nil {
		return nil, err
	}
	return s.refund(ctx, actor.ID, bountyID)
}

func (s *BountyService) refund(ctx context.Context, actorID string, bountyID uint) (*models.Bounty, error) {
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BountyStatusCancelled {
		return nil, conflict("bounty %d is %s, only a cancelled bounty can be refunded", b.ID, b.Status)
	}
	if !b.Funded() {
		return nil, conflict("bounty %d was never funded", b.ID)
	}
	if b.RefundSignature != nil {
		return nil, conflict("bounty %d was already refunded", b.ID)
	}

	funder := ""
	if b.FunderWallet != nil {
		funder = *b.FunderWallet
	}
	op := &models.LedgerOperation{
		ID:          uuid.NewString(),
		BountyID:    b.ID,
		Kind:        models.LedgerOpRefund,
		ActorID:     actorID,
		Destination: funder,
		Amount:      b.RewardAmount,
		CreatedAt:   s.now(),
	}
	if err := s.store.AcquireOperation(ctx, op, models.BountyStatusCancelled); err != nil {
		return nil, s.storeErr(err, b.ID)
	}
	sig, err := s.callLedger(ctx, op, func(ctx context.Context) (string, error) {
		return s.ledger.Refund(ctx, b.ID)
	})
	if err != nil {
		return nil, s.settleLedgerError(ctx, op, err)
	}

	op.Signature = sig
	fields := map[string]interface{}{
		"refund_signature": sig,
		"refunded_at":      s.now().UTC(),
	}
	if err := s.store.CompleteOperation(context.WithoutCancel(ctx), op, models.BountyStatusCancelled, models.BountyStatusCancelled, fields); err != nil {
		if err := s.holdForReconcile(ctx, op, err); err != nil {
			return nil, err
		}
		return s.loadBounty(context.WithoutCancel(ctx), b.ID)
	}
	log.Printf("↩️ [ENGINE] bounty %d refunded %d to %s (sig %s)", b.ID, b.RewardAmount, funder, sig)
	return s.loadBounty(context.WithoutCancel(ctx), b.ID)
}
