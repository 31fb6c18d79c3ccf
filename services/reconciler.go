package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/models"
	"bounty-escrow-system/tracker"

	"github.com/gosimple/slug"
)

// Reconciliation outcomes.
const (
	ReconcileApplied    = "applied"
	ReconcileNotApplied = "not_applied"
	ReconcileLeaseLost  = "lease_lost"
	ReconcileFailed     = "failed"
	ReconcileSkipped    = "skipped"
	ReconcileReassigned = "reassigned"
)

type ReconcileResult struct {
	BountyID    uint   `json:"bounty_id"`
	OperationID string `json:"operation_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
}

type SweepReport struct {
	StartedAt time.Time         `json:"started_at"`
	Results   []ReconcileResult `json:"results"`
	Failed    int64             `json:"failed_bounties"`
}

// Reconcile settles the ledger operation holding a bounty's lease by reading
// the escrow state. The lease is cleared either way: the operation is
// finalised when the ledger shows its effect, marked not_applied otherwise.
func (s *BountyService) Reconcile(ctx context.Context, actor Actor, bountyID uint) (*ReconcileResult, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "reconcile a bounty"); err != nil {
		return nil, err
	}
	b, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if !b.ActionPending() {
		return &ReconcileResult{BountyID: b.ID, Outcome: ReconcileSkipped}, nil
	}
	op, err := s.store.GetOperation(ctx, *b.PendingOperationID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", *b.PendingOperationID, err)
	}
	// a submitted call younger than the stale window may still be waiting on the ledger
	if op.Outcome == models.OutcomeSubmitted && op.CreatedAt.After(s.now().Add(-s.staleAfter)) {
		return nil, conflict("bounty %d: %s operation %s is still in flight, retry after %s",
			b.ID, op.Kind, op.ID, op.CreatedAt.Add(s.staleAfter).UTC().Format(time.RFC3339))
	}
	res := s.settle(ctx, b, op)
	s.metrics.Reconciled(res.Kind, res.Outcome)
	return &res, nil
}

// Sweep reconciles every open operation older than staleAfter, re-issues
// contributor assignments that drifted from the winner's wallet and refreshes
// the FAILED gauge. FAILED bounties are reported, never touched.
func (s *BountyService) Sweep(ctx context.Context, staleAfter time.Duration) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now().UTC()}

	ops, err := s.store.OpenOperations(ctx, s.now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("list open operations: %w", err)
	}
	for i := range ops {
		op := &ops[i]
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		b, err := s.loadBounty(ctx, op.BountyID)
		if err != nil {
			report.add(s.metrics, ReconcileResult{BountyID: op.BountyID, OperationID: op.ID, Kind: string(op.Kind), Outcome: ReconcileFailed, Error: err.Error()})
			continue
		}
		if b.Status == models.BountyStatusFailed {
			report.add(s.metrics, ReconcileResult{BountyID: b.ID, OperationID: op.ID, Kind: string(op.Kind), Outcome: ReconcileSkipped})
			continue
		}
		if b.PendingOperationID == nil || *b.PendingOperationID != op.ID {
			// a later operation or a manual fix superseded this one
			if err := s.store.SetOperationOutcome(ctx, op.ID, models.OutcomeRejected, "", "lease lost"); err != nil {
				log.Printf("❌ [RECONCILE] op %s: %v", op.ID, err)
			}
			report.add(s.metrics, ReconcileResult{BountyID: b.ID, OperationID: op.ID, Kind: string(op.Kind), Outcome: ReconcileLeaseLost})
			continue
		}
		report.add(s.metrics, s.settle(ctx, b, op))
	}

	s.reassignDrifted(ctx, report)

	failed, err := s.store.CountByStatus(ctx, models.BountyStatusFailed)
	if err != nil {
		log.Printf("⚠️ [RECONCILE] counting FAILED bounties: %v", err)
	} else {
		report.Failed = failed
		s.metrics.SetFailed(failed)
	}
	if len(report.Results) > 0 || report.Failed > 0 {
		log.Printf("🔄 [RECONCILE] sweep done: %d results, %d FAILED bounties", len(report.Results), report.Failed)
	}
	return report, nil
}

func (r *SweepReport) add(m *Metrics, res ReconcileResult) {
	kind := res.Kind
	if kind == "" {
		kind = string(models.LedgerOpAssign)
	}
	m.Reconciled(kind, res.Outcome)
	r.Results = append(r.Results, res)
}

func (s *BountyService) settle(ctx context.Context, b *models.Bounty, op *models.LedgerOperation) ReconcileResult {
	res := ReconcileResult{BountyID: b.ID, OperationID: op.ID, Kind: string(op.Kind)}

	st, err := s.ledger.GetEscrow(ctx, b.ID)
	if err != nil {
		log.Printf("⚠️ [RECONCILE] bounty %d: escrow read failed, op %s stays pending: %v", b.ID, op.ID, err)
		res.Outcome, res.Error = ReconcileFailed, err.Error()
		return res
	}

	sig := op.Signature
	if sig == "" {
		sig = st.LastSignature
	}
	op.Signature = sig

	var (
		applied  bool
		from, to models.BountyStatus
		fields   map[string]interface{}
	)
	switch op.Kind {
	case models.LedgerOpFund:
		applied = st.Balance >= op.Amount && op.Amount > 0 && (st.Funder == "" || st.Funder == op.Source)
		from, to = models.BountyStatusCreating, models.BountyStatusFunded
		fields = map[string]interface{}{
			"escrow_address":    s.ledger.DeriveEscrowAddress(b.ID),
			"funding_signature": sig,
			"funder_wallet":     op.Source,
		}
	case models.LedgerOpRelease:
		applied = st.Released
		dest := st.ReleasedTo
		if dest == "" {
			dest = op.Destination
		}
		from, to = models.BountyStatusFunded, models.BountyStatusCompleted
		fields = map[string]interface{}{
			"release_destination": dest,
			"release_signature":   sig,
		}
	case models.LedgerOpRefund:
		applied = st.Refunded
		from, to = models.BountyStatusCancelled, models.BountyStatusCancelled
		fields = map[string]interface{}{
			"refund_signature": sig,
			"refunded_at":      s.now().UTC(),
		}
	default:
		res.Outcome = ReconcileSkipped
		return res
	}

	if !applied {
		if err := s.store.ReleaseOperation(ctx, op, models.OutcomeNotApplied, "ledger shows no effect"); err != nil {
			res.Outcome, res.Error = ReconcileFailed, err.Error()
			return res
		}
		log.Printf("↩️ [RECONCILE] bounty %d: %s op %s not applied, lease cleared", b.ID, op.Kind, op.ID)
		res.Outcome = ReconcileNotApplied
		return res
	}

	if err := s.store.CompleteOperation(ctx, op, from, to, fields); err != nil {
		var eerr error
		if op.Kind == models.LedgerOpRefund {
			eerr = s.holdForReconcile(ctx, op, err)
		} else {
			eerr = s.escalate(ctx, op, from, err)
		}
		if eerr == nil {
			res.Outcome = ReconcileApplied
			return res
		}
		res.Outcome, res.Error = ReconcileFailed, err.Error()
		return res
	}
	if from != to {
		s.metrics.Transition(from, to)
	}
	log.Printf("✅ [RECONCILE] bounty %d: %s op %s applied on ledger (sig %s), %s", b.ID, op.Kind, op.ID, sig, to)
	res.Outcome = ReconcileApplied

	switch op.Kind {
	case models.LedgerOpFund:
		_ = s.notify(ctx, "funded", b.RepoName, b.IssueNumber,
			tracker.FundedComment(b.RewardAmount, s.ledger.DeriveEscrowAddress(b.ID), s.dashboardURL, b.Slug))
	case models.LedgerOpRelease:
		_ = s.notify(ctx, "released", b.RepoName, b.IssueNumber,
			tracker.ReleasedComment(b.RewardAmount, fmt.Sprint(fields["release_destination"]), sig))
	}
	return res
}

func (s *BountyService) reassignDrifted(ctx context.Context, report *SweepReport) {
	rows, err := s.store.FundedWithWinner(ctx)
	if err != nil {
		log.Printf("⚠️ [RECONCILE] listing winner assignments: %v", err)
		return
	}
	for _, row := range rows {
		if !ledger.IsValidAddress(row.Wallet) {
			continue
		}
		st, err := s.ledger.GetEscrow(ctx, row.BountyID)
		if err != nil {
			report.add(s.metrics, ReconcileResult{BountyID: row.BountyID, Outcome: ReconcileFailed, Error: err.Error()})
			continue
		}
		if st.Contributor == row.Wallet {
			if row.Assigned == nil || *row.Assigned != row.Wallet {
				if err := s.store.SetAssignment(ctx, row.BountyID, row.Wallet, st.LastSignature); err != nil {
					log.Printf("⚠️ [RECONCILE] bounty %d: recording assignment: %v", row.BountyID, err)
				}
			}
			continue
		}
		b, err := s.loadBounty(ctx, row.BountyID)
		if err != nil {
			continue
		}
		res := ReconcileResult{BountyID: row.BountyID, Kind: string(models.LedgerOpAssign), Outcome: ReconcileReassigned}
		if err := s.assign(ctx, "reconciler", b, row.Wallet); err != nil {
			res.Outcome, res.Error = ReconcileFailed, err.Error()
		}
		report.add(s.metrics, res)
	}
}

// RemindOverdue posts one reminder on every funded bounty past its deadline
// with no winner. A bounty is marked only after its comment went out, so a
// tracker outage means another attempt on the next run.
func (s *BountyService) RemindOverdue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	overdue, err := s.store.OverdueBounties(ctx, now)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, b := range overdue {
		if b.Deadline == nil {
			continue
		}
		if err := s.notify(ctx, "deadline", b.RepoName, b.IssueNumber, tracker.DeadlineComment(*b.Deadline, b.RewardAmount)); err != nil {
			continue
		}
		if err := s.store.MarkDeadlineNotified(ctx, b.ID, now); err != nil {
			log.Printf("⚠️ [ENGINE] bounty %d: marking deadline reminder: %v", b.ID, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Printf("⏰ [ENGINE] %d deadline reminders posted", sent)
	}
	return sent, nil
}

// Archiver stores JSON documents in object storage.
type Archiver interface {
	UploadJSON(ctx context.Context, key string, v interface{}) error
}

// ArchiveFailed writes each FAILED bounty and its journal to the archive,
// one object per bounty per day.
func (s *BountyService) ArchiveFailed(ctx context.Context, a Archiver) (int, error) {
	failed, err := s.failedWithJournal(ctx)
	if err != nil {
		return 0, err
	}
	day := s.now().UTC().Format("2006-01-02")
	n := 0
	for _, fb := range failed {
		key := fmt.Sprintf("failed-bounties/%s/%s-%d.json", day, slug.Make(fb.Bounty.RepoName), fb.Bounty.ID)
		if err := a.UploadJSON(ctx, key, fb); err != nil {
			log.Printf("❌ [RECONCILE] archiving bounty %d: %v", fb.Bounty.ID, err)
			continue
		}
		n++
	}
	return n, nil
}
