package store

import (
	"context"
	"time"

	"bounty-escrow-system/models"

	"gorm.io/gorm"
)

// AcquireOperation takes the bounty's operation lease for op and journals op
// as submitted, both in one transaction. It fails with ErrLeaseHeld when
// another operation holds the bounty and ErrStatusMismatch when the bounty is
// not in expected.
func (s *Store) AcquireOperation(ctx context.Context, op *models.LedgerOperation, expected models.BountyStatus) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status = ? AND pending_operation_id IS NULL", op.BountyID, expected).
			Update("pending_operation_id", op.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var b models.Bounty
			if err := tx.First(&b, op.BountyID).Error; err != nil {
				return notFound(err)
			}
			if b.ActionPending() {
				return ErrLeaseHeld
			}
			return ErrStatusMismatch
		}
		op.Outcome = models.OutcomeSubmitted
		return tx.Create(op).Error
	})
}

// RecordOperation journals an operation that takes no lease.
func (s *Store) RecordOperation(ctx context.Context, op *models.LedgerOperation) error {
	if op.Outcome == "" {
		op.Outcome = models.OutcomeSubmitted
	}
	return s.DB.WithContext(ctx).Create(op).Error
}

// SetOperationOutcome updates the journal entry only; the lease is untouched.
func (s *Store) SetOperationOutcome(ctx context.Context, opID string, outcome models.LedgerOperationOutcome, signature, errMsg string) error {
	updates := map[string]interface{}{"outcome": outcome, "error": errMsg}
	if signature != "" {
		updates["signature"] = signature
	}
	return s.DB.WithContext(ctx).Model(&models.LedgerOperation{}).Where("id = ?", opID).Updates(updates).Error
}

// ReleaseOperation settles op with outcome and drops its lease, leaving the
// bounty status as it was.
func (s *Store) ReleaseOperation(ctx context.Context, op *models.LedgerOperation, outcome models.LedgerOperationOutcome, errMsg string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Bounty{}).
			Where("id = ? AND pending_operation_id = ?", op.BountyID, op.ID).
			Update("pending_operation_id", nil).Error; err != nil {
			return err
		}
		return tx.Model(&models.LedgerOperation{}).Where("id = ?", op.ID).
			Updates(map[string]interface{}{"outcome": outcome, "error": errMsg}).Error
	})
}

// CompleteOperation applies the bounty transition that follows a confirmed
// ledger call and drops the lease. The bounty must still be in from and held
// by op.
func (s *Store) CompleteOperation(ctx context.Context, op *models.LedgerOperation, from, to models.BountyStatus, fields map[string]interface{}) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":               to,
			"pending_operation_id": nil,
		}
		for k, v := range fields {
			updates[k] = v
		}
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status = ? AND pending_operation_id = ?", op.BountyID, from, op.ID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusMismatch
		}
		return tx.Model(&models.LedgerOperation{}).Where("id = ?", op.ID).
			Updates(map[string]interface{}{
				"outcome":   models.OutcomeConfirmed,
				"signature": op.Signature,
				"error":     "",
			}).Error
	})
}

// MarkFailed flips a bounty to FAILED after funds moved on the ledger but the
// follow-up store update did not commit. FAILED is never left automatically.
// Only the operation still holding the lease can fail the bounty; otherwise
// ErrLeaseLost is returned and nothing changes.
func (s *Store) MarkFailed(ctx context.Context, op *models.LedgerOperation, cause string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":               models.BountyStatusFailed,
			"pending_operation_id": nil,
		}
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND pending_operation_id = ?", op.BountyID, op.ID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return tx.Model(&models.LedgerOperation{}).Where("id = ?", op.ID).
			Updates(map[string]interface{}{
				"outcome":   models.OutcomeStoreFailure,
				"signature": op.Signature,
				"error":     cause,
			}).Error
	})
}

func (s *Store) GetOperation(ctx context.Context, id string) (*models.LedgerOperation, error) {
	var op models.LedgerOperation
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
		return nil, notFound(err)
	}
	return &op, nil
}

func (s *Store) OperationsForBounty(ctx context.Context, bountyID uint) ([]models.LedgerOperation, error) {
	var out []models.LedgerOperation
	err := s.DB.WithContext(ctx).Where("bounty_id = ?", bountyID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// OpenOperations returns leased operations whose outcome is unknown:
// unconfirmed ones, and submitted ones older than staleBefore (the caller
// crashed or is still waiting on the ledger).
func (s *Store) OpenOperations(ctx context.Context, staleBefore time.Time) ([]models.LedgerOperation, error) {
	var out []models.LedgerOperation
	err := s.DB.WithContext(ctx).
		Where("kind <> ?", models.LedgerOpAssign).
		Where("outcome = ? OR (outcome = ? AND created_at < ?)",
			models.OutcomeUnconfirmed, models.OutcomeSubmitted, staleBefore).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// FundedWithWinner returns FUNDED bounties joined with their winner's wallet,
// used to re-check ledger contributor assignment.
func (s *Store) FundedWithWinner(ctx context.Context) ([]WinnerAssignment, error) {
	var out []WinnerAssignment
	err := s.DB.WithContext(ctx).
		Table("bounties").
		Select("bounties.id AS bounty_id, submissions.wallet_address AS wallet, bounties.assigned_contributor AS assigned").
		Joins("JOIN submissions ON submissions.bounty_id = bounties.id AND submissions.status = ?", models.SubmissionStatusWinner).
		Where("bounties.status = ? AND bounties.pending_operation_id IS NULL AND submissions.wallet_address IS NOT NULL", models.BountyStatusFunded).
		Scan(&out).Error
	return out, err
}

type WinnerAssignment struct {
	BountyID uint
	Wallet   string
	Assigned *string
}
