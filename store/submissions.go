package store

import (
	"context"
	"errors"

	"bounty-escrow-system/models"

	"gorm.io/gorm"
)

var ErrSubmissionClosed = errors.New("store: submission already decided")

// UpsertSubmission records a pull request against a bounty. Re-deliveries
// refresh links, notes and the wallet (only when a new one is supplied) but
// never change a decided (winner or rejected) submission's status.
func (s *Store) UpsertSubmission(ctx context.Context, in *models.Submission) (*models.Submission, bool, error) {
	var out models.Submission
	created := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("bounty_id = ? AND pull_request_number = ?", in.BountyID, in.PullRequestNumber).
			First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if in.Status == "" {
				in.Status = models.SubmissionStatusSubmitted
			}
			if err := tx.Create(in).Error; err != nil {
				return err
			}
			out = *in
			created = true
			return nil
		}
		if err != nil {
			return err
		}

		out.Links = in.Links
		out.Notes = in.Notes
		out.SubmitterLogin = in.SubmitterLogin
		if in.HasWallet() {
			out.WalletAddress = in.WalletAddress
		}
		if in.Status != "" && (out.Status == models.SubmissionStatusDraft || out.Status == models.SubmissionStatusSubmitted) {
			out.Status = in.Status
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (s *Store) GetSubmission(ctx context.Context, bountyID, id uint) (*models.Submission, error) {
	var sub models.Submission
	err := s.DB.WithContext(ctx).Where("id = ? AND bounty_id = ?", id, bountyID).First(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (s *Store) ListSubmissions(ctx context.Context, bountyID uint) ([]models.Submission, error) {
	var out []models.Submission
	err := s.DB.WithContext(ctx).Where("bounty_id = ?", bountyID).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *Store) WinnerSubmission(ctx context.Context, bountyID uint) (*models.Submission, error) {
	var sub models.Submission
	err := s.DB.WithContext(ctx).
		Where("bounty_id = ? AND status = ?", bountyID, models.SubmissionStatusWinner).
		First(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// PromoteWinner makes one submission the winner and rejects every sibling in
// one transaction, holding the bounty row lock so concurrent promotions for
// the same bounty serialise. It fails with ErrLeaseHeld while a ledger
// operation holds the bounty.
func (s *Store) PromoteWinner(ctx context.Context, bountyID, submissionID uint) (*models.Submission, error) {
	var winner models.Submission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBounty(tx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != models.BountyStatusFunded {
			return ErrStatusMismatch
		}
		// a release in flight already paid the current winner's wallet
		if b.ActionPending() {
			return ErrLeaseHeld
		}
		if err := tx.Where("id = ? AND bounty_id = ?", submissionID, bountyID).First(&winner).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Model(&models.Submission{}).
			Where("bounty_id = ? AND id <> ?", bountyID, submissionID).
			Update("status", models.SubmissionStatusRejected).Error; err != nil {
			return err
		}
		if err := tx.Model(&winner).Update("status", models.SubmissionStatusWinner).Error; err != nil {
			return err
		}
		winner.Status = models.SubmissionStatusWinner
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &winner, nil
}

// RejectSubmission rejects one submission while its bounty is still open.
func (s *Store) RejectSubmission(ctx context.Context, bountyID, submissionID uint) (*models.Submission, error) {
	var sub models.Submission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBounty(tx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != models.BountyStatusFunded && b.Status != models.BountyStatusCreating {
			return ErrStatusMismatch
		}
		if b.ActionPending() {
			return ErrLeaseHeld
		}
		if err := tx.Where("id = ? AND bounty_id = ?", submissionID, bountyID).First(&sub).Error; err != nil {
			return notFound(err)
		}
		if sub.Status == models.SubmissionStatusRejected {
			return nil
		}
		if err := tx.Model(&sub).Update("status", models.SubmissionStatusRejected).Error; err != nil {
			return err
		}
		sub.Status = models.SubmissionStatusRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SetSubmissionWallet stores a validated payout address. Rejected submissions
// are closed for edits.
func (s *Store) SetSubmissionWallet(ctx context.Context, bountyID, submissionID uint, wallet string) (*models.Submission, error) {
	var sub models.Submission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND bounty_id = ?", submissionID, bountyID).First(&sub).Error; err != nil {
			return notFound(err)
		}
		if sub.Status == models.SubmissionStatusRejected {
			return ErrSubmissionClosed
		}
		if err := tx.Model(&sub).Update("wallet_address", wallet).Error; err != nil {
			return err
		}
		sub.WalletAddress = &wallet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
