package store

import (
	"context"
	"time"

	"bounty-escrow-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBounty inserts b unless a bounty already exists for the same issue,
// in which case the existing row is returned with created=false.
func (s *Store) CreateBounty(ctx context.Context, b *models.Bounty) (*models.Bounty, bool, error) {
	db := s.DB.WithContext(ctx)
	existing, err := s.findBountyForIssue(ctx, b.RepoName, b.IssueNumber)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	b.Status = models.BountyStatusCreating
	if err := db.Create(b).Error; err != nil {
		// Lost a race with a concurrent create of the same issue.
		if existing, lookupErr := s.findBountyForIssue(ctx, b.RepoName, b.IssueNumber); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// findBountyForIssue returns nil without an error when the issue has no
// bounty, so the common miss is not logged as a failed query.
func (s *Store) findBountyForIssue(ctx context.Context, repo string, issue int) (*models.Bounty, error) {
	var found []models.Bounty
	err := s.DB.WithContext(ctx).
		Where("repo_name = ? AND issue_number = ?", repo, issue).
		Limit(1).
		Find(&found).Error
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

func (s *Store) GetBounty(ctx context.Context, id uint) (*models.Bounty, error) {
	var b models.Bounty
	if err := s.DB.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) BountyForIssue(ctx context.Context, repo string, issue int) (*models.Bounty, error) {
	var b models.Bounty
	err := s.DB.WithContext(ctx).
		Where("repo_name = ? AND issue_number = ?", repo, issue).
		First(&b).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

type BountyFilter struct {
	Status       *models.BountyStatus
	RepoName     string
	MaintainerID string
	Limit        int
	Offset       int
}

func (s *Store) ListBounties(ctx context.Context, f BountyFilter) ([]models.Bounty, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.Bounty{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.RepoName != "" {
		q = q.Where("repo_name = ?", f.RepoName)
	}
	if f.MaintainerID != "" {
		q = q.Where("maintainer_id = ?", f.MaintainerID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.Bounty
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, total, err
}

// TransitionStatus moves a bounty from one status to another. It fails with
// ErrStatusMismatch when the bounty is no longer in from or a ledger
// operation holds it.
func (s *Store) TransitionStatus(ctx context.Context, id uint, from, to models.BountyStatus) error {
	res := s.DB.WithContext(ctx).Model(&models.Bounty{}).
		Where("id = ? AND status = ? AND pending_operation_id IS NULL", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusMismatch
	}
	return nil
}

// CancelBounty sets the bounty CANCELLED and every submission Rejected in one
// unit of work, returning the submissions as they were before rejection.
func (s *Store) CancelBounty(ctx context.Context, id uint, from ...models.BountyStatus) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status IN ? AND pending_operation_id IS NULL", id, from).
			Update("status", models.BountyStatusCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusMismatch
		}
		if err := tx.Where("bounty_id = ?", id).Order("id ASC").Find(&subs).Error; err != nil {
			return err
		}
		return tx.Model(&models.Submission{}).
			Where("bounty_id = ? AND status <> ?", id, models.SubmissionStatusRejected).
			Update("status", models.SubmissionStatusRejected).Error
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// SetAssignment records the contributor last assigned on the ledger.
func (s *Store) SetAssignment(ctx context.Context, id uint, contributor, signature string) error {
	return s.DB.WithContext(ctx).Model(&models.Bounty{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"assigned_contributor": contributor,
			"assign_signature":     signature,
		}).Error
}

func (s *Store) FailedBounties(ctx context.Context) ([]models.Bounty, error) {
	var out []models.Bounty
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.BountyStatusFailed).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

func (s *Store) CountByStatus(ctx context.Context, status models.BountyStatus) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Bounty{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// OverdueBounties returns FUNDED bounties past their deadline that have no
// winner and were never reminded.
func (s *Store) OverdueBounties(ctx context.Context, now time.Time) ([]models.Bounty, error) {
	var out []models.Bounty
	winners := s.DB.Model(&models.Submission{}).Select("1").
		Where("submissions.bounty_id = bounties.id AND submissions.status = ?", models.SubmissionStatusWinner)
	err := s.DB.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ? AND deadline_notified_at IS NULL",
			models.BountyStatusFunded, now).
		Where("NOT EXISTS (?)", winners).
		Find(&out).Error
	return out, err
}

func (s *Store) MarkDeadlineNotified(ctx context.Context, id uint, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.Bounty{}).
		Where("id = ? AND deadline_notified_at IS NULL", id).
		Update("deadline_notified_at", at).Error
}

// lockBounty reads a bounty with a row lock inside tx.
func lockBounty(tx *gorm.DB, id uint) (*models.Bounty, error) {
	var b models.Bounty
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}
