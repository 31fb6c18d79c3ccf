package models

import "time"

// SubmissionStatus tracks a claimed unit of work against a bounty.
type SubmissionStatus string

const (
	SubmissionStatusDraft     SubmissionStatus = "draft"
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	SubmissionStatusWinner    SubmissionStatus = "winner"
	SubmissionStatusRejected  SubmissionStatus = "rejected"
)

// Submission links one pull request to a bounty. At most one submission per
// bounty holds SubmissionStatusWinner; the partial unique index backs that up.
type Submission struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	BountyID          uint             `gorm:"not null;uniqueIndex:idx_submission_bounty_pr;uniqueIndex:idx_submission_one_winner,where:status = 'winner'" json:"bounty_id"`
	SubmitterID       string           `gorm:"type:varchar(128);not null;index" json:"submitter_id"` // issue-tracker account id
	SubmitterLogin    string           `gorm:"type:varchar(128)" json:"submitter_login"`
	PullRequestNumber int              `gorm:"not null;uniqueIndex:idx_submission_bounty_pr" json:"pull_request_number"`
	Links             []string         `gorm:"serializer:json;type:text" json:"links"`
	Notes             string           `gorm:"type:text" json:"notes"`
	WalletAddress     *string          `gorm:"type:varchar(64)" json:"wallet_address,omitempty"`
	Status            SubmissionStatus `gorm:"type:varchar(16);not null;default:'submitted';index" json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// HasWallet reports whether a payout address is on record.
func (s *Submission) HasWallet() bool {
	return s.WalletAddress != nil && *s.WalletAddress != ""
}
