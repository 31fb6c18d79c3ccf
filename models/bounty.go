package models

import (
	"time"
)

// BountyStatus is the persisted lifecycle code of a bounty.
// Codes are stored as integers and shared with the dashboard: append new
// codes, never renumber existing ones. 4-6 are reserved.
type BountyStatus int

const (
	BountyStatusCreating        BountyStatus = 1
	BountyStatusFunded          BountyStatus = 2
	BountyStatusCompleted       BountyStatus = 3
	BountyStatusCancelled       BountyStatus = 7
	BountyStatusCancelRequested BountyStatus = 8
	BountyStatusFailed          BountyStatus = 9
)

func (s BountyStatus) String() string {
	switch s {
	case BountyStatusCreating:
		return "creating"
	case BountyStatusFunded:
		return "funded"
	case BountyStatusCompleted:
		return "completed"
	case BountyStatusCancelled:
		return "cancelled"
	case BountyStatusCancelRequested:
		return "cancel_requested"
	case BountyStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition may leave this status.
func (s BountyStatus) Terminal() bool {
	return s == BountyStatusCompleted || s == BountyStatusCancelled || s == BountyStatusFailed
}

// Bounty is a funded request for work against one issue of one repository.
// Rows are never deleted: cancellation and failure are statuses.
type Bounty struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	IssueNumber   int        `gorm:"not null;uniqueIndex:idx_bounty_issue_repo" json:"issue_number"`
	RepoName      string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_bounty_issue_repo" json:"repo_name"`
	Slug          string     `gorm:"type:varchar(255);index" json:"slug"`
	Name          string     `gorm:"not null" json:"name"`
	Description   string     `gorm:"type:text" json:"description"`
	RewardAmount  uint64     `gorm:"not null" json:"reward_amount"` // smallest token unit, immutable
	Skills        []string   `gorm:"serializer:json;type:text" json:"skills"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	ContactMethod string     `json:"contact_method,omitempty"`

	MaintainerID string `gorm:"type:varchar(128);not null;index" json:"maintainer_id"`
	SponsorID    string `gorm:"type:varchar(128);index" json:"sponsor_id,omitempty"`

	// 🔗 On-chain custody
	FunderWallet        *string    `gorm:"type:varchar(64)" json:"funder_wallet,omitempty"`
	EscrowAddress       *string    `gorm:"type:varchar(64)" json:"escrow_address,omitempty"`
	FundingSignature    *string    `gorm:"type:varchar(128)" json:"funding_signature,omitempty"`
	AssignedContributor *string    `gorm:"type:varchar(64)" json:"assigned_contributor,omitempty"`
	AssignSignature     *string    `gorm:"type:varchar(128)" json:"assign_signature,omitempty"`
	ReleaseDestination  *string    `gorm:"type:varchar(64)" json:"release_destination,omitempty"`
	ReleaseSignature    *string    `gorm:"type:varchar(128)" json:"release_signature,omitempty"`
	RefundSignature     *string    `gorm:"type:varchar(128)" json:"refund_signature,omitempty"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`

	// PendingOperationID is the lease held by an in-flight ledger operation.
	PendingOperationID *string `gorm:"type:varchar(36);index" json:"pending_operation_id,omitempty"`

	DeadlineNotifiedAt *time.Time   `json:"deadline_notified_at,omitempty"`
	Status             BountyStatus `gorm:"not null;default:1;index" json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`

	Submissions []Submission `gorm:"foreignKey:BountyID" json:"submissions,omitempty"`
}

// ActionPending is true while a ledger call for this bounty has no known outcome.
func (b *Bounty) ActionPending() bool {
	return b.PendingOperationID != nil
}

// Funded reports whether funds ever reached escrow for this bounty.
func (b *Bounty) Funded() bool {
	return b.FundingSignature != nil && *b.FundingSignature != ""
}
