package models

import "time"

type LedgerOperationKind string

const (
	LedgerOpFund    LedgerOperationKind = "fund"
	LedgerOpRelease LedgerOperationKind = "release"
	LedgerOpRefund  LedgerOperationKind = "refund"
	LedgerOpAssign  LedgerOperationKind = "assign"
)

// LedgerOperationOutcome is the last known result of a ledger call.
type LedgerOperationOutcome string

const (
	// OutcomeSubmitted is written before the call leaves the process.
	OutcomeSubmitted LedgerOperationOutcome = "submitted"
	OutcomeConfirmed LedgerOperationOutcome = "confirmed"
	OutcomeRejected  LedgerOperationOutcome = "rejected"
	// OutcomeUnconfirmed means the call may have landed; reconcile before retrying.
	OutcomeUnconfirmed LedgerOperationOutcome = "unconfirmed"
	// OutcomeNotApplied is set by reconciliation when the ledger shows no effect.
	OutcomeNotApplied LedgerOperationOutcome = "not_applied"
	// OutcomeStoreFailure means the ledger moved funds but the store update failed.
	OutcomeStoreFailure LedgerOperationOutcome = "post_transfer_store_failure"
)

// LedgerOperation is one step of a bounty saga: the external call, its
// arguments, and what is known about its outcome.
type LedgerOperation struct {
	ID          string                 `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BountyID    uint                   `gorm:"not null;index" json:"bounty_id"`
	Kind        LedgerOperationKind    `gorm:"type:varchar(16);not null" json:"kind"`
	ActorID     string                 `gorm:"type:varchar(128)" json:"actor_id"`
	Source      string                 `gorm:"type:varchar(64)" json:"source,omitempty"` // funder wallet for fund
	Destination string                 `gorm:"type:varchar(64)" json:"destination,omitempty"`
	Amount      uint64                 `json:"amount"`
	Mode        string                 `gorm:"type:varchar(32)" json:"mode,omitempty"`
	Signature   string                 `gorm:"type:varchar(128)" json:"signature,omitempty"`
	Outcome     LedgerOperationOutcome `gorm:"type:varchar(32);not null;index" json:"outcome"`
	Error       string                 `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Open reports whether reconciliation still has to settle this operation.
func (o *LedgerOperation) Open() bool {
	return o.Outcome == OutcomeSubmitted || o.Outcome == OutcomeUnconfirmed
}
