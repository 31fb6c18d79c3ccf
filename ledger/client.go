// Package ledger talks to the on-chain escrow program that holds bounty funds.
//
// Every mutating call is simulated before it is submitted. Errors come in two
// shapes that callers must keep apart:
//
//   - rejected: the call was refused before any state change (simulation
//     failure, program error, transport failure before submission). Retrying
//     is safe.
//   - unconfirmed (*UnconfirmedError): the transaction was handed to the
//     ledger but its confirmation was not observed. The caller must read
//     escrow state (GetEscrow) before retrying.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

type Op string

const (
	OpFund    Op = "fund"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
	OpAssign  Op = "assign"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvalidDestination = errors.New("ledger: invalid destination")
	ErrSimulationFailed   = errors.New("ledger: simulation failed")
	ErrAlreadyReleased    = errors.New("ledger: escrow already released")
	ErrEscrowEmpty        = errors.New("ledger: escrow empty")
	ErrUnauthorized       = errors.New("ledger: unauthorized")
)

// UnconfirmedError reports a submitted call whose outcome is unknown.
type UnconfirmedError struct {
	Op        Op
	Signature string
	Err       error
}

func (e *UnconfirmedError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("ledger: %s %s unconfirmed: %v", e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("ledger: %s unconfirmed: %v", e.Op, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// IsUnconfirmed reports whether err leaves the ledger state unknown.
func IsUnconfirmed(err error) bool {
	var u *UnconfirmedError
	return errors.As(err, &u)
}

// EscrowState is what the ledger reports for a bounty escrow.
type EscrowState struct {
	Authority     string `json:"authority"`
	TokenAccount  string `json:"token_account"`
	Balance       uint64 `json:"balance"`
	Funder        string `json:"funder,omitempty"`
	Contributor   string `json:"contributor,omitempty"`
	Released      bool   `json:"released"`
	ReleasedTo    string `json:"released_to,omitempty"`
	Refunded      bool   `json:"refunded"`
	LastSignature string `json:"last_signature,omitempty"`
}

// Client is the contract of the escrow program as seen by the lifecycle engine.
type Client interface {
	Fund(ctx context.Context, bountyID uint, amount uint64, from string) (string, error)
	Release(ctx context.Context, bountyID uint, destination string) (string, error)
	Refund(ctx context.Context, bountyID uint) (string, error)
	AssignContributor(ctx context.Context, bountyID uint, contributor string) (string, error)
	GetEscrow(ctx context.Context, bountyID uint) (*EscrowState, error)
	// DeriveEscrowAddress is pure and never touches the network.
	DeriveEscrowAddress(bountyID uint) string
}
