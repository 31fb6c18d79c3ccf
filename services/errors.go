package services

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError means the actor is neither the bounty's maintainer nor an admin.
type AuthorizationError struct {
	Actor  string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%q is not allowed to %s", e.Actor, e.Action)
}

// ConflictError means the bounty is not in a state that allows the request.
// Callers can re-read the bounty and decide.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func conflict(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

var ErrNotFound = errors.New("not found")

// Stage says where in a saga an external call went wrong.
type Stage string

const (
	// StagePreTransfer: nothing moved; retrying is safe.
	StagePreTransfer Stage = "pre_transfer"
	// StageUnconfirmed: the ledger may have applied the call; the bounty stays
	// action-pending until reconciliation.
	StageUnconfirmed Stage = "unconfirmed"
	// StagePostTransfer: funds moved but the store did not record it. The
	// bounty needs manual reconciliation; BountyFailed says whether it was
	// moved to FAILED.
	StagePostTransfer Stage = "post_transfer"
)

// ExternalSystemError wraps a ledger failure with its saga stage.
type ExternalSystemError struct {
	System       string
	Stage        Stage
	OperationID  string
	// BountyFailed is set when a post-transfer failure moved the bounty to FAILED.
	BountyFailed bool
	Err          error
}

func (e *ExternalSystemError) Error() string {
	return fmt.Sprintf("%s %s failure (operation %s): %v", e.System, e.Stage, e.OperationID, e.Err)
}

func (e *ExternalSystemError) Unwrap() error { return e.Err }

// Warning is one non-fatal sub-failure of an operation that still succeeded.
type Warning struct {
	Step   string `json:"step"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error"`
}

// PartialSuccess is returned alongside a committed result when some side
// effects failed. It is never a reason to roll back.
type PartialSuccess struct {
	Warnings []Warning
}

func (e *PartialSuccess) Error() string {
	parts := make([]string, 0, len(e.Warnings))
	for _, w := range e.Warnings {
		parts = append(parts, fmt.Sprintf("%s %s: %s", w.Step, w.Target, w.Error))
	}
	return "partial success: " + strings.Join(parts, "; ")
}

// partial returns nil when there is nothing to report.
func partial(warnings []Warning) error {
	if len(warnings) == 0 {
		return nil
	}
	return &PartialSuccess{Warnings: warnings}
}

// IsPartial reports whether err only carries warnings.
func IsPartial(err error) bool {
	var p *PartialSuccess
	return errors.As(err, &p)
}
