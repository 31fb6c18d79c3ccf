// Package matcher links inbound pull request text to a funded bounty and
// extracts the contributor's payout wallet.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bounty-escrow-system/ledger"
)

var (
	// ErrNoIssueReference means the text carries no closing keyword; the event is ignored.
	ErrNoIssueReference = errors.New("matcher: no issue reference")
	// ErrNoBounty means the referenced issue has no funded bounty; the event is ignored.
	ErrNoBounty = errors.New("matcher: no funded bounty for issue")
)

// InvalidWalletError reports a wallet-shaped token that failed strict validation.
// The submission may still be recorded without a wallet.
type InvalidWalletError struct {
	Candidate string
	Err       error
}

func (e *InvalidWalletError) Error() string {
	return fmt.Sprintf("matcher: invalid wallet %q: %v", e.Candidate, e.Err)
}

func (e *InvalidWalletError) Unwrap() error { return e.Err }

var (
	closingRef = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s*:?\s+([\w.-]+/[\w.-]+)?#(\d+)\b`)
	// "wallet: <addr>", "payout address - <addr>", ...
	labeledWallet = regexp.MustCompile(`(?i)\b(?:wallet|payout(?:\s+address)?|address)\s*[:=\-]\s*` + "`?" + `([A-Za-z0-9]+)`)
	// base58 alphabet, 32..44 characters
	walletShaped = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
)

// IssueReference is a closing reference found in contribution text.
type IssueReference struct {
	Repo   string // empty when the reference is local to the pull request's repository
	Number int
}

// FindIssueReferences returns every closing reference in text, in order.
func FindIssueReferences(text string) []IssueReference {
	var refs []IssueReference
	for _, m := range closingRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			continue
		}
		refs = append(refs, IssueReference{Repo: m[1], Number: n})
	}
	return refs
}

// ExtractWallet returns the payout address in text. A labeled address wins
// over a bare address-shaped token. It returns "" and nil when the text holds
// no candidate at all, and *InvalidWalletError when a candidate fails validation.
func ExtractWallet(text string) (string, error) {
	if m := labeledWallet.FindStringSubmatch(text); m != nil {
		return validate(m[1])
	}
	for _, candidate := range walletShaped.FindAllString(text, -1) {
		if ledger.IsValidAddress(candidate) {
			return candidate, nil
		}
	}
	if candidate := walletShaped.FindString(text); candidate != "" {
		return validate(candidate)
	}
	return "", nil
}

func validate(candidate string) (string, error) {
	addr, err := ledger.ParseAddress(candidate)
	if err != nil {
		return "", &InvalidWalletError{Candidate: candidate, Err: err}
	}
	return addr.String(), nil
}

// Bounty is the part of a bounty the matcher needs.
type Bounty struct {
	ID          uint
	RepoName    string
	IssueNumber int
}

// BountyLookup finds a FUNDED bounty by repository and issue number.
type BountyLookup interface {
	FundedBountyForIssue(ctx context.Context, repo string, issue int) (*Bounty, bool, error)
}

// Match is the outcome of matching one pull request.
type Match struct {
	Bounty Bounty
	Issue  IssueReference
	Wallet string
	// WalletErr is set when a wallet-shaped token was rejected.
	WalletErr *InvalidWalletError
}

type Matcher struct {
	lookup BountyLookup
}

func New(lookup BountyLookup) *Matcher {
	return &Matcher{lookup: lookup}
}

// Match links the text of a pull request in repo to a funded bounty. The first
// closing reference that resolves to a funded bounty wins.
func (m *Matcher) Match(ctx context.Context, repo, text string) (*Match, error) {
	refs := FindIssueReferences(text)
	if len(refs) == 0 {
		return nil, ErrNoIssueReference
	}

	for _, ref := range refs {
		if ref.Repo != "" && !strings.EqualFold(ref.Repo, repo) {
			continue
		}
		b, ok, err := m.lookup.FundedBountyForIssue(ctx, repo, ref.Number)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		out := &Match{Bounty: *b, Issue: ref}
		wallet, err := ExtractWallet(text)
		var invalid *InvalidWalletError
		switch {
		case errors.As(err, &invalid):
			out.WalletErr = invalid
		case err != nil:
			return nil, err
		default:
			out.Wallet = wallet
		}
		return out, nil
	}
	return nil, ErrNoBounty
}
