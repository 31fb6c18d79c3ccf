// Package tracker is the issue-tracker collaborator: comments on issues and
// pull requests, pull request closing, and app installation tokens.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoInstallation = errors.New("tracker: no installation for repository owner")
	ErrBadRepo        = errors.New("tracker: repository must be owner/name")
)

// Client is what the lifecycle engine needs from the issue tracker.
type Client interface {
	PostComment(ctx context.Context, repo string, number int, body string) error
	ClosePullRequest(ctx context.Context, repo string, number int) error
	GetInstallationAccessToken(ctx context.Context, installationID int64) (string, error)
}

// InstallationResolver maps a repository owner to the app installation that
// can act on its repositories.
type InstallationResolver interface {
	InstallationForOwner(ctx context.Context, owner string) (int64, error)
}

// APIError is a non-2xx response from the tracker API.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// SplitRepo splits "owner/name".
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadRepo, repo)
	}
	return parts[0], parts[1], nil
}
