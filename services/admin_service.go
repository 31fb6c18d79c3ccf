package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"bounty-escrow-system/models"
	"bounty-escrow-system/store"
)

// AdminDirectoryStore is the persistence behind the admin directory.
type AdminDirectoryStore interface {
	AdminDirectory
	ListAdmins(ctx context.Context) ([]models.Admin, error)
	GrantAdmin(ctx context.Context, identity, grantedBy, source string) (*models.Admin, error)
	RevokeAdmin(ctx context.Context, identity string) error
}

// AdminService manages who may override maintainer-only operations.
type AdminService struct {
	store AdminDirectoryStore
	authz *Authorizer
}

func NewAdminService(st AdminDirectoryStore, authz *Authorizer) *AdminService {
	return &AdminService{store: st, authz: authz}
}

func (s *AdminService) List(ctx context.Context, actor Actor) ([]models.Admin, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "list admins"); err != nil {
		return nil, err
	}
	return s.store.ListAdmins(ctx)
}

func (s *AdminService) Grant(ctx context.Context, actor Actor, identity string) (*models.Admin, error) {
	if err := s.authz.RequireAdmin(ctx, actor, "grant admin rights"); err != nil {
		return nil, err
	}
	identity = strings.TrimSpace(identity)
	if identity == "" || len(identity) > 128 {
		return nil, invalid("identity", "must be 1-128 characters")
	}
	a, err := s.store.GrantAdmin(ctx, identity, actor.ID, models.AdminSourceAPI)
	if err != nil {
		return nil, fmt.Errorf("grant admin: %w", err)
	}
	log.Printf("🛡️ [AUTHZ] %s granted admin to %s", actor.ID, a.Identity)
	return a, nil
}

// Revoke removes a grant. Admins cannot revoke their own grant.
func (s *AdminService) Revoke(ctx context.Context, actor Actor, identity string) error {
	if err := s.authz.RequireAdmin(ctx, actor, "revoke admin rights"); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(identity), actor.ID) {
		return conflict("admins cannot revoke their own rights")
	}
	if err := s.store.RevokeAdmin(ctx, identity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("admin %q: %w", identity, ErrNotFound)
		}
		return err
	}
	log.Printf("🛡️ [AUTHZ] %s revoked admin of %s", actor.ID, identity)
	return nil
}

// Bootstrap grants every configured identity at startup.
func (s *AdminService) Bootstrap(ctx context.Context, identities []string) error {
	for _, id := range identities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := s.store.GrantAdmin(ctx, id, "config", models.AdminSourceBootstrap); err != nil {
			return fmt.Errorf("bootstrap admin %s: %w", id, err)
		}
	}
	return nil
}
