package services

import (
	"context"
	"log"
	"strings"
)

// Actor is the authenticated identity behind a request.
type Actor struct {
	ID    string
	Roles []string
}

// AdminDirectory answers whether an identity currently holds admin rights.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, identity string) (bool, error)
}

// Authorizer gates mutating operations: the bounty's maintainer or an admin.
// Admin rights are looked up on every call.
type Authorizer struct {
	admins AdminDirectory
}

func NewAuthorizer(admins AdminDirectory) *Authorizer {
	return &Authorizer{admins: admins}
}

func (a *Authorizer) IsAdmin(ctx context.Context, actor Actor) bool {
	if strings.TrimSpace(actor.ID) == "" || a == nil || a.admins == nil {
		return false
	}
	ok, err := a.admins.IsAdmin(ctx, actor.ID)
	if err != nil {
		// fail closed
		log.Printf("❌ [AUTHZ] admin lookup for %s failed: %v", actor.ID, err)
		return false
	}
	return ok
}

// RequireAdmin returns an *AuthorizationError unless actor is an admin.
func (a *Authorizer) RequireAdmin(ctx context.Context, actor Actor, action string) error {
	if a.IsAdmin(ctx, actor) {
		return nil
	}
	return &AuthorizationError{Actor: actor.ID, Action: action}
}

// RequireMaintainerOrAdmin allows the bounty's maintainer or any admin. The
// returned flag reports whether the admin override was used.
func (a *Authorizer) RequireMaintainerOrAdmin(ctx context.Context, actor Actor, maintainerID, action string) (bool, error) {
	if actor.ID != "" && actor.ID == maintainerID {
		return a.IsAdmin(ctx, actor), nil
	}
	if a.IsAdmin(ctx, actor) {
		return true, nil
	}
	return false, &AuthorizationError{Actor: actor.ID, Action: action}
}
