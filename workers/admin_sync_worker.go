package workers

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"bounty-escrow-system/models"
)

const adminRole = "admin"

// RemoteUser is a profile entry carrying roles.
type RemoteUser struct {
	ExternalID string   `json:"external_id"`
	Username   string   `json:"username"`
	Roles      []string `json:"roles"`
}

// GetUsersWithRole returns the full current set of users holding role.
func (c *SyncClient) GetUsersWithRole(ctx context.Context, role string) ([]RemoteUser, error) {
	q := url.Values{}
	q.Set("role", role)
	var response struct {
		Users []RemoteUser `json:"users"`
	}
	if err := c.getJSON(ctx, "/api/v1/public/profiles", q, &response); err != nil {
		return nil, err
	}
	return response.Users, nil
}

type AdminStore interface {
	IsAdmin(ctx context.Context, identity string) (bool, error)
	GrantAdmin(ctx context.Context, identity, grantedBy, source string) (*models.Admin, error)
	RevokeAdminsNotIn(ctx context.Context, source string, keep []string) (int64, error)
}

// AdminSyncWorker keeps sync-sourced admin grants equal to the users holding
// the admin role in the profile service. Bootstrap and API grants are left alone.
type AdminSyncWorker struct {
	client   *SyncClient
	store    AdminStore
	interval time.Duration
}

func NewAdminSyncWorker(client *SyncClient, store AdminStore, interval time.Duration) *AdminSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AdminSyncWorker{client: client, store: store, interval: interval}
}

func (w *AdminSyncWorker) Run(ctx context.Context) {
	log.Println("🔁 Starting admin sync worker (sync-service → admins)…")
	if err := w.SyncOnce(ctx); err != nil {
		log.Printf("⚠️ [SYNC] initial admin sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				log.Printf("❌ [SYNC] admin sync failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Admin sync worker stopped")
			return
		}
	}
}

func (w *AdminSyncWorker) SyncOnce(ctx context.Context) error {
	users, err := w.client.GetUsersWithRole(ctx, adminRole)
	if err != nil {
		return err
	}

	keep := make([]string, 0, len(users))
	granted := 0
	for _, u := range users {
		if u.ExternalID == "" || !hasRole(u.Roles, adminRole) {
			continue
		}
		keep = append(keep, u.ExternalID)
		already, err := w.store.IsAdmin(ctx, u.ExternalID)
		if err != nil {
			return err
		}
		if already {
			continue
		}
		if _, err := w.store.GrantAdmin(ctx, u.ExternalID, "sync", models.AdminSourceSync); err != nil {
			log.Printf("[SYNC] ⚠️ granting admin to %s failed: %v", u.ExternalID, err)
			continue
		}
		granted++
	}
	if len(keep) == 0 {
		// an empty set never revokes every sync grant at once
		log.Printf("[SYNC] ⚠️ sync service reported no admins, keeping existing grants")
		return nil
	}
	revoked, err := w.store.RevokeAdminsNotIn(ctx, models.AdminSourceSync, keep)
	if err != nil {
		return err
	}
	if granted > 0 || revoked > 0 {
		log.Printf("✅ [SYNC] admins: %d granted, %d revoked", granted, revoked)
	}
	return nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}
