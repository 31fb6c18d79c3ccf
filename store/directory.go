package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bounty-escrow-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Admins ---

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (s *Store) IsAdmin(ctx context.Context, identity string) (bool, error) {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return false, nil
	}
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Admin{}).Where("identity = ?", identity).Count(&n).Error
	return n > 0, err
}

func (s *Store) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	var out []models.Admin
	err := s.DB.WithContext(ctx).Order("identity ASC").Find(&out).Error
	return out, err
}

// GrantAdmin adds identity to the admin directory, restoring a revoked grant.
func (s *Store) GrantAdmin(ctx context.Context, identity, grantedBy, source string) (*models.Admin, error) {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return nil, errors.New("store: empty admin identity")
	}
	a := models.Admin{Identity: identity, GrantedBy: grantedBy, Source: source}
	err := s.DB.WithContext(ctx).Unscoped().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"deleted_at": nil, "granted_by": grantedBy, "source": source}),
	}).Create(&a).Error
	if err != nil {
		return nil, err
	}
	var out models.Admin
	if err := s.DB.WithContext(ctx).Where("identity = ?", identity).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) RevokeAdmin(ctx context.Context, identity string) error {
	res := s.DB.WithContext(ctx).Where("identity = ?", normalizeIdentity(identity)).Delete(&models.Admin{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAdminsNotIn drops grants from source whose identity is not in keep.
func (s *Store) RevokeAdminsNotIn(ctx context.Context, source string, keep []string) (int64, error) {
	q := s.DB.WithContext(ctx).Where("source = ?", source)
	if len(keep) > 0 {
		norm := make([]string, 0, len(keep))
		for _, k := range keep {
			norm = append(norm, normalizeIdentity(k))
		}
		q = q.Where("identity NOT IN ?", norm)
	}
	res := q.Delete(&models.Admin{})
	return res.RowsAffected, res.Error
}

// --- Installations ---

func (s *Store) UpsertInstallation(ctx context.Context, inst *models.Installation) error {
	return s.DB.WithContext(ctx).Unscoped().Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "installation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"account_login": inst.AccountLogin,
			"account_id":    inst.AccountID,
			"deleted_at":    nil,
		}),
	}).Create(inst).Error
}

func (s *Store) DeleteInstallation(ctx context.Context, installationID int64) error {
	return s.DB.WithContext(ctx).Where("installation_id = ?", installationID).Delete(&models.Installation{}).Error
}

// InstallationForOwner resolves the installation that covers owner's repositories.
func (s *Store) InstallationForOwner(ctx context.Context, owner string) (int64, error) {
	var inst models.Installation
	err := s.DB.WithContext(ctx).
		Where("LOWER(account_login) = ?", strings.ToLower(owner)).
		Order("updated_at DESC").
		First(&inst).Error
	if err != nil {
		return 0, notFound(err)
	}
	return inst.InstallationID, nil
}

// --- Contributor wallets ---

// UpsertWallets mirrors wallets keyed by tracker account id.
func (s *Store) UpsertWallets(ctx context.Context, wallets []models.ContributorWallet) error {
	if len(wallets) == 0 {
		return nil
	}
	for i := range wallets {
		if wallets[i].ID == "" {
			wallets[i].ID = uuid.NewString()
		}
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"login", "chain", "address", "is_active", "updated_at",
		}),
	}).Create(&wallets).Error
}

// WalletForAccount returns the active mirrored payout address of a tracker account.
func (s *Store) WalletForAccount(ctx context.Context, accountID string) (string, bool, error) {
	var w models.ContributorWallet
	err := s.DB.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup wallet for %s: %w", accountID, err)
	}
	return w.Address, true, nil
}
