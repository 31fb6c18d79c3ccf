// models/wallet_mirror.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// ContributorWallet mirrors contributor payout wallets from the sync service.
// Table name: contributor_wallets
type ContributorWallet struct {
	ID        string    `gorm:"primaryKey;type:varchar(36);not null" json:"id"`
	AccountID string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"account_id"` // issue-tracker account id, primary lookup key
	Login     string    `gorm:"type:varchar(128);index" json:"login"`
	Chain     string    `gorm:"type:varchar(64);not null" json:"chain"`
	Address   string    `gorm:"type:varchar(64);not null" json:"address"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
