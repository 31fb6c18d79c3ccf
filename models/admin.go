package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	AdminSourceBootstrap = "bootstrap"
	AdminSourceAPI       = "api"
	AdminSourceSync      = "sync"
)

// Admin is an identity allowed to override maintainer-only operations.
// Checked per request so grants take effect without a redeploy.
type Admin struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Identity  string         `gorm:"type:varchar(128);not null;uniqueIndex" json:"identity"`
	GrantedBy string         `gorm:"type:varchar(128)" json:"granted_by,omitempty"`
	Source    string         `gorm:"type:varchar(16);not null;default:'api'" json:"source"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Installation maps an issue-tracker app installation to the account owning it.
type Installation struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	InstallationID int64          `gorm:"not null;uniqueIndex" json:"installation_id"`
	AccountLogin   string         `gorm:"type:varchar(255);not null;index" json:"account_login"`
	AccountID      int64          `json:"account_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
