// Package store is the Bounty Store: bounties, submissions, the ledger
// operation journal, and the admin and installation directories.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bounty-escrow-system/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStatusMismatch means a conditional update found the row in another status.
	ErrStatusMismatch = errors.New("store: bounty not in expected status")
	// ErrLeaseHeld means another ledger operation holds the bounty.
	ErrLeaseHeld = errors.New("store: ledger operation already in flight")
	// ErrLeaseLost means the operation no longer holds the bounty's lease.
	ErrLeaseLost = errors.New("store: operation no longer holds the lease")
)

const sqlitePrefix = "sqlite:"

// Open connects to postgres, or to sqlite when dsn starts with "sqlite:".
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Bounty{},
		&models.Submission{},
		&models.LedgerOperation{},
		&models.Admin{},
		&models.Installation{},
		&models.ContributorWallet{},
	)
}

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// PingContext reports whether the database answers.
func (s *Store) PingContext(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
