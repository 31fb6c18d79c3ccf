package store

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"bounty-escrow-system/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func seedBounty(t *testing.T, s *Store, issue int, status models.BountyStatus) *models.Bounty {
	t.Helper()
	b, created, err := s.CreateBounty(context.Background(), &models.Bounty{
		IssueNumber:  issue,
		RepoName:     "acme/widgets",
		Name:         fmt.Sprintf("Issue %d", issue),
		RewardAmount: 100,
		MaintainerID: "maint",
	})
	require.NoError(t, err)
	require.True(t, created)
	if status != models.BountyStatusCreating {
		require.NoError(t, s.DB.Model(b).Update("status", status).Error)
		b.Status = status
	}
	return b
}

func seedSubmission(t *testing.T, s *Store, bountyID uint, pr int) *models.Submission {
	t.Helper()
	sub, created, err := s.UpsertSubmission(context.Background(), &models.Submission{
		BountyID:          bountyID,
		SubmitterID:       fmt.Sprintf("user-%d", pr),
		PullRequestNumber: pr,
	})
	require.NoError(t, err)
	require.True(t, created)
	return sub
}

func TestCreateBountyIsIdempotentPerIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := seedBounty(t, s, 42, models.BountyStatusCreating)

	again, created, err := s.CreateBounty(ctx, &models.Bounty{
		IssueNumber: 42, RepoName: "acme/widgets", Name: "dup", RewardAmount: 999, MaintainerID: "other",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, uint64(100), again.RewardAmount)

	var n int64
	require.NoError(t, s.DB.Model(&models.Bounty{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestOperationLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 1, models.BountyStatusCreating)

	op := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpFund, Amount: 100}
	require.NoError(t, s.AcquireOperation(ctx, op, models.BountyStatusCreating))

	second := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpFund}
	assert.ErrorIs(t, s.AcquireOperation(ctx, second, models.BountyStatusCreating), ErrLeaseHeld)

	other := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpRelease}
	assert.ErrorIs(t, s.AcquireOperation(ctx, other, models.BountyStatusFunded), ErrLeaseHeld)

	op.Signature = "sig"
	require.NoError(t, s.CompleteOperation(ctx, op, models.BountyStatusCreating, models.BountyStatusFunded,
		map[string]interface{}{"funding_signature": "sig"}))

	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusFunded, got.Status)
	assert.False(t, got.ActionPending())
	assert.True(t, got.Funded())

	journal, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, journal.Outcome)
	assert.Equal(t, "sig", journal.Signature)

	assert.ErrorIs(t, s.CompleteOperation(ctx, op, models.BountyStatusCreating, models.BountyStatusFunded, nil), ErrStatusMismatch)
	assert.ErrorIs(t, s.AcquireOperation(ctx, second, models.BountyStatusCreating), ErrStatusMismatch)
}

func TestReleaseOperationKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 1, models.BountyStatusCreating)
	op := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpFund}
	require.NoError(t, s.AcquireOperation(ctx, op, models.BountyStatusCreating))

	require.NoError(t, s.ReleaseOperation(ctx, op, models.OutcomeRejected, "insufficient funds"))
	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCreating, got.Status)
	assert.False(t, got.ActionPending())

	journal, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, journal.Outcome)
	assert.Equal(t, "insufficient funds", journal.Error)
}

func TestMarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 1, models.BountyStatusFunded)
	op := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpRelease}
	require.NoError(t, s.AcquireOperation(ctx, op, models.BountyStatusFunded))

	op.Signature = "landed"
	require.NoError(t, s.MarkFailed(ctx, op, "disk full"))

	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusFailed, got.Status)
	assert.False(t, got.ActionPending())

	failed, err := s.FailedBounties(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	journal, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStoreFailure, journal.Outcome)
	assert.Equal(t, "landed", journal.Signature)
}

func TestMarkFailedRequiresLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 1, models.BountyStatusCreating)
	op := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpFund, Amount: 100}
	require.NoError(t, s.AcquireOperation(ctx, op, models.BountyStatusCreating))

	op.Signature = "sig"
	require.NoError(t, s.CompleteOperation(ctx, op, models.BountyStatusCreating, models.BountyStatusFunded, nil))

	assert.ErrorIs(t, s.MarkFailed(ctx, op, "late escalation"), ErrLeaseLost)

	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusFunded, got.Status)

	journal, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, journal.Outcome)
}

func TestPromoteWinnerKeepsSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 7, models.BountyStatusFunded)
	var ids []uint
	for pr := 1; pr <= 5; pr++ {
		ids = append(ids, seedSubmission(t, s, b.ID, pr).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := s.PromoteWinner(ctx, b.ID, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	subs, err := s.ListSubmissions(ctx, b.ID)
	require.NoError(t, err)
	winners := 0
	for _, sub := range subs {
		if sub.Status == models.SubmissionStatusWinner {
			winners++
		} else {
			assert.Equal(t, models.SubmissionStatusRejected, sub.Status)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPromoteWinnerRequiresFunded(t *testing.T) {
	s := newTestStore(t)
	b := seedBounty(t, s, 8, models.BountyStatusCreating)
	sub := seedSubmission(t, s, b.ID, 1)
	_, err := s.PromoteWinner(context.Background(), b.ID, sub.ID)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	_, err = s.PromoteWinner(context.Background(), b.ID, 9999)
	assert.ErrorIs(t, err, ErrStatusMismatch)
}

func TestUpsertSubmissionKeepsDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 9, models.BountyStatusFunded)
	sub := seedSubmission(t, s, b.ID, 3)
	_, err := s.PromoteWinner(ctx, b.ID, sub.ID)
	require.NoError(t, err)

	wallet := "WalletAddr"
	again, created, err := s.UpsertSubmission(ctx, &models.Submission{
		BountyID:          b.ID,
		SubmitterID:       "user-3",
		PullRequestNumber: 3,
		Notes:             "edited",
		Links:             []string{"https://example.com"},
		WalletAddress:     &wallet,
		Status:            models.SubmissionStatusSubmitted,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.SubmissionStatusWinner, again.Status)
	assert.Equal(t, "edited", again.Notes)
	assert.Equal(t, []string{"https://example.com"}, again.Links)
	require.True(t, again.HasWallet())

	// a re-delivery without a wallet keeps the stored one
	again, _, err = s.UpsertSubmission(ctx, &models.Submission{BountyID: b.ID, SubmitterID: "user-3", PullRequestNumber: 3})
	require.NoError(t, err)
	assert.Equal(t, wallet, *again.WalletAddress)
}

func TestCancelBountyRejectsAllSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 10, models.BountyStatusCancelRequested)
	seedSubmission(t, s, b.ID, 1)
	seedSubmission(t, s, b.ID, 2)

	subs, err := s.CancelBounty(ctx, b.ID, models.BountyStatusCancelRequested, models.BountyStatusFunded)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	after, err := s.ListSubmissions(ctx, b.ID)
	require.NoError(t, err)
	for _, sub := range after {
		assert.Equal(t, models.SubmissionStatusRejected, sub.Status)
	}
	got, err := s.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCancelled, got.Status)

	_, err = s.CancelBounty(ctx, b.ID, models.BountyStatusCancelRequested)
	assert.ErrorIs(t, err, ErrStatusMismatch)
}

func TestOpenOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b1 := seedBounty(t, s, 1, models.BountyStatusCreating)
	b2 := seedBounty(t, s, 2, models.BountyStatusCreating)

	fresh := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b1.ID, Kind: models.LedgerOpFund}
	require.NoError(t, s.AcquireOperation(ctx, fresh, models.BountyStatusCreating))
	unconfirmed := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b2.ID, Kind: models.LedgerOpFund}
	require.NoError(t, s.AcquireOperation(ctx, unconfirmed, models.BountyStatusCreating))
	require.NoError(t, s.SetOperationOutcome(ctx, unconfirmed.ID, models.OutcomeUnconfirmed, "sig", "timeout"))

	open, err := s.OpenOperations(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, unconfirmed.ID, open[0].ID)

	open, err = s.OpenOperations(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestOverdueBounties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-48 * time.Hour)

	overdue := seedBounty(t, s, 1, models.BountyStatusFunded)
	require.NoError(t, s.DB.Model(overdue).Update("deadline", past).Error)

	decided := seedBounty(t, s, 2, models.BountyStatusFunded)
	require.NoError(t, s.DB.Model(decided).Update("deadline", past).Error)
	sub := seedSubmission(t, s, decided.ID, 1)
	_, err := s.PromoteWinner(ctx, decided.ID, sub.ID)
	require.NoError(t, err)

	seedBounty(t, s, 3, models.BountyStatusFunded) // no deadline

	got, err := s.OverdueBounties(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)

	require.NoError(t, s.MarkDeadlineNotified(ctx, overdue.ID, now))
	got, err = s.OverdueBounties(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAdminDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GrantAdmin(ctx, " Alice ", "root", models.AdminSourceBootstrap)
	require.NoError(t, err)
	ok, err := s.IsAdmin(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RevokeAdmin(ctx, "ALICE"))
	ok, err = s.IsAdmin(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.RevokeAdmin(ctx, "alice"), ErrNotFound)

	a, err := s.GrantAdmin(ctx, "alice", "bob", models.AdminSourceAPI)
	require.NoError(t, err)
	assert.Equal(t, "bob", a.GrantedBy)

	_, err = s.GrantAdmin(ctx, "carol", "", models.AdminSourceSync)
	require.NoError(t, err)
	_, err = s.GrantAdmin(ctx, "dave", "", models.AdminSourceSync)
	require.NoError(t, err)
	n, err := s.RevokeAdminsNotIn(ctx, models.AdminSourceSync, []string{"carol"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	admins, err := s.ListAdmins(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range admins {
		ids = append(ids, a.Identity)
	}
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestInstallationsAndWallets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInstallation(ctx, &models.Installation{InstallationID: 55, AccountLogin: "Acme"}))
	id, err := s.InstallationForOwner(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)

	require.NoError(t, s.DeleteInstallation(ctx, 55))
	_, err = s.InstallationForOwner(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.UpsertInstallation(ctx, &models.Installation{InstallationID: 55, AccountLogin: "acme"}))
	_, err = s.InstallationForOwner(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, s.UpsertWallets(ctx, []models.ContributorWallet{
		{AccountID: "1001", Login: "octo", Chain: "solana", Address: "AddrOne", IsActive: true},
	}))
	require.NoError(t, s.UpsertWallets(ctx, []models.ContributorWallet{
		{AccountID: "1001", Login: "octo", Chain: "solana", Address: "AddrTwo", IsActive: true},
	}))
	addr, ok, err := s.WalletForAccount(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "AddrTwo", addr)

	_, ok, err = s.WalletForAccount(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteWinnerBlockedByReleaseLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBounty(t, s, 9, models.BountyStatusFunded)
	first := seedSubmission(t, s, b.ID, 1)
	second := seedSubmission(t, s, b.ID, 2)

	_, err := s.PromoteWinner(ctx, b.ID, first.ID)
	require.NoError(t, err)

	op := &models.LedgerOperation{ID: uuid.NewString(), BountyID: b.ID, Kind: models.LedgerOpRelease, Destination: "payout"}
	require.NoError(t, s.AcquireOperation(ctx, op, models.BountyStatusFunded))

	_, err = s.PromoteWinner(ctx, b.ID, second.ID)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	winner, err := s.WinnerSubmission(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, winner.ID)
}

func TestCreateBountyDoesNotLogMisses(t *testing.T) {
	s := newTestStore(t)
	var buf bytes.Buffer
	s.DB = s.DB.Session(&gorm.Session{Logger: logger.New(log.New(&buf, "", 0), logger.Config{LogLevel: logger.Warn})})

	b := seedBounty(t, s, 7, models.BountyStatusCreating)
	again, created, err := s.CreateBounty(context.Background(), &models.Bounty{
		IssueNumber: 7, RepoName: "acme/widgets", Name: "dup", RewardAmount: 5, MaintainerID: "maint",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, b.ID, again.ID)
	assert.NotContains(t, buf.String(), "record not found")
}
