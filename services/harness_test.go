package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/models"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testRepo   = "acme/widgets"
	maintainer = "maint-1"
	adminID    = "admin-1"
	reward     = uint64(250)
)

func addressOf(b byte) ledger.Address {
	var a ledger.Address
	for i := range a {
		a[i] = b + byte(i)
	}
	return a
}

func wallet(b byte) string { return addressOf(b).String() }

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	ledger *ledger.Memory
	github *tracker.Recorder
	svc    *BountyService
	now    time.Time
	funder string
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test wrap the store, e.g. to inject store failures.
func newHarnessWith(t *testing.T, wrap func(*store.Store) BountyStore) *harness {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(db))

	st := store.New(db)
	_, err = st.GrantAdmin(context.Background(), adminID, "test", models.AdminSourceBootstrap)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		ledger: ledger.NewMemory(ledger.Program{ID: addressOf(200), Mint: addressOf(100)}),
		github: tracker.NewRecorder(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		funder: wallet(1),
	}
	h.ledger.Mint(h.funder, 1000)

	var engineStore BountyStore = st
	if wrap != nil {
		engineStore = wrap(st)
	}
	h.svc = NewBountyService(engineStore, h.ledger, h.github, NewAuthorizer(st),
		WithClock(func() time.Time { return h.now }),
		WithDashboardURL("https://bounties.example.com"),
		WithNotifyTimeout(time.Second),
	)
	return h
}

func (h *harness) maintainer() Actor { return Actor{ID: maintainer} }
func (h *harness) admin() Actor      { return Actor{ID: adminID} }

func (h *harness) createBounty(issue int) *models.Bounty {
	h.t.Helper()
	b, created, err := h.svc.Create(h.ctx, h.maintainer(), CreateBountyInput{
		RepoName:     testRepo,
		IssueNumber:  issue,
		Name:         fmt.Sprintf("Fix issue %d", issue),
		RewardAmount: reward,
		Skills:       []string{"Go", "go", " sql "},
	})
	require.NoError(h.t, err)
	require.True(h.t, created)
	return b
}

func (h *harness) fundedBounty(issue int) *models.Bounty {
	h.t.Helper()
	b := h.createBounty(issue)
	b, err := h.svc.Fund(h.ctx, h.maintainer(), b.ID, h.funder)
	require.NoError(h.t, err)
	require.Equal(h.t, models.BountyStatusFunded, b.Status)
	return b
}

// submit opens a pull request that closes issue, optionally carrying a wallet.
func (h *harness) submit(issue, pr int, payout string) *models.Submission {
	h.t.Helper()
	body := fmt.Sprintf("Fixes #%d", issue)
	if payout != "" {
		body += "\n\nwallet: " + payout
	}
	res, err := h.svc.Submit(h.ctx, SubmitInput{
		RepoName:          testRepo,
		PullRequestNumber: pr,
		SubmitterID:       fmt.Sprintf("gh-%d", pr),
		SubmitterLogin:    fmt.Sprintf("dev%d", pr),
		Title:             "Implement the fix",
		Body:              body,
		URL:               fmt.Sprintf("https://github.com/%s/pull/%d", testRepo, pr),
	})
	require.NoError(h.t, err)
	require.False(h.t, res.Ignored, res.Reason)
	return res.Submission
}

func (h *harness) reload(id uint) *models.Bounty {
	h.t.Helper()
	b, err := h.store.GetBounty(h.ctx, id)
	require.NoError(h.t, err)
	return b
}
