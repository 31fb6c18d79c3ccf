package services

import (
	"context"
	"testing"
	"time"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/models"
	"bounty-escrow-system/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interleavingLedger runs during after a fund call was applied on the ledger
// but before the caller sees the result.
type interleavingLedger struct {
	*ledger.Memory
	during func()
}

func (l *interleavingLedger) Fund(ctx context.Context, bountyID uint, amount uint64, from string) (string, error) {
	sig, err := l.Memory.Fund(ctx, bountyID, amount, from)
	if err == nil && l.during != nil {
		l.during()
	}
	return sig, err
}

func (h *harness) serviceOn(l ledger.Client) *BountyService {
	return NewBountyService(h.store, l, h.github, NewAuthorizer(h.store),
		WithClock(func() time.Time { return h.now }),
		WithNotifyTimeout(time.Second),
		WithStaleAfter(2*time.Minute),
	)
}

func TestReconcileFinishingFundFirstKeepsBountyFunded(t *testing.T) {
	h := newHarness(t)
	b := h.createBounty(7)

	il := &interleavingLedger{Memory: h.ledger}
	svc := h.serviceOn(il)
	var (
		res  *ReconcileResult
		rerr error
	)
	il.during = func() {
		h.now = h.now.Add(10 * time.Minute)
		res, rerr = svc.Reconcile(h.ctx, h.admin(), b.ID)
	}

	funded, err := svc.Fund(h.ctx, h.maintainer(), b.ID, h.funder)
	require.NoError(t, err)
	require.NoError(t, rerr)
	require.NotNil(t, res)
	assert.Equal(t, ReconcileApplied, res.Outcome)

	assert.Equal(t, models.BountyStatusFunded, funded.Status)
	cur := h.reload(b.ID)
	assert.Equal(t, models.BountyStatusFunded, cur.Status)
	assert.False(t, cur.ActionPending())
	require.NotNil(t, cur.FundingSignature)

	op, err := h.store.GetOperation(h.ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, op.Outcome)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpFund))
	assert.Equal(t, uint64(1000)-reward, h.ledger.Balance(h.funder))
}

func TestReconcileRefusesFreshSubmittedOperation(t *testing.T) {
	h := newHarness(t)
	b := h.createBounty(7)

	il := &interleavingLedger{Memory: h.ledger}
	svc := h.serviceOn(il)
	var rerr error
	il.during = func() {
		h.now = h.now.Add(30 * time.Second)
		_, rerr = svc.Reconcile(h.ctx, h.admin(), b.ID)
	}

	funded, err := svc.Fund(h.ctx, h.maintainer(), b.ID, h.funder)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusFunded, funded.Status)

	var cerr *ConflictError
	require.ErrorAs(t, rerr, &cerr, "a call inside the stale window is still in flight")
	assert.Contains(t, cerr.Message, "still in flight")
}

func TestReconcileAcceptsFreshUnconfirmedOperation(t *testing.T) {
	h := newHarness(t)
	b := h.createBounty(7)
	h.ledger.InjectFault(ledger.OpFund, ledger.Fault{Err: context.DeadlineExceeded, Apply: true})

	_, err := h.svc.Fund(h.ctx, h.maintainer(), b.ID, h.funder)
	require.True(t, ledger.IsUnconfirmed(err))

	res, err := h.svc.Reconcile(h.ctx, h.admin(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)
	assert.Equal(t, models.BountyStatusFunded, h.reload(b.ID).Status)
}

func TestRefundStoreFailureKeepsBountyCancelled(t *testing.T) {
	h := newHarnessWith(t, func(st *store.Store) BountyStore {
		return &completeFailingStore{Store: st, kind: models.LedgerOpRefund}
	})
	b := h.fundedBounty(7)

	_, err := h.svc.ConfirmCancel(h.ctx, h.admin(), b.ID)
	require.True(t, IsPartial(err))

	cur := h.reload(b.ID)
	assert.Equal(t, models.BountyStatusCancelled, cur.Status)
	assert.True(t, cur.ActionPending(), "lease is kept until reconciled")
	assert.Nil(t, cur.RefundSignature)
	assert.Equal(t, uint64(1000), h.ledger.Balance(h.funder), "refund moved on the ledger")

	op, err := h.store.GetOperation(h.ctx, *cur.PendingOperationID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStoreFailure, op.Outcome)
	assert.NotEmpty(t, op.Signature)

	_, err = h.svc.Refund(h.ctx, h.admin(), b.ID)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpRefund))

	res, err := h.serviceOn(h.ledger).Reconcile(h.ctx, h.admin(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res.Outcome)

	cur = h.reload(b.ID)
	assert.Equal(t, models.BountyStatusCancelled, cur.Status)
	assert.False(t, cur.ActionPending())
	require.NotNil(t, cur.RefundSignature)
	assert.Equal(t, op.Signature, *cur.RefundSignature)
}
