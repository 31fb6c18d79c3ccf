package workers

import (
	"context"
	"log"
	"net/url"
	"time"

	"bounty-escrow-system/ledger"
	"bounty-escrow-system/models"
)

// RemoteWallet is one payout wallet as published by the sync service.
type RemoteWallet struct {
	AccountID string    `json:"account_id"`
	Login     string    `json:"login"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *SyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]RemoteWallet, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	var response struct {
		Wallets []RemoteWallet `json:"wallets"`
	}
	if err := c.getJSON(ctx, "/api/v1/public/wallets", q, &response); err != nil {
		return nil, err
	}
	return response.Wallets, nil
}

type WalletStore interface {
	UpsertWallets(ctx context.Context, wallets []models.ContributorWallet) error
}

// WalletSyncWorker mirrors contributor payout wallets so submissions without
// an address in the pull request text can still be paid.
type WalletSyncWorker struct {
	client   *SyncClient
	store    WalletStore
	interval time.Duration
	chain    string
	now      func() time.Time
}

func NewWalletSyncWorker(client *SyncClient, store WalletStore, interval time.Duration, chain string) *WalletSyncWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &WalletSyncWorker{client: client, store: store, interval: interval, chain: chain, now: time.Now}
}

// Run polls until ctx is cancelled.
func (w *WalletSyncWorker) Run(ctx context.Context) {
	log.Println("🔁 Starting wallet sync worker (sync-service → contributor_wallets)…")
	lastSync := w.now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Wallet sync worker stopped")
			return
		case <-ticker.C:
			next, err := w.SyncOnce(ctx, lastSync)
			if err != nil {
				log.Printf("❌ [SYNC] wallet sync failed: %v", err)
				// same window again next tick
				continue
			}
			lastSync = next
		}
	}
}

// SyncOnce mirrors wallets changed since and returns the cursor for the next call.
func (w *WalletSyncWorker) SyncOnce(ctx context.Context, since time.Time) (time.Time, error) {
	started := w.now().UTC()
	remote, err := w.client.GetChangedWallets(ctx, since)
	if err != nil {
		return since, err
	}
	if len(remote) == 0 {
		return started, nil
	}

	mirrored := make([]models.ContributorWallet, 0, len(remote))
	skipped := 0
	for _, r := range remote {
		if r.AccountID == "" || (w.chain != "" && r.Chain != w.chain) {
			skipped++
			continue
		}
		if !ledger.IsValidAddress(r.Address) {
			log.Printf("[SYNC] ⚠️ skipping wallet of %s: invalid address %q", r.AccountID, r.Address)
			skipped++
			continue
		}
		mirrored = append(mirrored, models.ContributorWallet{
			AccountID: r.AccountID,
			Login:     r.Login,
			Chain:     r.Chain,
			Address:   r.Address,
			IsActive:  r.IsActive,
		})
	}
	if err := w.store.UpsertWallets(ctx, mirrored); err != nil {
		return since, err
	}
	log.Printf("✅ [SYNC] mirrored %d wallet(s), skipped %d", len(mirrored), skipped)
	return started, nil
}
