package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/share"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "shares.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_InsertShares(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1700000000123)

	batch := []*share.Share{
		{PoolID: "btc1", Miner: "a", Worker: "rig1", JobID: "1", BlockHeight: 100, Difficulty: 1000, ActualDifficulty: 1200, NetworkDifficulty: 1e6, Created: created},
		{PoolID: "btc1", Miner: "b", JobID: "1", BlockHeight: 100, Difficulty: 1000, ActualDifficulty: 2e6, NetworkDifficulty: 1e6,
			IsBlockCandidate: true, BlockHash: "00ab", ConfirmationData: "txid", Created: created},
		{PoolID: "ltc1", Miner: "c", JobID: "9", BlockHeight: 5, Difficulty: 1, ActualDifficulty: 1, NetworkDifficulty: 1, Created: created},
	}
	if err := store.InsertShares(ctx, batch); err != nil {
		t.Fatalf("InsertShares() error = %v", err)
	}

	if n, err := store.ShareCount(ctx, "btc1"); err != nil || n != 2 {
		t.Errorf("ShareCount(btc1) = %d, %v, want 2", n, err)
	}

	blocks, err := store.PendingBlocks(ctx, "btc1")
	if err != nil {
		t.Fatalf("PendingBlocks() error = %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("PendingBlocks() = %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.Hash != "00ab" || b.Height != 100 || b.Status != BlockStatusPending || b.ConfirmationData != "txid" || b.Miner != "b" {
		t.Errorf("block = %+v", b)
	}
	if !b.Created.Equal(created) {
		t.Errorf("Created = %v, want %v", b.Created, created)
	}

	// Replaying the same candidate must not duplicate the block row.
	if err := store.InsertShares(ctx, batch[1:2]); err != nil {
		t.Fatalf("InsertShares() replay error = %v", err)
	}
	if blocks, _ := store.PendingBlocks(ctx, "btc1"); len(blocks) != 1 {
		t.Errorf("PendingBlocks() after replay = %d, want 1", len(blocks))
	}
	if n, _ := store.ShareCount(ctx, "btc1"); n != 3 {
		t.Errorf("ShareCount() after replay = %d, want 3", n)
	}
}

func TestStore_InsertSharesAfterClose(t *testing.T) {
	store := openTestStore(t)
	_ = store.Close()

	err := store.InsertShares(context.Background(), []*share.Share{{PoolID: "btc1", Miner: "a", JobID: "1"}})
	if err == nil {
		t.Error("InsertShares() on a closed store should fail")
	}
	if err := store.InsertShares(context.Background(), nil); err != nil {
		t.Errorf("InsertShares(nil) error = %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Error("Open() with an empty path should fail")
	}
}
