package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/bardlex/poolcore/internal/share"
)

// BlockStatusPending marks a block that still awaits confirmations.
const BlockStatusPending = "pending"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id BIGSERIAL PRIMARY KEY,
		pool_id TEXT NOT NULL,
		miner TEXT NOT NULL,
		worker TEXT,
		user_agent TEXT,
		ip_address TEXT,
		source TEXT,
		job_id TEXT NOT NULL,
		block_height BIGINT NOT NULL,
		difficulty DOUBLE PRECISION NOT NULL,
		actual_difficulty DOUBLE PRECISION NOT NULL,
		network_difficulty DOUBLE PRECISION NOT NULL,
		is_block_candidate BOOLEAN NOT NULL DEFAULT FALSE,
		created TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_pool_miner_idx ON shares (pool_id, miner)`,
	`CREATE INDEX IF NOT EXISTS shares_created_idx ON shares (created)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id BIGSERIAL PRIMARY KEY,
		pool_id TEXT NOT NULL,
		block_height BIGINT NOT NULL,
		hash TEXT NOT NULL,
		network_difficulty DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		confirmation_data TEXT,
		miner TEXT NOT NULL,
		worker TEXT,
		source TEXT,
		created TIMESTAMPTZ NOT NULL,
		UNIQUE (pool_id, hash)
	)`,
}

var shareColumns = []string{
	"pool_id", "miner", "worker", "user_agent", "ip_address", "source", "job_id",
	"block_height", "difficulty", "actual_difficulty", "network_difficulty",
	"is_block_candidate", "created",
}

const insertBlock = `
	INSERT INTO blocks (pool_id, block_height, hash, network_difficulty, status,
	                    confirmation_data, miner, worker, source, created)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (pool_id, hash) DO NOTHING`

// InsertShares copies a batch into the shares table and records a pending
// block for each block candidate, all in one transaction.
func (c *Client) InsertShares(ctx context.Context, shares []*share.Share) (err error) {
	if len(shares) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("shares", shareColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, s := range shares {
		if _, err = stmt.ExecContext(ctx, shareRow(s)...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy share: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}

	for _, s := range shares {
		if !s.IsBlockCandidate {
			continue
		}
		if _, err = tx.ExecContext(ctx, insertBlock, blockRow(s)...); err != nil {
			return fmt.Errorf("failed to insert block %s: %w", s.BlockHash, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shares: %w", err)
	}
	return nil
}

func shareRow(s *share.Share) []any {
	return []any{
		s.PoolID, s.Miner, s.Worker, s.UserAgent, s.IPAddress, s.Source, s.JobID,
		s.BlockHeight, s.Difficulty, s.ActualDifficulty, s.NetworkDifficulty,
		s.IsBlockCandidate, s.Created,
	}
}

func blockRow(s *share.Share) []any {
	return []any{
		s.PoolID, s.BlockHeight, s.BlockHash, s.NetworkDifficulty, BlockStatusPending,
		s.ConfirmationData, s.Miner, s.Worker, s.Source, s.Created,
	}
}
