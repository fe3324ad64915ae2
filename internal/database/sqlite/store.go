// Package sqlite is an embedded share store for single-node pools.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bardlex/poolcore/internal/share"
)

// BlockStatusPending marks a block that still awaits confirmations.
const BlockStatusPending = "pending"

// Store keeps shares and blocks in one SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates the file and its directory if needed and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One writer avoids SQLITE_BUSY between batch commits.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id TEXT NOT NULL,
			miner TEXT NOT NULL,
			worker TEXT,
			user_agent TEXT,
			ip_address TEXT,
			source TEXT,
			job_id TEXT NOT NULL,
			block_height INTEGER NOT NULL,
			difficulty REAL NOT NULL,
			actual_difficulty REAL NOT NULL,
			network_difficulty REAL NOT NULL,
			is_block_candidate INTEGER NOT NULL DEFAULT 0,
			created_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS shares_pool_miner_idx ON shares (pool_id, miner)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id TEXT NOT NULL,
			block_height INTEGER NOT NULL,
			hash TEXT NOT NULL,
			network_difficulty REAL NOT NULL,
			status TEXT NOT NULL,
			confirmation_data TEXT,
			miner TEXT NOT NULL,
			worker TEXT,
			source TEXT,
			created_unix_ms INTEGER NOT NULL,
			UNIQUE (pool_id, hash)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks the database handle.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertShares writes a batch and its pending blocks in one transaction.
func (s *Store) InsertShares(ctx context.Context, shares []*share.Share) (err error) {
	if len(shares) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	shareStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shares (pool_id, miner, worker, user_agent, ip_address, source, job_id,
		                    block_height, difficulty, actual_difficulty, network_difficulty,
		                    is_block_candidate, created_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare share insert: %w", err)
	}
	defer shareStmt.Close()

	for _, sh := range shares {
		if _, err = shareStmt.ExecContext(ctx,
			sh.PoolID, sh.Miner, sh.Worker, sh.UserAgent, sh.IPAddress, sh.Source, sh.JobID,
			sh.BlockHeight, sh.Difficulty, sh.ActualDifficulty, sh.NetworkDifficulty,
			sh.IsBlockCandidate, sh.Created.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert share: %w", err)
		}

		if !sh.IsBlockCandidate {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO blocks (pool_id, block_height, hash, network_difficulty, status,
			                              confirmation_data, miner, worker, source, created_unix_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sh.PoolID, sh.BlockHeight, sh.BlockHash, sh.NetworkDifficulty, BlockStatusPending,
			sh.ConfirmationData, sh.Miner, sh.Worker, sh.Source, sh.Created.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert block %s: %w", sh.BlockHash, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shares: %w", err)
	}
	return nil
}

// ShareCount returns the number of stored shares of a pool.
func (s *Store) ShareCount(ctx context.Context, poolID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shares WHERE pool_id = ?`, poolID).Scan(&n)
	return n, err
}

// Block is a stored block row.
type Block struct {
	PoolID           string
	Height           int64
	Hash             string
	Status           string
	ConfirmationData string
	Miner            string
	Created          time.Time
}

// PendingBlocks returns blocks awaiting confirmation, oldest first.
func (s *Store) PendingBlocks(ctx context.Context, poolID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, block_height, hash, status, COALESCE(confirmation_data, ''), miner, created_unix_ms
		FROM blocks WHERE pool_id = ? AND status = ? ORDER BY block_height`, poolID, BlockStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var created int64
		if err := rows.Scan(&b.PoolID, &b.Height, &b.Hash, &b.Status, &b.ConfirmationData, &b.Miner, &created); err != nil {
			return nil, err
		}
		b.Created = time.UnixMilli(created)
		out = append(out, b)
	}
	return out, rows.Err()
}
