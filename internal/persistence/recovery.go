package persistence

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

const recoveryHeader = `# Shares that could not be written to the share store.
# Every non-comment line is one JSON encoded share.
# Once the store is reachable again, import them with:
#   sharerecover -file <this file>
# and delete or archive the file afterwards.
`

// RecoveryLog appends shares to a JSON lines file.
type RecoveryLog struct {
	path string
	mu   sync.Mutex
}

// NewRecoveryLog returns a log writing to path. The file is created on the
// first append.
func NewRecoveryLog(path string) *RecoveryLog {
	return &RecoveryLog{path: path}
}

// Path returns the file location.
func (r *RecoveryLog) Path() string {
	return r.path
}

// Append writes shares, one per line, and syncs the file.
func (r *RecoveryLog) Append(shares []*share.Share) error {
	if len(shares) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "recovery_append", "cannot open recovery file").
			WithContext("path", r.path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if info.Size() == 0 {
		if _, err := w.WriteString(recoveryHeader); err != nil {
			return err
		}
	}
	for _, s := range shares {
		line, err := sonic.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode share: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// ReplayResult counts the outcome of a replay.
type ReplayResult struct {
	Succeeded int
	Failed    int
}

// Replay imports a recovery file into store. Blank and comment lines are
// skipped; lines that do not decode and batches the store refuses are
// counted as failed.
func Replay(ctx context.Context, path string, store Store, batchSize int, logger *log.Logger) (ReplayResult, error) {
	var res ReplayResult
	if batchSize <= 0 {
		batchSize = 100
	}

	f, err := os.Open(path)
	if err != nil {
		return res, errors.Wrap(err, errors.ErrorTypeInternal, "replay", "cannot open recovery file").
			WithContext("path", path)
	}
	defer f.Close()

	logger = logger.WithComponent("replay")
	batch := make([]*share.Share, 0, batchSize)

	commit := func() {
		if len(batch) == 0 {
			return
		}
		if err := store.InsertShares(ctx, batch); err != nil {
			logger.WithError(err).Error("failed to import batch", "count", len(batch))
			res.Failed += len(batch)
		} else {
			res.Succeeded += len(batch)
		}
		batch = make([]*share.Share, 0, batchSize)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var s share.Share
		if err := sonic.UnmarshalString(line, &s); err != nil {
			logger.WithError(err).Warn("skipping malformed line", "line", lineNo)
			res.Failed++
			continue
		}
		batch = append(batch, &s)
		if len(batch) >= batchSize {
			commit()
		}
		if err := ctx.Err(); err != nil {
			// parsed but never committed
			res.Failed += len(batch)
			return res, err
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	commit()

	logger.Info("replay finished", "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}
