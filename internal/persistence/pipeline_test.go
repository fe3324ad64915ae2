package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

type fakeStore struct {
	mu      sync.Mutex
	err     error
	calls   int
	batches [][]*share.Share
}

func (f *fakeStore) InsertShares(_ context.Context, shares []*share.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]*share.Share(nil), shares...))
	return nil
}

func (f *fakeStore) stats() (calls, batches, shares int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		shares += len(b)
	}
	return f.calls, len(f.batches), shares
}

type countingMetrics struct {
	mu     sync.Mutex
	shares int
}

func (c *countingMetrics) SharesCommitted(_ context.Context, shares []*share.Share) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shares += len(shares)
}

func testShare(i int) *share.Share {
	return &share.Share{
		PoolID:     "btc1",
		Miner:      "bc1qminer",
		Worker:     "rig1",
		JobID:      "1",
		Difficulty: float64(1000 + i),
		Created:    time.Unix(1700000000+int64(i), 0).UTC(),
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		BatchSize:     3,
		FlushInterval: time.Hour,
		QueueSize:     100,
		CommitTimeout: time.Second,
		RecoveryPath:  filepath.Join(t.TempDir(), "recovered.jsonl"),
		Retry:         &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
}

func runPipeline(t *testing.T, p *Pipeline) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestPipeline_BatchesBySize(t *testing.T) {
	store := &fakeStore{}
	m := &countingMetrics{}
	p := NewPipeline(testConfig(t), store, m, log.NewNop())
	stop := runPipeline(t, p)

	for i := 0; i < 7; i++ {
		if err := p.Submit(context.Background(), testShare(i)); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	waitFor(t, func() bool { _, b, _ := store.stats(); return b == 2 })

	stop()
	_, batches, shares := store.stats()
	if batches != 3 || shares != 7 {
		t.Errorf("store got %d batches with %d shares, want 3 with 7", batches, shares)
	}
	if m.shares != 7 {
		t.Errorf("metrics saw %d shares, want 7", m.shares)
	}
}

func TestPipeline_FlushInterval(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.FlushInterval = 20 * time.Millisecond
	p := NewPipeline(cfg, store, nil, log.NewNop())
	stop := runPipeline(t, p)
	defer stop()

	_ = p.Submit(context.Background(), testShare(1))
	_ = p.Submit(context.Background(), testShare(2))
	waitFor(t, func() bool { _, _, n := store.stats(); return n == 2 })
}

func TestPipeline_FailedCommitGoesToRecoveryFile(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	cfg := testConfig(t)
	p := NewPipeline(cfg, store, nil, log.NewNop())
	stop := runPipeline(t, p)

	for i := 0; i < 3; i++ {
		_ = p.Submit(context.Background(), testShare(i))
	}
	waitFor(t, func() bool { c, _, _ := store.stats(); return c == 2 })
	stop()

	data, err := os.ReadFile(cfg.RecoveryPath)
	if err != nil {
		t.Fatalf("recovery file: %v", err)
	}
	if !strings.HasPrefix(string(data), "#") {
		t.Error("recovery file does not start with the instructions header")
	}

	var recovered []*share.Share
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var s share.Share
		if err := sonic.UnmarshalString(line, &s); err != nil {
			t.Fatalf("recovery line %q: %v", line, err)
		}
		recovered = append(recovered, &s)
	}
	if len(recovered) != 3 {
		t.Fatalf("recovery file holds %d shares, want 3", len(recovered))
	}
	for i, s := range recovered {
		want := testShare(i)
		if s.Difficulty != want.Difficulty || !s.Created.Equal(want.Created) {
			t.Errorf("recovery line %d = difficulty %v at %v, want %v at %v",
				i, s.Difficulty, s.Created, want.Difficulty, want.Created)
		}
	}

	good := &fakeStore{}
	res, err := Replay(context.Background(), cfg.RecoveryPath, good, 2, log.NewNop())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res != (ReplayResult{Succeeded: 3}) {
		t.Errorf("Replay() = %+v, want 3 succeeded", res)
	}
	_, batches, _ := good.stats()
	if batches != 2 {
		t.Errorf("replay used %d batches, want 2", batches)
	}
	if got := good.batches[0][0]; got.Miner != "bc1qminer" || got.Difficulty != 1000 || !got.Created.Equal(testShare(0).Created) {
		t.Errorf("replayed share = %+v", got)
	}
}

func TestPipeline_OpenBreakerSkipsStore(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	cfg := testConfig(t)
	cfg.BatchSize = 1
	cfg.Retry = &retry.Config{MaxAttempts: 1}
	cfg.Breaker = &circuit.Config{Name: "test_store", MaxFailures: 1, SuccessRequired: 1, Timeout: time.Hour, ResetTimeout: time.Hour}
	p := NewPipeline(cfg, store, nil, log.NewNop())

	ctx := context.Background()
	p.commit(ctx, []*share.Share{testShare(1)})
	p.commit(ctx, []*share.Share{testShare(2)})

	if calls, _, _ := store.stats(); calls != 1 {
		t.Errorf("store calls = %d, want 1 once the breaker opened", calls)
	}

	res, err := Replay(ctx, cfg.RecoveryPath, &fakeStore{}, 10, log.NewNop())
	if err != nil || res.Succeeded != 2 {
		t.Errorf("Replay() = %+v, %v, want both shares recovered", res, err)
	}
}

func TestPipeline_PermanentErrorIsNotRetried(t *testing.T) {
	store := &fakeStore{err: errors.New(`pq: duplicate key value violates unique constraint "shares_pkey"`)}
	cfg := testConfig(t)
	cfg.Retry = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	p := NewPipeline(cfg, store, nil, log.NewNop())

	p.commit(context.Background(), []*share.Share{testShare(1)})

	if calls, _, _ := store.stats(); calls != 1 {
		t.Errorf("store calls = %d, want 1 for a constraint violation", calls)
	}
	res, err := Replay(context.Background(), cfg.RecoveryPath, &fakeStore{}, 10, log.NewNop())
	if err != nil || res.Succeeded != 1 {
		t.Errorf("Replay() = %+v, %v, want the share in the recovery file", res, err)
	}
}

func TestPipeline_TransientErrorIsRetried(t *testing.T) {
	store := &fakeStore{err: errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")}
	cfg := testConfig(t)
	cfg.Retry = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	p := NewPipeline(cfg, store, nil, log.NewNop())

	p.commit(context.Background(), []*share.Share{testShare(1)})

	if calls, _, _ := store.stats(); calls != 3 {
		t.Errorf("store calls = %d, want 3", calls)
	}
}

func TestPipeline_ShutdownFlush(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(t)
	cfg.BatchSize = 100
	p := NewPipeline(cfg, store, nil, log.NewNop())

	for i := 0; i < 5; i++ {
		_ = p.Submit(context.Background(), testShare(i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, _, n := store.stats(); n != 5 {
		t.Errorf("flushed %d shares on shutdown, want 5", n)
	}
}

func TestPipeline_FullQueueFallsBackToDisk(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	p := NewPipeline(cfg, &fakeStore{}, nil, log.NewNop())

	_ = p.Submit(context.Background(), testShare(1))
	_ = p.Submit(context.Background(), testShare(2))

	res, err := Replay(context.Background(), cfg.RecoveryPath, &fakeStore{}, 10, log.NewNop())
	if err != nil || res.Succeeded != 1 {
		t.Errorf("Replay() = %+v, %v, want the overflow share", res, err)
	}
}

func TestReplay_CanceledCountsPendingAsFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.jsonl")
	line := `{"poolId":"btc1","miner":"a","jobId":"1","blockHeight":1,"difficulty":1,"created":"2024-01-01T00:00:00Z"}`
	if err := os.WriteFile(path, []byte(line+"\n"+line+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &fakeStore{}
	res, err := Replay(ctx, path, store, 10, log.NewNop())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Replay() error = %v, want context.Canceled", err)
	}
	if res != (ReplayResult{Failed: 1}) {
		t.Errorf("Replay() = %+v, want the parsed share counted as failed", res)
	}
	if calls, _, _ := store.stats(); calls != 0 {
		t.Errorf("store calls = %d, want 0", calls)
	}
}

func TestReplay_SkipsCommentsAndCountsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.jsonl")
	content := "# header\n\n" +
		`{"poolId":"btc1","miner":"a","jobId":"1","blockHeight":1,"difficulty":1,"actualDifficulty":1,"networkDifficulty":1,"isBlockCandidate":false,"created":"2024-01-01T00:00:00Z"}` + "\n" +
		"{not json\n" +
		`{"poolId":"btc1","miner":"b","jobId":"2","blockHeight":1,"difficulty":2,"actualDifficulty":2,"networkDifficulty":1,"isBlockCandidate":true,"blockHash":"00ab","created":"2024-01-01T00:00:01Z"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{}
	res, err := Replay(context.Background(), path, store, 10, log.NewNop())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res != (ReplayResult{Succeeded: 2, Failed: 1}) {
		t.Errorf("Replay() = %+v, want 2 succeeded 1 failed", res)
	}
	if got := store.batches[0][1]; !got.IsBlockCandidate || got.BlockHash != "00ab" {
		t.Errorf("candidate share = %+v", got)
	}

	failing := &fakeStore{err: errors.New("down")}
	res, err = Replay(context.Background(), path, failing, 10, log.NewNop())
	if err != nil || res != (ReplayResult{Failed: 3}) {
		t.Errorf("Replay() into failing store = %+v, %v, want 3 failed", res, err)
	}

	if _, err := Replay(context.Background(), filepath.Join(t.TempDir(), "missing"), store, 10, log.NewNop()); err == nil {
		t.Error("Replay() of a missing file should fail")
	}
}
