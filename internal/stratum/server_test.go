package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/ban"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/log"
)

var testDiff1, _ = new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)

type testTemplate struct{}

func (testTemplate) Height() int64              { return 100 }
func (testTemplate) PrevHash() string           { return "00" }
func (testTemplate) Target() *big.Int           { return new(big.Int).Div(testDiff1, big.NewInt(1_000_000)) }
func (testTemplate) NetworkDifficulty() float64 { return 1e6 }

// nonceHasher maps nonces to share difficulties.
type nonceHasher map[string]int64

func (h nonceHasher) Compute(_ *jobs.Job, sub validation.Submission) ([]byte, error) {
	d, ok := h[sub.Nonce]
	if !ok {
		return nil, errors.New("unknown nonce")
	}
	return new(big.Int).Div(testDiff1, big.NewInt(d)).Bytes(), nil
}

type stubSerializer struct{}

func (stubSerializer) SerializeBlock(*jobs.Job, validation.Submission) (string, string, error) {
	return "00ff", "blockhash", nil
}

type fakeSubmitter struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSubmitter) SubmitBlock(context.Context, string) (bool, string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return false, "", f.err
	}
	return true, "coinbase-txid", nil
}

type fakeJobs struct {
	mu    sync.Mutex
	jobs  map[string]*jobs.Job
	cur   *jobs.Job
	found atomic.Int32
}

func newFakeJobs() *fakeJobs {
	params := []any{"1", "prev", "cb1", "cb2", []any{}, "20000000", "1d00ffff", "6553f100", true}
	job := jobs.NewJob("1", testTemplate{}, params, time.Now())
	return &fakeJobs{jobs: map[string]*jobs.Job{"1": job}, cur: job}
}

func (f *fakeJobs) Subscribe(buffer int) <-chan jobs.Event { return make(chan jobs.Event, buffer) }

func (f *fakeJobs) Current() *jobs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeJobs) Job(id string) (*jobs.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJobs) NotifyBlockFound(context.Context) { f.found.Add(1) }

type chanSink chan *share.Share

func (c chanSink) Submit(_ context.Context, s *share.Share) error {
	c <- s
	return nil
}

type harness struct {
	ctx       context.Context
	server    *Server
	jobs      *fakeJobs
	submitter *fakeSubmitter
	shares    chanSink
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDifficulty = 1000
	cfg.FirstMessageTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, bans *ban.Manager, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		ctx:       ctx,
		jobs:      newFakeJobs(),
		submitter: &fakeSubmitter{},
		shares:    make(chanSink, 16),
	}
	hasher := nonceHasher{"000003e3": 995, "00000400": 1024, "00000010": 16, "000f4240": 1_000_000}
	pipeline := validation.NewPipeline(validation.Config{PoolID: "btc1", ExtraNonce2Size: cfg.ExtraNonce2Size, GraceWindow: 30 * time.Second, Diff1: testDiff1}, hasher, stubSerializer{})

	opts = append([]Option{WithShareSinks(h.shares)}, opts...)
	h.server = NewServer(cfg, h.jobs, pipeline, h.submitter, bans, log.NewNop(), opts...)
	return h
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	r      *bufio.Reader
	nextID int
	done   chan struct{}
}

func (h *harness) connect(t *testing.T) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := &testClient{t: t, conn: clientSide, r: bufio.NewReader(clientSide), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		h.server.ServeConn(h.ctx, serverSide)
	}()
	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *testClient) call(method string, params ...any) int {
	c.t.Helper()
	c.nextID++
	data, err := Marshal(map[string]any{"id": c.nextID, "method": method, "params": params})
	if err != nil {
		c.t.Fatalf("Marshal() error = %v", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return c.nextID
}

func (c *testClient) read() (*Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return ParseMessage(line)
}

func (c *testClient) expect() *Message {
	c.t.Helper()
	msg, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

func (c *testClient) expectResult(id int, want any) {
	c.t.Helper()
	msg := c.expect()
	if msg.ID != float64(id) || msg.Error != nil || msg.Result != want {
		c.t.Fatalf("response = %+v (error %v), want id %d result %v", msg, msg.Error, id, want)
	}
}

func (c *testClient) expectError(id int, code int) {
	c.t.Helper()
	msg := c.expect()
	if msg.ID != float64(id) || msg.Error == nil || msg.Error.Code != code {
		c.t.Fatalf("response = %+v (error %v), want id %d code %d", msg, msg.Error, id, code)
	}
}

func (c *testClient) expectNotification(method string) *Message {
	c.t.Helper()
	msg := c.expect()
	if msg.Method != method || msg.ID != nil {
		c.t.Fatalf("message = %+v, want %s notification", msg, method)
	}
	return msg
}

// login subscribes and authorizes, consuming the initial difficulty and job.
func (c *testClient) login() {
	c.t.Helper()
	id := c.call(MethodSubscribe, "cgminer/4.12")
	if msg := c.expect(); msg.ID != float64(id) || msg.Error != nil {
		c.t.Fatalf("subscribe response = %+v", msg)
	}
	id = c.call(MethodAuthorize, "bc1qminer.rig1", "x")
	c.expectResult(id, true)
	c.expectNotification(MethodSetDifficulty)
	c.expectNotification(MethodNotify)
}

func (c *testClient) submit(jobID, nonce string) int {
	return c.call(MethodSubmit, "bc1qminer.rig1", jobID, "00000000", "6553f100", nonce)
}

func waitShare(t *testing.T, sink chanSink) *share.Share {
	t.Helper()
	select {
	case s := <-sink:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("share never reached the sink")
		return nil
	}
}

func TestServer_SubscribeResult(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	c := h.connect(t)

	id := c.call(MethodSubscribe, "cgminer/4.12")
	msg := c.expect()
	result, ok := msg.Result.([]any)
	if msg.ID != float64(id) || !ok || len(result) != 3 {
		t.Fatalf("subscribe response = %+v", msg)
	}
	if en1, _ := result[1].(string); len(en1) != 8 {
		t.Errorf("extranonce1 = %v, want 8 hex characters", result[1])
	}
	if result[2] != float64(4) {
		t.Errorf("extranonce2 size = %v, want 4", result[2])
	}

	id = c.call(MethodExtranonceSubscribe)
	c.expectResult(id, true)
}

func TestServer_AuthorizeSendsDifficultyThenJob(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	c := h.connect(t)

	c.call(MethodSubscribe)
	c.expect()
	id := c.call(MethodAuthorize, "bc1qminer.rig1", "x")
	c.expectResult(id, true)

	diff := c.expectNotification(MethodSetDifficulty)
	if len(diff.Params) != 1 || diff.Params[0] != float64(1000) {
		t.Errorf("set_difficulty params = %v, want [1000]", diff.Params)
	}
	notify := c.expectNotification(MethodNotify)
	if len(notify.Params) != 9 || notify.Params[0] != "1" {
		t.Errorf("notify params = %v", notify.Params)
	}
}

func TestServer_StateErrors(t *testing.T) {
	h := newHarness(t, testConfig(), nil, WithMinerValidator(func(miner string) bool { return miner != "blocked" }))
	c := h.connect(t)

	c.expectError(c.submit("1", "00000400"), ErrorNotSubscribed)
	c.expectError(c.call(MethodAuthorize, "bc1qminer"), ErrorNotSubscribed)

	c.call(MethodSubscribe)
	c.expect()
	c.expectError(c.submit("1", "00000400"), ErrorUnauthorized)
	c.expectError(c.call(MethodAuthorize, "blocked.rig"), ErrorUnauthorized)
	c.expectError(c.call(MethodAuthorize), ErrorInvalidParams)
	c.expectError(c.call("mining.unknown"), ErrorMethodNotFound)

	if _, err := c.conn.Write([]byte("{not json}\n")); err != nil {
		t.Fatal(err)
	}
	if msg := c.expect(); msg.ID != nil || msg.Error == nil || msg.Error.Code != ErrorParseError {
		t.Errorf("parse error response = %+v", msg)
	}
}

func TestServer_AcceptThenDuplicate(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	c := h.connect(t)
	c.login()

	c.expectResult(c.submit("1", "000003e3"), true)
	s := waitShare(t, h.shares)
	if s.Difficulty != 1000 || s.Miner != "bc1qminer" || s.Worker != "rig1" || s.PoolID != "btc1" {
		t.Errorf("share = %+v", s)
	}
	if s.UserAgent != "cgminer/4.12" {
		t.Errorf("UserAgent = %q, want cgminer/4.12", s.UserAgent)
	}

	c.expectError(c.submit("1", "000003e3"), ErrorDuplicateShare)
	c.expectError(c.submit("1", "00000010"), ErrorLowDifficulty)
	c.expectError(c.submit("gone", "00000400"), ErrorJobNotFound)
	c.expectError(c.call(MethodSubmit, "bc1qminer.rig1", "1"), ErrorInvalidParams)
}

func TestServer_BlockCandidate(t *testing.T) {
	tests := []struct {
		name         string
		submitErr    error
		wantFound    int32
		wantCand     bool
		confirmation string
	}{
		{"accepted", nil, 1, true, "coinbase-txid"},
		{"rejected", errors.New("high-hash"), 0, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			h.submitter.err = tt.submitErr
			c := h.connect(t)
			c.login()

			c.expectResult(c.submit("1", "000f4240"), true)
			s := waitShare(t, h.shares)

			if h.submitter.calls.Load() != 1 {
				t.Errorf("daemon submissions = %d, want 1", h.submitter.calls.Load())
			}
			if got := h.jobs.found.Load(); got != tt.wantFound {
				t.Errorf("block found triggers = %d, want %d", got, tt.wantFound)
			}
			if s.IsBlockCandidate != tt.wantCand || s.ConfirmationData != tt.confirmation {
				t.Errorf("share candidate = %v, confirmation = %q", s.IsBlockCandidate, s.ConfirmationData)
			}
		})
	}
}

func TestServer_BanAfterInvalidShares(t *testing.T) {
	bans := ban.NewManager(ban.Config{Enabled: true, CheckThreshold: 4, InvalidPercent: 50, Duration: time.Minute}, nil, log.NewNop())
	h := newHarness(t, testConfig(), bans)
	c := h.connect(t)
	c.login()

	for i := 0; i < 3; i++ {
		c.expectError(c.submit("gone", "00000400"), ErrorJobNotFound)
	}
	c.submit("gone", "00000400")

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("banned connection was not closed")
	}
	if !bans.IsBanned("pipe") {
		t.Error("address was not banned")
	}

	again := h.connect(t)
	select {
	case <-again.done:
	case <-time.After(2 * time.Second):
		t.Fatal("banned address was accepted")
	}
	if h.server.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", h.server.SessionCount())
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	h := newHarness(t, cfg, nil)
	c := h.connect(t)

	c.call(MethodSubscribe)
	c.expect()
	c.expectError(c.call(MethodExtranonceSubscribe), ErrorOther)
}

func TestServer_FirstMessageTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FirstMessageTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	c := h.connect(t)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was not closed")
	}
}

func waitSession(t *testing.T, s *Server) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions := s.snapshot(); len(sessions) == 1 {
			return sessions[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered")
	return nil
}

func TestServer_BroadcastAppliesPendingDifficulty(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	c := h.connect(t)
	c.login()
	session := waitSession(t, h.server)

	session.SetPendingDifficulty(1500)
	session.SetPendingDifficulty(2000)
	if got := session.Difficulty().Current; got != 1000 {
		t.Errorf("pending difficulty applied early: %v", got)
	}

	now := time.Now()
	ev := jobs.Event{JobID: "2", Height: 101, Params: []any{"2", "prev", "cb1", "cb2", []any{}, "20000000", "1d00ffff", "6553f101", true}, IsNew: true}
	if n := h.server.broadcast(ev, now); n != 1 {
		t.Errorf("broadcast() = %d, want 1", n)
	}

	diff := c.expectNotification(MethodSetDifficulty)
	if diff.Params[0] != float64(2000) {
		t.Errorf("set_difficulty = %v, want 2000", diff.Params[0])
	}
	if notify := c.expectNotification(MethodNotify); notify.Params[0] != "2" {
		t.Errorf("notify job = %v, want 2", notify.Params[0])
	}

	d := session.Difficulty()
	if d.Current != 2000 || d.Previous != 1000 || !d.ChangedAt.Equal(now) {
		t.Errorf("difficulty state = %+v", d)
	}
	if session.PendingDifficulty() != 0 {
		t.Error("pending difficulty not cleared")
	}
	if session.State() != StateActive {
		t.Errorf("State() = %v, want active", session.State())
	}
}

func TestServer_BroadcastEvictsIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	h := newHarness(t, cfg, nil)
	c := h.connect(t)
	c.login()
	session := waitSession(t, h.server)

	ev := jobs.Event{JobID: "2", Params: []any{"2"}}
	if n := h.server.broadcast(ev, time.Now().Add(2*time.Minute)); n != 0 {
		t.Errorf("broadcast() = %d, want 0", n)
	}
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not evicted")
	}
}

func TestServer_BroadcastSkipsUnauthorized(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	c := h.connect(t)
	c.call(MethodSubscribe)
	c.expect()
	waitSession(t, h.server)

	if n := h.server.broadcast(jobs.Event{JobID: "2", Params: []any{"2"}}, time.Now()); n != 0 {
		t.Errorf("broadcast() = %d, want 0", n)
	}
}

func TestServer_ExtraNonce1Unique(t *testing.T) {
	for _, size := range []int{2, 4, 8} {
		cfg := testConfig()
		cfg.ExtraNonce1Size = size
		h := newHarness(t, cfg, nil)

		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			en := h.server.newExtraNonce1()
			if len(en) != size*2 {
				t.Fatalf("size %d: extranonce1 %q has wrong length", size, en)
			}
			if seen[en] {
				t.Fatalf("size %d: extranonce1 %q repeated", size, en)
			}
			seen[en] = true
		}
	}
}

func TestSession_ApplyPendingIsSingleStep(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	s := NewSession("1", serverSide, SessionConfig{}, log.NewNop())
	defer s.Close()

	s.authorize("m", "w", 100)
	if _, ok := s.applyPending(time.Now()); ok {
		t.Error("applyPending() without a pending value reported a change")
	}

	s.SetPendingDifficulty(200)
	s.applyPending(time.Now())
	s.SetPendingDifficulty(400)
	s.applyPending(time.Now())

	if d := s.Difficulty(); d.Current != 400 || d.Previous != 200 {
		t.Errorf("Difficulty() = %+v, want current 400 previous 200", d)
	}
	if got := fmt.Sprint(s.State()); got != "authorized" {
		t.Errorf("State() = %s, want authorized", got)
	}
}

func TestServer_PendingDifficultyWaitsForSubmission(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	session := NewSession("c1", server, SessionConfig{}, log.NewNop())
	session.authorize("bc1qminer", "rig1", 1000)
	session.SetPendingDifficulty(2000)
	params := []any{"1", "00"}

	end := session.beginSubmit()
	if err := h.server.sendJob(session, params, time.Now()); err != nil {
		t.Fatalf("sendJob() error = %v", err)
	}
	if got := session.Difficulty().Current; got != 1000 {
		t.Errorf("difficulty during a submission = %v, want 1000", got)
	}
	if got := session.PendingDifficulty(); got != 2000 {
		t.Errorf("pending difficulty = %v, want 2000 kept for the next job", got)
	}
	end()

	if err := h.server.sendJob(session, params, time.Now()); err != nil {
		t.Fatalf("sendJob() error = %v", err)
	}
	if got := session.Difficulty().Current; got != 2000 {
		t.Errorf("difficulty after the submission = %v, want 2000", got)
	}
	if got := len(session.outbound); got != 3 {
		t.Errorf("queued %d messages, want notify, set_difficulty and notify", got)
	}
}
