package stratum

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/time/rate"

	"github.com/bardlex/poolcore/internal/ban"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/internal/vardiff"
	"github.com/bardlex/poolcore/pkg/log"
)

// Config configures a listening endpoint.
type Config struct {
	ListenAddr           string
	ExtraNonce1Size      int
	ExtraNonce2Size      int
	InitialDifficulty    float64
	VarDiff              *vardiff.Config // nil keeps the initial difficulty
	FirstMessageTimeout  time.Duration
	IdleTimeout          time.Duration // zombie eviction before broadcasts, 0 disables
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessageSize       int
	RateLimit            float64 // messages per second per connection, 0 disables
	RateBurst            int
	BroadcastConcurrency int
	SubmitTimeout        time.Duration // bound on one upstream block submission
}

// DefaultConfig returns the endpoint defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":3333",
		ExtraNonce1Size:      4,
		ExtraNonce2Size:      4,
		InitialDifficulty:    1,
		FirstMessageTimeout:  10 * time.Second,
		IdleTimeout:          10 * time.Minute,
		ReadTimeout:          10 * time.Minute,
		WriteTimeout:         10 * time.Second,
		MaxMessageSize:       10 * 1024,
		RateLimit:            50,
		RateBurst:            100,
		BroadcastConcurrency: 64,
		SubmitTimeout:        30 * time.Second,
	}
}

// JobSource is the part of the job manager sessions need.
type JobSource interface {
	Subscribe(buffer int) <-chan jobs.Event
	Current() *jobs.Job
	Job(id string) (*jobs.Job, bool)
	NotifyBlockFound(ctx context.Context)
}

// ShareSink receives every accepted share after block submission settled.
// Persistence and the relay both implement it. Sinks run on the session's
// read loop and must not block; wrap slow ones in a QueuedSink.
type ShareSink interface {
	Submit(ctx context.Context, s *share.Share) error
}

// BlockSink is told about blocks accepted by the daemon.
type BlockSink interface {
	BlockFound(ctx context.Context, s *share.Share) error
}

// MinerValidator decides whether a miner name may authorize.
type MinerValidator func(miner string) bool

// Server accepts miner connections and coordinates them with the job
// manager, the validation pipeline and the ban manager.
type Server struct {
	cfg       Config
	jobs      JobSource
	pipeline  *validation.Pipeline
	submitter validation.BlockSubmitter
	bans      *ban.Manager
	logger    *log.Logger

	validateMiner MinerValidator
	shareSinks    []ShareSink
	blockSinks    []BlockSink

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	nextConnID atomic.Uint64
	extraNonce atomic.Uint64
}

// Option customises a Server.
type Option func(*Server)

// WithMinerValidator rejects authorizations for names the validator refuses.
func WithMinerValidator(v MinerValidator) Option {
	return func(s *Server) { s.validateMiner = v }
}

// WithShareSinks adds sinks for accepted shares.
func WithShareSinks(sinks ...ShareSink) Option {
	return func(s *Server) { s.shareSinks = append(s.shareSinks, sinks...) }
}

// WithBlockSinks adds sinks for found blocks.
func WithBlockSinks(sinks ...BlockSink) Option {
	return func(s *Server) { s.blockSinks = append(s.blockSinks, sinks...) }
}

// NewServer creates a coordinator. bans may be nil.
func NewServer(cfg Config, source JobSource, pipeline *validation.Pipeline, submitter validation.BlockSubmitter, bans *ban.Manager, logger *log.Logger, opts ...Option) *Server {
	if cfg.ExtraNonce1Size <= 0 || cfg.ExtraNonce1Size > 8 {
		cfg.ExtraNonce1Size = 4
	}
	if cfg.InitialDifficulty <= 0 {
		cfg.InitialDifficulty = 1
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 64
	}

	s := &Server{
		cfg:       cfg,
		jobs:      source,
		pipeline:  pipeline,
		submitter: submitter,
		bans:      bans,
		logger:    logger.WithComponent("stratum"),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		s.extraNonce.Store(binary.BigEndian.Uint64(seed[:]))
	}
	return s
}

// Serve accepts connections on l until ctx is cancelled, then waits for
// every session to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("stratum server listening", "address", l.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	events := s.jobs.Subscribe(16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcastLoop(ctx, events)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, l)
}

// ServeConn runs one session to completion. Banned addresses are refused.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	session := NewSession(s.newConnID(), conn, SessionConfig{
		FirstMessageTimeout: s.cfg.FirstMessageTimeout,
		ReadTimeout:         s.cfg.ReadTimeout,
		WriteTimeout:        s.cfg.WriteTimeout,
		MaxMessageSize:      s.cfg.MaxMessageSize,
		RateLimit:           rate.Limit(s.cfg.RateLimit),
		RateBurst:           s.cfg.RateBurst,
	}, s.logger)

	if s.bans != nil && s.bans.Check(ctx, session.RemoteHost()) {
		session.Logger().Info("refusing banned address")
		_ = conn.Close()
		return
	}

	s.register(session)
	metrics.Connections.Inc()
	defer func() {
		s.unregister(session)
		metrics.Connections.Dec()
	}()

	if err := session.Run(ctx, s); err != nil {
		session.Logger().WithError(err).Debug("session ended")
	}
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) register(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.ID())
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

func (s *Server) closeAll() {
	for _, session := range s.snapshot() {
		session.Close()
	}
}

func (s *Server) newConnID() string {
	return fmt.Sprintf("%x", s.nextConnID.Add(1))
}

// newExtraNonce1 returns a process-unique extranonce1 of the configured size.
func (s *Server) newExtraNonce1() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.extraNonce.Add(1))
	return hex.EncodeToString(buf[8-s.cfg.ExtraNonce1Size:])
}

func (s *Server) broadcastLoop(ctx context.Context, events <-chan jobs.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(ev, time.Now())
		}
	}
}

// broadcast sends a job to every fully initialized session. Sessions idle
// past IdleTimeout are evicted instead.
func (s *Server) broadcast(ev jobs.Event, now time.Time) int {
	swg := sizedwaitgroup.New(s.cfg.BroadcastConcurrency)
	var sent atomic.Int64

	for _, session := range s.snapshot() {
		if session.State() < StateAuthorized {
			continue
		}
		if s.cfg.IdleTimeout > 0 && now.Sub(session.LastActivity()) > s.cfg.IdleTimeout {
			session.Logger().Info("evicting idle connection", "idle", log.HumanDuration(now.Sub(session.LastActivity())))
			session.Close()
			continue
		}

		swg.Add()
		go func(session *Session) {
			defer swg.Done()
			if err := s.sendJob(session, ev.Params, now); err != nil {
				session.Logger().WithError(err).Debug("job notify failed")
				return
			}
			sent.Add(1)
		}(session)
	}
	swg.Wait()

	s.logger.LogJobDistribution(ev.JobID, ev.Height, ev.IsNew, int(sent.Load()))
	return int(sent.Load())
}

// sendJob applies a pending difficulty and then notifies the job. A session
// busy with a submission keeps its pending difficulty for the next job.
func (s *Server) sendJob(session *Session, params []any, now time.Time) error {
	var err error
	session.whenIdle(func() {
		if d, ok := session.applyPending(now); ok {
			err = session.SendNotification(MethodSetDifficulty, []any{d})
		}
	})
	if err != nil {
		return err
	}
	if params == nil {
		return nil
	}
	if err := session.SendNotification(MethodNotify, params); err != nil {
		return err
	}
	session.activate()
	return nil
}

// HandleMessage dispatches one client message. Every request with an id
// receives exactly one response.
func (s *Server) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if msg.Method == "" {
		return nil
	}
	if msg.ID == nil {
		session.Logger().Debug("ignoring client notification", "method", msg.Method)
		return nil
	}

	if !session.Allow() {
		metrics.Shares.WithLabelValues("rate_limited").Inc()
		err := session.SendError(msg.ID, ErrorOther, "rate limit exceeded")
		s.countInvalid(ctx, session)
		return err
	}

	switch msg.Method {
	case MethodSubscribe:
		return s.handleSubscribe(session, msg)
	case MethodExtranonceSubscribe:
		return session.SendResponse(msg.ID, true)
	case MethodAuthorize:
		return s.handleAuthorize(session, msg)
	case MethodSubmit:
		return s.handleSubmit(ctx, session, msg)
	default:
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

func (s *Server) handleSubscribe(session *Session, msg *Message) error {
	req := ParseSubscribeRequest(msg.Params)
	extraNonce1 := session.subscribe(s.newExtraNonce1(), req.UserAgent)

	result := []any{
		[]any{
			[]any{MethodSetDifficulty, session.ID()},
			[]any{MethodNotify, session.ID()},
		},
		extraNonce1,
		s.cfg.ExtraNonce2Size,
	}
	return session.SendResponse(msg.ID, result)
}

func (s *Server) handleAuthorize(session *Session, msg *Message) error {
	if session.State() < StateSubscribed {
		return session.SendError(msg.ID, ErrorNotSubscribed, "not subscribed")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid params")
	}
	miner, worker := SplitWorker(req.Username)
	if miner == "" || (s.validateMiner != nil && !s.validateMiner(miner)) {
		session.Logger().Info("authorization refused", "miner", miner)
		return session.SendError(msg.ID, ErrorUnauthorized, "unauthorized worker")
	}

	fresh := session.State() < StateAuthorized
	session.authorize(miner, worker, s.cfg.InitialDifficulty)
	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	now := time.Now()
	d, ok := session.applyPending(now)
	if !ok {
		d = session.Difficulty().Current
	}
	if err := session.SendNotification(MethodSetDifficulty, []any{d}); err != nil {
		return err
	}
	if s.cfg.VarDiff != nil {
		session.startVardiff(*s.cfg.VarDiff, now)
	}

	if job := s.jobs.Current(); job != nil {
		return s.sendJob(session, job.Params, now)
	}
	return nil
}

func (s *Server) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	defer session.beginSubmit()()

	switch state := session.State(); {
	case state < StateSubscribed:
		return session.SendError(msg.ID, ErrorNotSubscribed, "not subscribed")
	case state < StateAuthorized:
		return session.SendError(msg.ID, ErrorUnauthorized, "unauthorized worker")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		err = session.SendError(msg.ID, ErrorInvalidParams, "Invalid params")
		s.countInvalid(ctx, session)
		return err
	}

	miner, worker := session.Identity()
	now := time.Now()
	job, _ := s.jobs.Job(req.JobID)

	res, verr := s.pipeline.Validate(validation.Request{
		Job: job,
		Submission: validation.Submission{
			JobID:       req.JobID,
			Worker:      worker,
			ExtraNonce1: session.ExtraNonce1(),
			ExtraNonce2: req.ExtraNonce2,
			NTime:       req.NTime,
			Nonce:       req.Nonce,
		},
		Difficulty: session.Difficulty(),
		Miner:      miner,
		IPAddress:  session.RemoteHost(),
		UserAgent:  session.UserAgent(),
		Now:        now,
	})
	if verr != nil {
		code, reason, text := ErrorOther, "error", "internal error"
		var rej *validation.RejectError
		if errors.As(verr, &rej) {
			code, reason, text = rej.Code, string(rej.Reason), rej.Message
		} else {
			session.Logger().WithError(verr).Error("share validation failed")
		}
		metrics.Shares.WithLabelValues(reason).Inc()
		session.Logger().LogShareSubmission(miner, worker, req.JobID, session.Difficulty().Current, reason)

		err := session.SendError(msg.ID, code, text)
		s.countInvalid(ctx, session)
		return err
	}

	metrics.Shares.WithLabelValues("accepted").Inc()
	sendErr := session.SendResponse(msg.ID, true)
	session.Logger().LogShareSubmission(miner, worker, req.JobID, res.Share.Difficulty, "accepted")

	if res.Share.IsBlockCandidate {
		s.submitBlock(ctx, session, res)
	}
	for _, sink := range s.shareSinks {
		if err := sink.Submit(ctx, res.Share); err != nil {
			session.Logger().WithError(err).Warn("share sink failed")
		}
	}

	session.onAcceptedShare(now)
	valid, invalid := session.recordResult(true)
	s.evaluate(ctx, session, valid, invalid)
	return sendErr
}

func (s *Server) submitBlock(ctx context.Context, session *Session, res *validation.Result) {
	submitCtx := ctx
	if s.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	blockHash := res.Share.BlockHash
	accepted, err := validation.SubmitCandidate(submitCtx, s.submitter, res)
	if !accepted {
		session.Logger().WithError(err).Error("block candidate not accepted", "block_hash", blockHash, "height", res.Share.BlockHeight)
		return
	}

	sh := res.Share
	session.Logger().LogBlockFound(sh.BlockHash, sh.BlockHeight, sh.Miner, sh.Worker, sh.ActualDifficulty)
	s.jobs.NotifyBlockFound(ctx)
	for _, sink := range s.blockSinks {
		if err := sink.BlockFound(submitCtx, sh); err != nil {
			session.Logger().WithError(err).Warn("block sink failed")
		}
	}
}

func (s *Server) countInvalid(ctx context.Context, session *Session) {
	valid, invalid := session.recordResult(false)
	s.evaluate(ctx, session, valid, invalid)
}

// evaluate asks the ban manager about the running counters.
func (s *Server) evaluate(ctx context.Context, session *Session, valid, invalid int) {
	if s.bans == nil {
		return
	}
	switch s.bans.Evaluate(ctx, session.RemoteHost(), valid, invalid) {
	case ban.Reset:
		session.resetCounters()
	case ban.Banned:
		session.Close()
	}
}
