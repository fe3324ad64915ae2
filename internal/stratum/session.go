package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/internal/vardiff"
	"github.com/bardlex/poolcore/pkg/log"
)

// State is the protocol state of a session.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateActive // first difficulty and job delivered
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ErrOutboundFull is returned when a client does not drain its messages.
var ErrOutboundFull = errors.New("outbound channel full")

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("session closed")

// SessionConfig holds the per-connection limits.
type SessionConfig struct {
	FirstMessageTimeout time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxMessageSize      int
	OutboundBuffer      int
	RateLimit           rate.Limit // messages per second, 0 disables limiting
	RateBurst           int
}

// Session represents one miner connection. Messages from the client are
// processed sequentially by the read loop; writes go through a single
// writer goroutine.
type Session struct {
	id      string
	remote  string
	conn    net.Conn
	cfg     SessionConfig
	logger  *log.Logger
	limiter *rate.Limiter

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// submitting is held by the read loop while a share is processed.
	// Difficulty changes from other goroutines only happen while it is free.
	submitting sync.Mutex

	mu           sync.Mutex
	state        State
	extraNonce1  string
	userAgent    string
	miner        string
	worker       string
	difficulty   validation.DifficultyState
	pending      float64 // 0 when nothing is queued
	lastActivity time.Time
	valid        int
	invalid      int
	vardiff      *vardiff.Context
}

// MessageHandler processes decoded client messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// NewSession creates a session around an accepted connection.
func NewSession(id string, conn net.Conn, cfg SessionConfig, logger *log.Logger) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 10 * 1024
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 100
	}

	remote := conn.RemoteAddr().String()
	s := &Session{
		id:           id,
		remote:       remote,
		conn:         conn,
		cfg:          cfg,
		logger:       logger.WithConnection(id, remote),
		outbound:     make(chan []byte, cfg.OutboundBuffer),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return s
}

// Run serves the connection until the client leaves, the session is closed
// or ctx is cancelled.
func (s *Session) Run(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.remote)

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxMessageSize)

	first := true
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		timeout := s.cfg.ReadTimeout
		if first && s.cfg.FirstMessageTimeout > 0 {
			timeout = s.cfg.FirstMessageTimeout
		}
		if timeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}

		if !scanner.Scan() {
			err := scanner.Err()
			if first && isTimeout(err) {
				s.logger.Info("no message received after connect")
				return nil
			}
			if err != nil && !s.closed() {
				s.logger.WithError(err).Debug("read failed")
				return err
			}
			return nil
		}
		first = false

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.touch(time.Now())
		s.logger.LogStratumMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Debug("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("failed to close connection")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.cfg.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
					s.Close()
					return
				}
			}
			if _, err := s.conn.Write(append(data, '\n')); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}
			s.logger.LogStratumMessage("sent", data)
		}
	}
}

// Send encodes v and queues it for the writer. A client that lets its
// queue fill up is disconnected.
func (s *Session) Send(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.logger.Warn("dropping slow client")
		s.Close()
		return ErrOutboundFull
	}
}

// SendResponse sends a successful response
func (s *Session) SendResponse(id any, result any) error {
	return s.Send(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.Send(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification
func (s *Session) SendNotification(method string, params []any) error {
	return s.Send(NewNotification(method, params))
}

// Close terminates the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		vd := s.vardiff
		s.mu.Unlock()
		if vd != nil {
			vd.Stop()
		}
		s.logger.LogConnection("disconnected", s.remote)
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client address including the port.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// RemoteHost returns the client address without the port.
func (s *Session) RemoteHost() string {
	host, _, err := net.SplitHostPort(s.remote)
	if err != nil {
		return s.remote
	}
	return host
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *log.Logger {
	return s.logger
}

// Allow reports whether the client is within its message rate.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// State returns the protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// subscribe moves a fresh session to Subscribed. A repeated subscribe keeps
// the extranonce already assigned.
func (s *Session) subscribe(extraNonce1, userAgent string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extraNonce1 == "" {
		s.extraNonce1 = extraNonce1
	}
	if userAgent != "" {
		s.userAgent = userAgent
	}
	if s.state < StateSubscribed {
		s.state = StateSubscribed
	}
	return s.extraNonce1
}

// authorize records the miner identity and the starting difficulty.
func (s *Session) authorize(miner, worker string, difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.miner = miner
	s.worker = worker
	if s.state < StateAuthorized {
		s.state = StateAuthorized
		s.difficulty = validation.DifficultyState{Current: difficulty}
	}
}

func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorized {
		s.state = StateActive
	}
}

// ExtraNonce1 returns the extranonce assigned at subscribe.
func (s *Session) ExtraNonce1() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extraNonce1
}

// UserAgent returns the agent announced at subscribe.
func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

// Identity returns the authorized miner and worker.
func (s *Session) Identity() (miner, worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.miner, s.worker
}

// Difficulty returns the difficulty state used for validation.
func (s *Session) Difficulty() validation.DifficultyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// currentDifficulty is the vardiff source.
func (s *Session) currentDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty.Current
}

// SetPendingDifficulty queues a difficulty for the next safe point. Only
// the latest value is kept.
func (s *Session) SetPendingDifficulty(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = d
}

// PendingDifficulty returns the queued difficulty, 0 if none.
func (s *Session) PendingDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// applyPending makes the queued difficulty current. The replaced value
// stays acceptable for the grace window.
func (s *Session) applyPending(now time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending <= 0 {
		return 0, false
	}
	if s.pending != s.difficulty.Current {
		s.difficulty = validation.DifficultyState{
			Current:   s.pending,
			Previous:  s.difficulty.Current,
			ChangedAt: now,
		}
	}
	s.pending = 0
	return s.difficulty.Current, true
}

func (s *Session) beginSubmit() (end func()) {
	s.submitting.Lock()
	return s.submitting.Unlock
}

// whenIdle runs fn unless a submission is being processed and reports
// whether it ran.
func (s *Session) whenIdle(fn func()) bool {
	if !s.submitting.TryLock() {
		return false
	}
	defer s.submitting.Unlock()
	fn()
	return true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// LastActivity returns when the client last sent a message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// recordResult counts a submission and returns the running totals.
func (s *Session) recordResult(accepted bool) (valid, invalid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.valid++
	} else {
		s.invalid++
	}
	return s.valid, s.invalid
}

func (s *Session) resetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid, s.invalid = 0, 0
}

// startVardiff attaches and arms a retarget context. The sink only queues
// the new value.
func (s *Session) startVardiff(cfg vardiff.Config, now time.Time) {
	vd := vardiff.NewContext(cfg, now)

	s.mu.Lock()
	if s.vardiff != nil {
		s.mu.Unlock()
		return
	}
	s.vardiff = vd
	s.mu.Unlock()

	vd.Start(s.currentDifficulty, func(newDiff float64, idle bool) {
		s.logger.LogRetarget(s.id, s.currentDifficulty(), newDiff, idle)
		s.SetPendingDifficulty(newDiff)
	})
	if s.closed() {
		vd.Stop()
	}
}

func (s *Session) onAcceptedShare(now time.Time) {
	s.mu.Lock()
	vd := s.vardiff
	s.mu.Unlock()
	if vd != nil {
		vd.OnShare(now)
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.remote)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
