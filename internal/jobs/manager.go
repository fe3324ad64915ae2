// Package jobs decides when new work exists and keeps the window of jobs
// miners may still submit against.
package jobs

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/poolcore/internal/chain"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// TriggerKind names the source of a refresh request.
type TriggerKind int

const (
	TriggerInitial TriggerKind = iota
	TriggerPoll
	TriggerPush
	TriggerBlockFound
	TriggerRebroadcast
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerInitial:
		return "initial"
	case TriggerPoll:
		return "poll"
	case TriggerPush:
		return "push"
	case TriggerBlockFound:
		return "block_found"
	case TriggerRebroadcast:
		return "rebroadcast"
	default:
		return "unknown"
	}
}

// Config controls refresh cadence and the job window.
type Config struct {
	PollInterval       time.Duration
	InitialRetry       time.Duration
	RebroadcastTimeout time.Duration // 0 disables forced re-broadcasts
	MaxBacklog         int
	RPCTimeout         time.Duration
	SyncCheckInterval  time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		InitialRetry:       5 * time.Second,
		RebroadcastTimeout: 55 * time.Second,
		MaxBacklog:         8,
		RPCTimeout:         10 * time.Second,
		SyncCheckInterval:  5 * time.Second,
	}
}

// Manager owns the current job. Refreshes are serialized through a single
// writer loop fed by every trigger source.
type Manager struct {
	cfg     Config
	adapter chain.Adapter
	equal   chain.TemplateEqualFunc
	push    []chain.PushSource
	logger  *log.Logger

	triggers chan TriggerKind
	current  atomic.Pointer[Job]
	nextID   atomic.Uint64

	mu      sync.RWMutex
	backlog []*Job // newest first
	byID    map[string]*Job

	subMu sync.Mutex
	subs  []chan Event

	// writer loop only
	lastEmit time.Time
}

// NewManager creates a manager for adapter. equal decides whether a fetched
// template is new work; nil falls back to chain.SameTip.
func NewManager(cfg Config, adapter chain.Adapter, equal chain.TemplateEqualFunc, logger *log.Logger, push ...chain.PushSource) *Manager {
	if equal == nil {
		equal = chain.SameTip
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultConfig().MaxBacklog
	}
	return &Manager{
		cfg:      cfg,
		adapter:  adapter,
		equal:    equal,
		push:     push,
		logger:   logger.WithComponent("jobs"),
		triggers: make(chan TriggerKind, 16),
		byID:     make(map[string]*Job),
	}
}

// Subscribe returns a channel receiving every job event. The writer loop
// blocks on slow subscribers, so consumers must drain promptly.
func (m *Manager) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Current returns the latest job snapshot, or nil before the first template.
func (m *Manager) Current() *Job {
	return m.current.Load()
}

// Job looks a job up in the backlog.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.byID[id]
	return j, ok
}

// Backlog returns the valid jobs, newest first.
func (m *Manager) Backlog() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Job(nil), m.backlog...)
}

// Trigger queues a refresh. It blocks until the request is queued or ctx
// is done, so no trigger is silently dropped.
func (m *Manager) Trigger(ctx context.Context, kind TriggerKind) error {
	select {
	case m.triggers <- kind:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyBlockFound requests a refresh after one of our blocks was accepted.
func (m *Manager) NotifyBlockFound(ctx context.Context) {
	if err := m.Trigger(ctx, TriggerBlockFound); err != nil {
		m.logger.WithError(err).Debug("block found trigger not queued")
	}
}

// Run waits for the daemon to sync, starts the trigger sources and
// processes refreshes until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.WaitForSync(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(2)
	go func() { defer wg.Done(); m.initialLoop(ctx) }()
	go func() { defer wg.Done(); m.pollLoop(ctx) }()
	for _, src := range m.push {
		wg.Add(1)
		go func(src chain.PushSource) {
			defer wg.Done()
			m.pushLoop(ctx, src)
		}(src)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case kind := <-m.triggers:
			m.refresh(ctx, kind)
		}
	}
}

// WaitForSync blocks until the daemon reports it is synced, logging progress.
func (m *Manager) WaitForSync(ctx context.Context) error {
	interval := m.cfg.SyncCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		rctx, cancel := context.WithTimeout(ctx, m.rpcTimeout())
		status, err := m.adapter.SyncStatus(rctx)
		cancel()

		switch {
		case err != nil:
			m.logger.WithError(err).Warn("daemon sync status unavailable")
		case status.Synced:
			return nil
		default:
			m.logger.Info("waiting for daemon to synchronize",
				"progress_pct", status.Progress*100,
				"blocks", status.Blocks,
				"headers", status.Headers,
				"peers", status.Peers,
			)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) rpcTimeout() time.Duration {
	if m.cfg.RPCTimeout > 0 {
		return m.cfg.RPCTimeout
	}
	return 10 * time.Second
}

func (m *Manager) initialLoop(ctx context.Context) {
	retry := m.cfg.InitialRetry
	if retry <= 0 {
		retry = 5 * time.Second
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for m.Current() == nil {
		if err := m.Trigger(ctx, TriggerInitial); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	if m.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Trigger(ctx, TriggerPoll); err != nil {
				return
			}
		}
	}
}

func (m *Manager) pushLoop(ctx context.Context, src chain.PushSource) {
	err := src.Listen(ctx, func() {
		if err := m.Trigger(ctx, TriggerPush); err != nil {
			m.logger.WithError(err).Debug("push trigger not queued")
		}
	})
	if err != nil && ctx.Err() == nil {
		m.logger.WithError(err).Error("push notification source stopped, relying on polling")
	}
}

// refresh fetches the latest template and publishes a job if it is new work.
// Only the writer loop calls it.
func (m *Manager) refresh(ctx context.Context, kind TriggerKind) {
	rctx, cancel := context.WithTimeout(ctx, m.rpcTimeout())
	tpl, err := m.adapter.GetLatestTemplate(rctx)
	cancel()
	if err != nil {
		metrics.TemplateErrors.Inc()
		logger := m.logger.WithError(err).WithFields("trigger", kind.String())
		if errors.IsRetryable(err) || ctx.Err() != nil {
			logger.Warn("template refresh failed, keeping previous job")
		} else {
			logger.Error("template refresh failed, keeping previous job")
		}
		return
	}

	cur := m.current.Load()
	if cur != nil && m.equal(cur.Template, tpl) {
		if kind == TriggerRebroadcast || m.rebroadcastDue() {
			m.emit(ctx, Event{
				Job:    cur,
				JobID:  cur.ID,
				Height: cur.Height(),
				Params: m.adapter.JobParams(cur.ID, cur.Template, false),
				IsNew:  false,
			})
			metrics.Jobs.WithLabelValues("rebroadcast").Inc()
		}
		return
	}

	id := strconv.FormatUint(m.nextID.Add(1), 16)
	job := NewJob(id, tpl, m.adapter.JobParams(id, tpl, true), time.Now())
	m.publish(job)

	m.logger.WithJob(job.ID, job.Height()).Info("new job",
		"trigger", kind.String(),
		"prev_hash", tpl.PrevHash(),
		"network_difficulty", tpl.NetworkDifficulty(),
	)
	metrics.Jobs.WithLabelValues("new").Inc()
	m.emit(ctx, Event{Job: job, JobID: job.ID, Height: job.Height(), Params: job.Params, IsNew: true})
}

func (m *Manager) rebroadcastDue() bool {
	return m.cfg.RebroadcastTimeout > 0 && time.Since(m.lastEmit) >= m.cfg.RebroadcastTimeout
}

// publish inserts job at the head of the backlog, evicts overflow and swaps
// the current pointer.
func (m *Manager) publish(job *Job) {
	m.mu.Lock()
	m.backlog = append([]*Job{job}, m.backlog...)
	m.byID[job.ID] = job
	for len(m.backlog) > m.cfg.MaxBacklog {
		old := m.backlog[len(m.backlog)-1]
		m.backlog = m.backlog[:len(m.backlog)-1]
		delete(m.byID, old.ID)
	}
	m.mu.Unlock()

	m.current.Store(job)
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	m.lastEmit = time.Now()

	m.subMu.Lock()
	subs := append([]chan Event(nil), m.subs...)
	m.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}
