// Package ban keeps the process-wide table of banned remote addresses.
package ban

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/pkg/log"
)

// Config is the banning policy.
type Config struct {
	Enabled        bool
	CheckThreshold int           // shares needed before the ratio is judged
	InvalidPercent float64       // ban when invalid shares reach this share of the sample
	Duration       time.Duration // ban length
	PurgeInterval  time.Duration // how often expired bans are dropped
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		CheckThreshold: 50,
		InvalidPercent: 50,
		Duration:       15 * time.Minute,
		PurgeInterval:  time.Minute,
	}
}

// Store shares bans between pool processes. It is optional.
type Store interface {
	PutBan(ctx context.Context, addr, reason string, until time.Time) error
	BanExpiry(ctx context.Context, addr string) (time.Time, bool, error)
}

// Decision is the outcome of evaluating a connection's counters.
type Decision int

const (
	// Keep means the sample is still too small; keep counting.
	Keep Decision = iota
	// Reset means the sample was judged healthy; counters start over.
	Reset
	// Banned means the address was banned and the connection must close.
	Banned
)

type record struct {
	until  time.Time
	reason string
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	store  Store
	logger *log.Logger
	now    func() time.Time

	mu   sync.RWMutex
	bans map[string]record
}

// NewManager creates a manager. store may be nil.
func NewManager(cfg Config, store Store, logger *log.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.WithComponent("ban"),
		now:    time.Now,
		bans:   make(map[string]record),
	}
}

// Evaluate judges the valid/invalid counters of a connection from addr.
// Once CheckThreshold shares were seen the address is banned when the
// invalid percentage reaches InvalidPercent; otherwise the caller resets
// its counters.
func (m *Manager) Evaluate(ctx context.Context, addr string, valid, invalid int) Decision {
	if !m.cfg.Enabled {
		return Keep
	}
	total := valid + invalid
	if total < m.cfg.CheckThreshold || total == 0 {
		return Keep
	}

	percent := float64(invalid) / float64(total) * 100
	if percent < m.cfg.InvalidPercent {
		return Reset
	}

	m.Ban(ctx, addr, fmt.Sprintf("%.0f%% invalid shares over %d submissions", percent, total), m.cfg.Duration)
	return Banned
}

// Ban records addr as banned for d and mirrors it to the store.
func (m *Manager) Ban(ctx context.Context, addr, reason string, d time.Duration) {
	if d <= 0 {
		d = m.cfg.Duration
	}
	until := m.now().Add(d)

	m.mu.Lock()
	m.bans[addr] = record{until: until, reason: reason}
	m.mu.Unlock()

	metrics.Bans.Inc()
	m.logger.LogBan(addr, reason, d)

	if m.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := m.store.PutBan(storeCtx, addr, reason, until); err != nil {
			m.logger.WithError(err).Warn("failed to share ban", "remote_addr", addr)
		}
	}
}

// IsBanned reports whether addr is banned locally.
func (m *Manager) IsBanned(addr string) bool {
	m.mu.RLock()
	rec, ok := m.bans[addr]
	m.mu.RUnlock()
	return ok && m.now().Before(rec.until)
}

// Check consults the local table, then the shared store. A ban found only
// in the store is cached locally until it expires.
func (m *Manager) Check(ctx context.Context, addr string) bool {
	if m.IsBanned(addr) {
		return true
	}
	if m.store == nil {
		return false
	}

	storeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	until, ok, err := m.store.BanExpiry(storeCtx, addr)
	if err != nil {
		m.logger.WithError(err).Debug("shared ban lookup failed", "remote_addr", addr)
		return false
	}
	if !ok || !m.now().Before(until) {
		return false
	}

	m.mu.Lock()
	m.bans[addr] = record{until: until, reason: "shared"}
	m.mu.Unlock()
	return true
}

// Purge drops expired bans and returns how many were removed.
func (m *Manager) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for addr, rec := range m.bans {
		if !now.Before(rec.until) {
			delete(m.bans, addr)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked bans, expired or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bans)
}

// Run purges expired bans every PurgeInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.PurgeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Purge(); n > 0 {
				m.logger.Debug("expired bans purged", "count", n)
			}
		}
	}
}
