// Package database opens the share store and the optional Redis and InfluxDB
// backends a pool process is configured with.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/ban"
	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/postgres"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/database/sqlite"
	"github.com/bardlex/poolcore/internal/persistence"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Share store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ShareStore is a persistence.Store backed by a database connection.
type ShareStore interface {
	persistence.Store
	Health(ctx context.Context) error
	Close() error
}

// Manager holds every open backend. Redis and Influx are nil when not configured.
type Manager struct {
	Shares ShareStore
	Redis  *redis.Client
	Influx *influx.Client

	logger *log.Logger
}

// Config holds configuration for all database systems. Nil Redis or Influx
// sections leave that backend disabled.
type Config struct {
	Driver     string
	Postgres   *postgres.Config
	SQLitePath string
	Redis      *redis.Config
	Influx     *influx.Config
}

// NewManager opens the configured backends. A failure closes whatever was
// already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	shares, err := openShareStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.Shares = shares

	if cfg.Redis != nil {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis"))
		}
		m.Redis = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB"))
		}
		m.Influx = ic
	}

	return m, nil
}

func openShareStore(ctx context.Context, cfg *Config) (ShareStore, error) {
	switch cfg.Driver {
	case DriverPostgres:
		if cfg.Postgres == nil {
			return nil, errors.New(errors.ErrorTypeValidation, "open_share_store", "postgres driver selected without postgres settings")
		}
		c, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL").WithContext("target", cfg.Postgres.Redacted())
		}
		return c, nil
	case DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite_open",
				"failed to open SQLite store").WithContext("path", cfg.SQLitePath)
		}
		return s, nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "open_share_store",
			fmt.Sprintf("unknown share store driver %q", cfg.Driver))
	}
}

func (m *Manager) abort(cause *errors.ServiceError) error {
	if err := m.Close(); err != nil {
		return cause.WithContext("cleanup_error", err.Error())
	}
	return cause
}

// BanStore returns the shared ban store, or nil when Redis is disabled.
func (m *Manager) BanStore() ban.Store {
	if m.Redis == nil {
		return nil
	}
	return m.Redis
}

// Metrics returns the time-series sink for committed shares, or nil.
func (m *Manager) Metrics() persistence.Metrics {
	if m.Influx == nil {
		return nil
	}
	return m.Influx
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Shares != nil {
		if err := m.Shares.Close(); err != nil {
			errs = append(errs, fmt.Errorf("share store close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all open backends
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Shares.Health(ctx); err != nil {
		return fmt.Errorf("share store health check failed: %w", err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// StartPeriodicTasks flushes buffered InfluxDB points and logs failed health
// checks until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.Influx != nil {
					m.Influx.Flush()
				}
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := m.Health(checkCtx); err != nil && ctx.Err() == nil {
					m.logger.WithError(err).Warn("database health check failed")
				}
				cancel()
			}
		}
	}()
}
