// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/poolcore/pkg/log"
)

const namespace = "poolcore"

var (
	// Shares counts submissions by verdict (accepted, or the reject reason).
	Shares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_total",
		Help:      "Share submissions by result.",
	}, []string{"result"})

	// Jobs counts job events by kind (new, rebroadcast).
	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Job events emitted by the job manager.",
	}, []string{"kind"})

	// TemplateErrors counts failed template refreshes.
	TemplateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "template_errors_total",
		Help:      "Failed block template refresh attempts.",
	})

	// Bans counts issued bans.
	Bans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_total",
		Help:      "Remote addresses banned.",
	})

	// Connections tracks live miner connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Connected miner sessions.",
	})

	// BatchCommits counts persistence batch outcomes (committed, recovered, lost).
	BatchCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "share_batches_total",
		Help:      "Share batch commit outcomes.",
	}, []string{"outcome"})

	// RelayMessages counts relay traffic by direction and result.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_messages_total",
		Help:      "Share relay messages.",
	}, []string{"direction", "result"})

	// SinkShares counts shares handed to queued sinks by sink and result.
	SinkShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_shares_total",
		Help:      "Shares delivered to, dropped by or failed in queued sinks.",
	}, []string{"sink", "result"})

	// BreakerState reports circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state by name.",
	}, []string{"name"})
)

// Registry holds every collector above.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Shares, Jobs, TemplateErrors, Bans, Connections,
		BatchCommits, RelayMessages, SinkShares, BreakerState,
		prometheus.NewGoCollector(),
	)
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
