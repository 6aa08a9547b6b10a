// Package metrics holds the prometheus metrics of the sidecar supervisor.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds all prometheus metrics of the supervisor
type Metrics struct {
	spawnsTotal *prometheus.CounterVec
	linesTotal  *prometheus.CounterVec
	killsTotal  *prometheus.CounterVec
	exitsTotal  *prometheus.CounterVec
	up          *prometheus.GaugeVec

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		spawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sidecar_spawns_total",
				Help: "Total number of sidecar spawn attempts by result",
			},
			[]string{"sidecar", "result"},
		),
		linesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sidecar_lines_total",
				Help: "Total number of output lines forwarded from the sidecar by stream",
			},
			[]string{"sidecar", "stream"},
		),
		killsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sidecar_kills_total",
				Help: "Total number of termination signals sent to the sidecar by result",
			},
			[]string{"sidecar", "result"},
		),
		exitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sidecar_exits_total",
				Help: "Total number of observed sidecar exits by exit code",
			},
			[]string{"sidecar", "code"},
		),
		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tether_sidecar_up",
				Help: "Status of the sidecar process (1=running, 0=stopped)",
			},
			[]string{"sidecar"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.spawnsTotal,
		m.linesTotal,
		m.killsTotal,
		m.exitsTotal,
		m.up,
	)

	return m
}

// RecordSpawn records a spawn attempt and flips the up gauge on success.
func (m *Metrics) RecordSpawn(sidecar string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.spawnsTotal.WithLabelValues(sidecar, ResultFailed).Inc()
		return
	}
	m.spawnsTotal.WithLabelValues(sidecar, ResultOK).Inc()
	m.up.WithLabelValues(sidecar).Set(1)
}

func (m *Metrics) RecordLine(sidecar, stream string) {
	if m == nil {
		return
	}
	m.linesTotal.WithLabelValues(sidecar, stream).Inc()
}

func (m *Metrics) RecordKill(sidecar string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.killsTotal.WithLabelValues(sidecar, result).Inc()
}

// RecordExit records the exit code of the sidecar, -1 when killed by a signal.
func (m *Metrics) RecordExit(sidecar, code string) {
	if m == nil {
		return
	}
	m.exitsTotal.WithLabelValues(sidecar, code).Inc()
	m.up.WithLabelValues(sidecar).Set(0)
}

// Handler returns the prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on the listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.DebugContext(ctx, "shutting down metrics server", "error", err)
		}
	}()

	slog.InfoContext(ctx, "serving metrics", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
