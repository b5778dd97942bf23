// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters (by provider)
	PollCycles          *prometheus.CounterVec
	PollCycleErrors     *prometheus.CounterVec
	AnnouncementsSent   *prometheus.CounterVec
	AnnouncementsFailed *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	CommandsDispatched  prometheus.Counter
	CommandErrors       prometheus.Counter

	// Histograms (seconds)
	PollCycleDuration *prometheus.HistogramVec

	// Gauges
	WatchesGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qbot_poll_cycles_total", Help: "Number of recurring check cycles run"}, []string{"provider"})
		PollCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qbot_poll_cycle_errors_total", Help: "Number of check cycles that ended with an error"}, []string{"provider"})
		AnnouncementsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qbot_announcements_sent_total", Help: "Number of announcements delivered"}, []string{"provider"})
		AnnouncementsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qbot_announcements_failed_total", Help: "Number of announcement deliveries that failed"}, []string{"provider"})
		ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "qbot_provider_errors_total", Help: "Number of provider fetch failures"}, []string{"provider"})
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "qbot_commands_dispatched_total", Help: "Number of chat commands dispatched to a handler"})
		CommandErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "qbot_command_errors_total", Help: "Number of command handlers that returned an error"})
		PollCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "qbot_poll_cycle_duration_seconds", Help: "Check cycle duration seconds", Buckets: prometheus.DefBuckets}, []string{"provider"})
		WatchesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "qbot_watches", Help: "Current number of watch entries"}, []string{"provider"})
	})
}

// The helpers below are nil-safe so code paths exercised in tests do not
// require Init to have run.

func IncPollCycle(provider string) {
	if PollCycles != nil {
		PollCycles.WithLabelValues(provider).Inc()
	}
}

func IncPollCycleError(provider string) {
	if PollCycleErrors != nil {
		PollCycleErrors.WithLabelValues(provider).Inc()
	}
}

func IncProviderError(provider string) {
	if ProviderErrors != nil {
		ProviderErrors.WithLabelValues(provider).Inc()
	}
}

func IncAnnouncementSent(provider string) {
	if AnnouncementsSent != nil {
		AnnouncementsSent.WithLabelValues(provider).Inc()
	}
}

func IncAnnouncementFailed(provider string) {
	if AnnouncementsFailed != nil {
		AnnouncementsFailed.WithLabelValues(provider).Inc()
	}
}

func IncCommandDispatched() {
	if CommandsDispatched != nil {
		CommandsDispatched.Inc()
	}
}

func IncCommandError() {
	if CommandErrors != nil {
		CommandErrors.Inc()
	}
}

// SetWatches records the current number of watch entries for a provider.
func SetWatches(provider string, n int) {
	if WatchesGauge != nil {
		WatchesGauge.WithLabelValues(provider).Set(float64(n))
	}
}

// ObserveCycle records a check cycle duration.
func ObserveCycle(provider string, d time.Duration) {
	if PollCycleDuration != nil {
		PollCycleDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}
