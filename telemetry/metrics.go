// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	UploadsStarted    prometheus.Counter
	UploadsFailed     prometheus.Counter
	UploadsSucceeded  prometheus.Counter
	ProcessingCycles  prometheus.Counter
	AnnouncementsSent prometheus.Counter

	AuthChallengesIssued  prometheus.Counter
	AuthProofsAccepted    prometheus.Counter
	AuthChallengesExpired prometheus.Counter

	// Histograms (seconds)
	UploadDuration prometheus.Observer

	// Gauges
	QueueDepthGauge  prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		UploadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_uploads_started_total", Help: "Number of image uploads started"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_uploads_failed_total", Help: "Number of image uploads failed"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_uploads_succeeded_total", Help: "Number of image uploads succeeded"})
		ProcessingCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_processing_cycles_total", Help: "Number of worker processing cycles"})
		AnnouncementsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_announcements_sent_total", Help: "Number of channel announcements sent"})
		AuthChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_auth_challenges_issued_total", Help: "Number of auth challenges issued"})
		AuthProofsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_auth_proofs_accepted_total", Help: "Number of auth proofs accepted"})
		AuthChallengesExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "picrelay_auth_challenges_expired_total", Help: "Number of auth challenges that expired unproven"})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "picrelay_upload_duration_seconds", Help: "Upload duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "picrelay_queue_depth", Help: "Current number of retryable upload records"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "picrelay_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetQueueDepth records the current retryable record count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
