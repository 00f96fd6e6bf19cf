package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the postback service.
type Metrics struct {
	// Ingestion metrics
	Postbacks         *prometheus.CounterVec
	PostbacksRejected *prometheus.CounterVec
	IngestLatency     *prometheus.HistogramVec
	Revenue           *prometheus.CounterVec

	// Session metrics
	SessionsActivated *prometheus.CounterVec
	SessionsExpired   prometheus.Counter

	// Storage metrics
	StorageErrors  *prometheus.CounterVec
	AdminResets    *prometheus.CounterVec
	RecordsDeleted *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Postbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "postbacks_total",
				Help:      "Total postbacks accepted",
			},
			[]string{"event_type", "reward_event_type"},
		),
		PostbacksRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "postbacks_rejected_total",
				Help:      "Postbacks rejected at validation",
			},
			[]string{"reason"},
		),
		IngestLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Postback processing latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"status"},
		),
		Revenue: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revenue_usd_total",
				Help:      "Total revenue from valued events",
			},
			[]string{"zone_id"},
		),
		SessionsActivated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_activated_total",
				Help:      "Reward sessions opened after meeting thresholds",
			},
			[]string{"zone_id"},
		),
		SessionsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Reward sessions expired and reset",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Storage failures swallowed by best-effort ingestion",
			},
			[]string{"op"},
		),
		AdminResets: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_resets_total",
				Help:      "Destructive admin reset operations",
			},
			[]string{"scope"},
		),
		RecordsDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_deleted_total",
				Help:      "Counter records removed by resets and sweeps",
			},
			[]string{"cause"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPostback records one accepted postback.
func (m *Metrics) RecordPostback(eventType, rewardType, zoneID string, revenue float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.Postbacks.WithLabelValues(eventType, rewardType).Inc()
	m.IngestLatency.WithLabelValues("accepted").Observe(latency.Seconds())
	if revenue > 0 {
		m.Revenue.WithLabelValues(zoneID).Add(revenue)
	}
}

// RecordRejected records a validation rejection.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.PostbacksRejected.WithLabelValues(reason).Inc()
}

// RecordSessionActivated records a threshold crossing.
func (m *Metrics) RecordSessionActivated(zoneID string) {
	if m == nil {
		return
	}
	m.SessionsActivated.WithLabelValues(zoneID).Inc()
}

// RecordSessionExpired records an expiry-and-reset.
func (m *Metrics) RecordSessionExpired(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsExpired.Add(float64(count))
}

// RecordStorageError records a swallowed storage failure.
func (m *Metrics) RecordStorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

// RecordReset records a destructive admin reset.
func (m *Metrics) RecordReset(scope string, deleted int64) {
	if m == nil {
		return
	}
	m.AdminResets.WithLabelValues(scope).Inc()
	m.RecordsDeleted.WithLabelValues("admin").Add(float64(deleted))
}

// RecordRateLimitHit records a rate limit rejection.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}
