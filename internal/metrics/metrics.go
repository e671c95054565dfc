package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion and billing engines.
type Metrics struct {
	// Outbound Instagram request metrics
	OutboundRequestsTotal   *prometheus.CounterVec
	OutboundRequestDuration *prometheus.HistogramVec
	HedgedRequestsSent      prometheus.Counter
	HedgedFastestWins       prometheus.Counter
	HedgedCancelled         prometheus.Counter
	SessionRefreshes        prometheus.Counter
	CircuitTrips            *prometheus.CounterVec

	// Scrape pipeline metrics
	ScrapeJobsTotal   *prometheus.CounterVec
	ScrapeJobDuration prometheus.Histogram
	QueueDepth        prometheus.Gauge
	CacheLookupsTotal *prometheus.CounterVec

	// Blob store metrics
	BlobDownloadsTotal *prometheus.CounterVec

	// Billing metrics
	ChargesTotal      *prometheus.CounterVec
	ChargeAmountTotal *prometheus.CounterVec
	DowngradesTotal   prometheus.Counter
	WebhooksTotal     *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Rate limiting metrics (inbound HTTP)
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		OutboundRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_outbound_requests_total",
				Help: "Total outbound Instagram requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		OutboundRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "instarding_outbound_request_duration_seconds",
				Help:    "Duration of outbound requests (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		HedgedRequestsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instarding_hedged_requests_sent_total",
				Help: "Total hedged sibling requests launched",
			},
		),
		HedgedFastestWins: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instarding_hedged_fastest_wins_total",
				Help: "Hedged calls where a later sibling returned first",
			},
		),
		HedgedCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instarding_hedged_cancelled_total",
				Help: "Logical requests cancelled before any sibling completed",
			},
		),
		SessionRefreshes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instarding_session_refreshes_total",
				Help: "Transport pool rebuilds triggered by degraded success rate",
			},
		),
		CircuitTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_circuit_trips_total",
				Help: "Circuit breaker open transitions by service",
			},
			[]string{"service"},
		),

		ScrapeJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_scrape_jobs_total",
				Help: "Completed scrape jobs by outcome",
			},
			[]string{"outcome"},
		),
		ScrapeJobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "instarding_scrape_job_duration_seconds",
				Help:    "End-to-end duration of a deep scrape job",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "instarding_scrape_queue_depth",
				Help: "Number of tasks waiting in the scrape queue",
			},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_profile_cache_lookups_total",
				Help: "Profile cache lookups by result (fresh, stale, miss)",
			},
			[]string{"result"},
		),

		BlobDownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_blob_downloads_total",
				Help: "Image downloads by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_charges_total",
				Help: "Gateway charge attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ChargeAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_charge_amount_total",
				Help: "Total charged amount in rubles",
			},
			[]string{"kind"},
		),
		DowngradesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "instarding_downgrades_total",
				Help: "Tariff downgrade cascade steps executed",
			},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_gateway_webhooks_total",
				Help: "Gateway webhook notifications by status and outcome",
			},
			[]string{"status", "outcome"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_notifications_total",
				Help: "Warming notification deliveries by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instarding_rate_limit_hits_total",
				Help: "Total number of inbound rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "instarding_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveOutboundRequest records one logical outbound request.
func (m *Metrics) ObserveOutboundRequest(endpoint, outcome string, duration time.Duration) {
	m.OutboundRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.OutboundRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveHedge records hedging activity for one logical request.
func (m *Metrics) ObserveHedge(siblingsSent int, fastestWin, cancelled bool) {
	m.HedgedRequestsSent.Add(float64(siblingsSent))
	if fastestWin {
		m.HedgedFastestWins.Inc()
	}
	if cancelled {
		m.HedgedCancelled.Inc()
	}
}

// ObserveCircuitTrip records a breaker opening for a service.
func (m *Metrics) ObserveCircuitTrip(service string) {
	m.CircuitTrips.WithLabelValues(service).Inc()
}

// ObserveScrapeJob records a finished scrape job.
func (m *Metrics) ObserveScrapeJob(outcome string, duration time.Duration) {
	m.ScrapeJobsTotal.WithLabelValues(outcome).Inc()
	m.ScrapeJobDuration.Observe(duration.Seconds())
}

// ObserveCacheLookup records a profile cache lookup result.
func (m *Metrics) ObserveCacheLookup(result string) {
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveBlobDownload records an image download attempt.
func (m *Metrics) ObserveBlobDownload(kind string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.BlobDownloadsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveCharge records a gateway charge attempt.
func (m *Metrics) ObserveCharge(kind string, success bool, amount float64) {
	outcome := "declined"
	if success {
		outcome = "accepted"
		m.ChargeAmountTotal.WithLabelValues(kind).Add(amount)
	}
	m.ChargesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveWebhook records processing of a gateway webhook.
func (m *Metrics) ObserveWebhook(status, outcome string) {
	m.WebhooksTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveNotification records a notification delivery attempt.
func (m *Metrics) ObserveNotification(notifType string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.NotificationsTotal.WithLabelValues(notifType, outcome).Inc()
}

// ObserveRateLimit records an inbound rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// FormatAttempt buckets retry attempt numbers for low-cardinality labels.
func FormatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
