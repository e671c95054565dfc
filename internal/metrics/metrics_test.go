package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all metrics are initialized
	if m.OutboundRequestsTotal == nil {
		t.Error("OutboundRequestsTotal should be initialized")
	}
	if m.OutboundRequestDuration == nil {
		t.Error("OutboundRequestDuration should be initialized")
	}
	if m.HedgedRequestsSent == nil {
		t.Error("HedgedRequestsSent should be initialized")
	}
	if m.CircuitTrips == nil {
		t.Error("CircuitTrips should be initialized")
	}
	if m.ScrapeJobsTotal == nil {
		t.Error("ScrapeJobsTotal should be initialized")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth should be initialized")
	}
	if m.ChargesTotal == nil {
		t.Error("ChargesTotal should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
	if m.NotificationsTotal == nil {
		t.Error("NotificationsTotal should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveOutboundRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOutboundRequest("web_profile_info", "success", 120*time.Millisecond)
	m.ObserveOutboundRequest("web_profile_info", "success", 80*time.Millisecond)
	m.ObserveOutboundRequest("graphql", "timeout", 3*time.Second)

	if got := promtest.ToFloat64(m.OutboundRequestsTotal.WithLabelValues("web_profile_info", "success")); got != 2 {
		t.Errorf("web_profile_info success count = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.OutboundRequestsTotal.WithLabelValues("graphql", "timeout")); got != 1 {
		t.Errorf("graphql timeout count = %v, want 1", got)
	}
}

func TestObserveHedge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHedge(3, true, true)
	m.ObserveHedge(1, false, false)

	if got := promtest.ToFloat64(m.HedgedRequestsSent); got != 4 {
		t.Errorf("hedged requests sent = %v, want 4", got)
	}
	if got := promtest.ToFloat64(m.HedgedFastestWins); got != 1 {
		t.Errorf("fastest wins = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.HedgedCancelled); got != 1 {
		t.Errorf("cancelled = %v, want 1", got)
	}
}

func TestObserveCharge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCharge("token", true, 349.0)
	m.ObserveCharge("token", true, 999.0)
	m.ObserveCharge("token", false, 999.0)

	if got := promtest.ToFloat64(m.ChargesTotal.WithLabelValues("token", "accepted")); got != 2 {
		t.Errorf("accepted charges = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.ChargesTotal.WithLabelValues("token", "declined")); got != 1 {
		t.Errorf("declined charges = %v, want 1", got)
	}
	// Declined charges must not add to the amount counter.
	if got := promtest.ToFloat64(m.ChargeAmountTotal.WithLabelValues("token")); got != 1348.0 {
		t.Errorf("charge amount total = %v, want 1348", got)
	}
}

func TestObserveWebhook(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveWebhook("Completed", "ok")
	m.ObserveWebhook("Completed", "ok")
	m.ObserveWebhook("Declined", "error")

	if got := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("Completed", "ok")); got != 2 {
		t.Errorf("completed ok webhooks = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("Declined", "error")); got != 1 {
		t.Errorf("declined error webhooks = %v, want 1", got)
	}
}

func TestObserveNotification(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveNotification("warming_1", true)
	m.ObserveNotification("warming_1", false)

	if got := promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("warming_1", "success")); got != 1 {
		t.Errorf("successful notifications = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("warming_1", "failure")); got != 1 {
		t.Errorf("failed notifications = %v, want 1", got)
	}
}

func TestObserveCacheLookupAndScrapeJob(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCacheLookup("fresh")
	m.ObserveCacheLookup("miss")
	m.ObserveCacheLookup("fresh")
	m.ObserveScrapeJob("completed", 42*time.Second)
	m.ObserveScrapeJob("failed", 3*time.Second)

	if got := promtest.ToFloat64(m.CacheLookupsTotal.WithLabelValues("fresh")); got != 2 {
		t.Errorf("fresh cache lookups = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.ScrapeJobsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed scrape jobs = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.ScrapeJobsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed scrape jobs = %v, want 1", got)
	}
}

func TestObserveCircuitTrip(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCircuitTrip("instagram_profile")
	m.ObserveCircuitTrip("instagram_profile")

	if got := promtest.ToFloat64(m.CircuitTrips.WithLabelValues("instagram_profile")); got != 2 {
		t.Errorf("circuit trips = %v, want 2", got)
	}
}
