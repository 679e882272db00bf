package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncReservation("ok")
	m.ObserveFill("direct", "success", time.Millisecond)
	m.IncVersionConflict()
	m.IncWebhook("fiat", "confirmed")
	m.ObserveJob("refund", "completed")
	m.ObserveProviderCall("initiate_payment", "success", time.Millisecond)
	m.IncSagaStep("reserve", "ok")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncReservation("INSUFFICIENT_CAPACITY")
	m.IncReservation("INSUFFICIENT_CAPACITY")
	m.IncVersionConflict()

	if got := testutil.ToFloat64(m.Reservations.WithLabelValues("INSUFFICIENT_CAPACITY")); got != 2 {
		t.Fatalf("expected 2 reservations, got %v", got)
	}
	if got := testutil.ToFloat64(m.VersionConflicts); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
}
