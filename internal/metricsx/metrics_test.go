package metricsx

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersAndServesCounters(t *testing.T) {
	m, handler := New()

	m.PacketsDecrypted.Inc()
	m.PacketsDropped.WithLabelValues("auth").Inc()
	m.SubscriberCount.Set(3)
	m.BroadcastDrops.Inc()
	m.SessionTransitions.WithLabelValues("in_race").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"apextelemetry_packets_decrypted_total 1",
		`apextelemetry_packets_dropped_total{reason="auth"} 1`,
		"apextelemetry_ws_subscribers 3",
		"apextelemetry_broadcast_drops_total 1",
		`apextelemetry_session_transitions_total{to="in_race"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}
