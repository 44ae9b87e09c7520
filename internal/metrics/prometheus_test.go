package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Inc(EventCallEstablished)
	m.Inc(EventCallEstablished)
	m.Inc(EventSignalRelayed)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE callsig_events_total counter",
		`callsig_events_total{event="call_established"} 2`,
		`callsig_events_total{event="signal_relayed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestPrometheusHandlerEscapesLabelValues(t *testing.T) {
	m := New()
	m.Inc(`weird"event\name`)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if want := `callsig_events_total{event="weird\"event\\name"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("body missing %q:\n%s", want, rec.Body.String())
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Inc("anything")
	if got := m.Get("anything"); got != 0 {
		t.Fatalf("Get on nil metrics = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("Snapshot on nil metrics = %v, want nil", snap)
	}
}
