package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersEveryMetric(t *testing.T) {
	r := New()
	r.QueuePublished.WithLabelValues("inbound").Inc()
	r.StageProcessed.WithLabelValues("validation", "ok").Inc()
	r.MLLPMessages.WithLabelValues("hl7v2_listener", "AA").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 from the metrics handler, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"interop_queue_published_total",
		"interop_stage_processed_total",
		"interop_mllp_messages_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestTwoRegistriesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.QueuePublished.WithLabelValues("x").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), `interop_queue_published_total{queue="x"}`) {
		t.Fatalf("expected separate Registry instances to use independent prometheus registries")
	}
}
