package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	reg := NewRegistry()

	SetSessionsActive(3)
	RecordSessionFinalized("COMPLETED")
	SetWriteQueueDepth(2, 1)
	RecordWriteQueueRetry("transcriptions")
	RecordQuotaRejection()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"voicerelay_sessions_active 3",
		`voicerelay_sessions_finalized_total{status="COMPLETED"} 1`,
		"voicerelay_write_queue_depth 2",
		"voicerelay_write_queue_in_flight 1",
		`voicerelay_write_queue_retries_total{table="transcriptions"} 1`,
		"voicerelay_quota_rejections_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNewRegistry_IsIndependentAcrossInstances(t *testing.T) {
	// A second registry must not panic on duplicate collector registration
	// against the prometheus default registry, since NewRegistry uses its
	// own prometheus.Registry rather than the global one.
	_ = NewRegistry()
	_ = NewRegistry()
}
