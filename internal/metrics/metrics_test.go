package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	return w.Body.String()
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := New()

	m.RecordRequest("GET", "/api/v1/downloads", 200, 100*time.Millisecond)
	m.RecordRequest("GET", "/api/v1/downloads", 200, 150*time.Millisecond)
	m.RecordRequest("GET", "/api/v1/downloads", 500, 50*time.Millisecond)

	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("GET", "/api/v1/downloads", "200")); got != 2 {
		t.Errorf("expected 2 successful requests, got %v", got)
	}

	body := scrape(t, m)
	if !strings.Contains(body, "vidstash_http_requests_total") {
		t.Error("expected vidstash_http_requests_total metric")
	}
	if !strings.Contains(body, "vidstash_http_request_duration_seconds") {
		t.Error("expected vidstash_http_request_duration_seconds metric")
	}
}

func TestMetrics_WSConnections(t *testing.T) {
	m := New()

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()

	if got := testutil.ToFloat64(m.wsConnections); got != 1 {
		t.Errorf("expected 1 active connection, got %v", got)
	}
}

func TestMetrics_QueueAndWorkers(t *testing.T) {
	m := New()

	m.SetQueueDepth(5)
	m.SetWorkersBusy(2)

	if got := testutil.ToFloat64(m.queueDepth); got != 5 {
		t.Errorf("expected queue depth 5, got %v", got)
	}
	if got := testutil.ToFloat64(m.workersBusy); got != 2 {
		t.Errorf("expected 2 busy workers, got %v", got)
	}
}

func TestMetrics_JobLifecycle(t *testing.T) {
	m := New()

	m.JobSubmitted()
	m.JobSubmitted()
	m.JobFinished("completed", 3*time.Second)
	m.JobFinished("failed", time.Second)
	m.AddTraffic("download_from_source", 1000)

	if got := testutil.ToFloat64(m.jobsSubmitted); got != 2 {
		t.Errorf("expected 2 submitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed, got %v", got)
	}
	if got := testutil.ToFloat64(m.trafficBytes.WithLabelValues("download_from_source")); got != 1000 {
		t.Errorf("expected 1000 bytes, got %v", got)
	}
}

func TestMetrics_RecordSweep(t *testing.T) {
	m := New()

	m.RecordSweep(3, 1, 2)
	m.RecordSweep(0, 0, 0)

	if got := testutil.ToFloat64(m.reaperRuns); got != 2 {
		t.Errorf("expected 2 runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.reaperCleaned); got != 3 {
		t.Errorf("expected 3 cleaned, got %v", got)
	}
	if got := testutil.ToFloat64(m.reaperErrors); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.reaperOrphans); got != 2 {
		t.Errorf("expected 2 orphans, got %v", got)
	}
}

func TestMetrics_EndpointNormalization(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/v1/downloads/42", "/api/v1/downloads/{id}"},
		{"/api/v1/downloads/42/file", "/api/v1/downloads/{id}/file"},
		{"/api/v1/users/123e4567-e89b-12d3-a456-426614174000", "/api/v1/users/{id}"},
		{"/api/v1/cleanup", "/api/v1/cleanup"},
	}

	for _, tt := range tests {
		if got := normalizeEndpoint(tt.path); got != tt.expected {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := New()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("OK"))
	})

	wrappedHandler := MetricsMiddleware(m)(handler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", nil)
	w := httptest.NewRecorder()

	wrappedHandler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Code)
	}

	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("POST", "/api/v1/downloads", "202")); got != 1 {
		t.Errorf("expected 1 recorded request, got %v", got)
	}
}
