package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "digest_http_requests_total 3") {
		t.Errorf("expected 3 requests in:\n%s", body)
	}
	if !strings.Contains(body, "digest_http_errors_total 1") {
		t.Errorf("expected 1 error in:\n%s", body)
	}
}

func TestMetrics_labelled_counters_and_gauges(t *testing.T) {
	m := New()
	m.ObservePipelineRun("done")
	m.ObservePipelineRun("error")
	m.ObservePipelineRun("done")
	m.ObserveTranscriptSource("asr")
	m.ObserveRelay("forbidden")
	m.PipelineStarted()

	body := scrape(t, m, func() { m.SetTrackedClients(4) })

	for _, want := range []string{
		`digest_pipeline_runs_total{outcome="done"} 2`,
		`digest_pipeline_runs_total{outcome="error"} 1`,
		`digest_transcript_source_total{source="asr"} 1`,
		`digest_relay_requests_total{result="forbidden"} 1`,
		"digest_active_pipelines 1",
		"digest_rate_limit_tracked_clients 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_RegisterCacheStats(t *testing.T) {
	m := New()
	hits, misses := int64(3), int64(1)
	m.RegisterCacheStats(func() (int64, int64) { return hits, misses })

	hits = 5
	body := scrape(t, m, nil)
	for _, want := range []string{
		"digest_transcript_cache_hits_total 5",
		"digest_transcript_cache_misses_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}
