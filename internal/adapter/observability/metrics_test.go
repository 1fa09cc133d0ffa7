package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	EnqueueJob("ingest_cv")
	StartProcessingJob("ingest_cv")
	CompleteJob("ingest_cv", 1.5)
	StartProcessingJob("bulk_match")
	FailJob("bulk_match")
	ObserveMatch(72.5)
	ObserveMatch(-1) // out of range, ignored
}
