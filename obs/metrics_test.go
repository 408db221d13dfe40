package obs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRouteLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/upload", "/upload"},
		{"/status/6b1f8f3a-6f52-4d5e-9a57-2a8c1e3c9d10", "/status/:jobId"},
		{"/jobs/abc", "/jobs/:jobId"},
		{"/jobs/abc/extra", "/jobs/:jobId/extra"},
		{"/status/", "/status/"},
		{"/healthz", "/healthz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeRouteLabel(tt.in), tt.in)
	}
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/upload", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	RecordWorkerJob("test", OutcomeNoTables, time.Now())
	RecordExtraction(2, 5)
	RecordUpload("", 1024)

	mrr := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, mrr.Code)
	body := mrr.Body.String()
	assert.True(t, strings.Contains(body, `pdftables_http_requests_total{code="202",method="POST",route="/upload"}`))
	assert.True(t, strings.Contains(body, `pdftables_worker_jobs_total{outcome="no_tables",worker="test"}`))
}
