package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeNoTables  = "no_tables"
	OutcomeSkipped   = "skipped"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdftables",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftables",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdftables",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftables",
			Subsystem: "api",
			Name:      "uploads_total",
			Help:      "Upload attempts by result.",
		},
		[]string{"result"},
	)
	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pdftables",
			Subsystem: "api",
			Name:      "upload_bytes",
			Help:      "Size of accepted uploads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		},
	)

	workerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftables",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total extraction jobs processed, by outcome.",
		},
		[]string{"worker", "outcome"},
	)
	workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdftables",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Extraction job duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"worker"},
	)
	tablesExtracted = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pdftables",
			Subsystem: "worker",
			Name:      "tables_per_job",
			Help:      "Number of tables the extractor returned per job.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	rowsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pdftables",
			Subsystem: "worker",
			Name:      "rows_total",
			Help:      "Data rows written to result CSVs.",
		},
	)

	jobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pdftables",
			Subsystem: "store",
			Name:      "jobs_reaped_total",
			Help:      "Job directories removed by the retention reaper.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		uploadsTotal, uploadBytes,
		workerJobsTotal, workerJobDuration, tablesExtracted, rowsExtracted,
		jobsReaped,
	)
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return promhttp.Handler() }

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "pdftables"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RecordUpload counts an upload attempt; size is observed only for accepted ones.
func RecordUpload(result string, size int64) {
	if result == "" {
		result = "accepted"
	}
	uploadsTotal.WithLabelValues(result).Inc()
	if result == "accepted" && size >= 0 {
		uploadBytes.Observe(float64(size))
	}
}

func RecordWorkerJob(worker, outcome string, start time.Time) {
	if outcome == "" {
		outcome = OutcomeFailed
	}
	workerJobsTotal.WithLabelValues(worker, outcome).Inc()
	workerJobDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

// RecordExtraction observes how many tables a job produced and the rows written.
func RecordExtraction(tables, rows int) {
	if tables >= 0 {
		tablesExtracted.Observe(float64(tables))
	}
	if rows > 0 {
		rowsExtracted.Add(float64(rows))
	}
}

func RecordReaped(n int) {
	if n > 0 {
		jobsReaped.Add(float64(n))
	}
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for job id routes.
	// /status/{job_id}
	// /jobs/{job_id}
	for _, prefix := range []string{"/status/", "/jobs/"} {
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			if rest == "" {
				return p
			}
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) == 1 {
				return prefix + ":jobId"
			}
			return prefix + ":jobId/" + parts[1]
		}
	}
	return p
}
