// Package obs sets up logging, tracing and metrics for the pdftables binaries.
package obs

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultService = "pdftables"

type Shutdown func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a JSON logger for binary as the slog default and registers its build info.
// Tracing is exported over OTLP gRPC only when OTEL_EXPORTER_OTLP_ENDPOINT is set.
func Init(binary string) (Shutdown, *slog.Logger) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = defaultService
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	})).With("service", binary)
	slog.SetDefault(logger)
	SetAppInfo(binary)

	shutdown, err := initTracing(binary)
	if err != nil {
		logger.Error("init tracing failed", "err", err)
		return noopShutdown, logger
	}
	return shutdown, logger
}

func logLevel(raw string) slog.Level {
	var lvl slog.Level
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "warning") {
		raw = "warn"
	}
	if raw == "" || lvl.UnmarshalText([]byte(raw)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

func initTracing(binary string) (Shutdown, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return noopShutdown, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	// Collectors normally sit next to the pod; TLS is opt-in.
	plaintext := true
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		plaintext, _ = strconv.ParseBool(v)
	}
	if plaintext {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(defaultService),
			attribute.String("pdftables.binary", binary),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// sampleRatio reads TRACE_SAMPLE_RATIO; anything outside (0, 1] samples everything.
func sampleRatio() float64 {
	r, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO")), 64)
	if err != nil || r <= 0 || r > 1 {
		return 1
	}
	return r
}

// WrapHTTP adds request metrics and server spans named after operation.
func WrapHTTP(operation string, next http.Handler) http.Handler {
	return MetricsMiddleware(otelhttp.NewHandler(next, operation))
}

// Logger returns l, or the process default when l is nil.
func Logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// StartJobSpan starts a span tagged with the job id.
func StartJobSpan(ctx context.Context, tracerName, spanName, jobID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attribute.String("job.id", jobID)))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
