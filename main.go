package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pdftables/config"
	"pdftables/dispatch"
	"pdftables/extract"
	"pdftables/jobstore"
	"pdftables/obs"
	"pdftables/ossstore"
	"pdftables/store"
	"pdftables/streamq"
	"pdftables/tabula"
)

func main() {
	shutdownObs, logger := obs.Init("pdftables-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config failed", err)
	}

	jobs, err := jobstore.New(cfg.UploadFolder)
	if err != nil {
		fatal(logger, "init upload folder failed", err)
	}
	ossSt := openOSS(cfg, logger)

	ctx, cancel := signalContext()
	defer cancel()

	var (
		meta       store.JobStore = store.NewInMemoryJobStore()
		dispatcher dispatch.Dispatcher
		pool       *dispatch.Pool
	)
	switch cfg.DispatchMode {
	case config.DispatchRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs, err := store.NewRedisJobStore(rdb, "", cfg.JobMetaTTL())
		if err != nil {
			fatal(logger, "init redis job store failed", err)
		}
		meta = rs

		q := streamq.NewRedisStreamQueue(rdb, cfg.Stream.Key, cfg.Stream.Group, int64(cfg.Stream.MaxLen))
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 5*time.Second)
		err = q.EnsureGroup(ensureCtx)
		ensureCancel()
		if err != nil {
			fatal(logger, "ensure stream group failed", err)
		}
		dispatcher = q
		logger.Info("dispatching to redis stream", "stream", cfg.Stream.Key, "group", cfg.Stream.Group)
	case config.DispatchLocal:
		exec := extract.NewExecutor(newTabula(cfg.Tabula, logger), meta, logger)
		exec.SetOSS(ossSt)
		exec.SetWorkerName("api-local")
		pool = dispatch.NewPool(cfg.WorkerCount, 0, exec.Handler(), logger)
		pool.Start()
		dispatcher = pool
		logger.Info("dispatching to local workers", "workers", cfg.WorkerCount)
	}

	svc := extract.NewService(jobs, meta, dispatcher, logger)
	svc.SetOSS(ossSt)
	svc.SetMaxUploadBytes(cfg.MaxUploadBytes())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", obs.MetricsHandler())
	svc.RegisterRoutes(mux)

	go jobstore.NewReaper(jobs, cfg.Retention(), cfg.ReapInterval(), logger).Run(ctx)

	// Wrap order: cors -> otel/metrics -> mux
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsMiddleware(cfg.CORSAllowOrigin, obs.WrapHTTP("pdftables-api", mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("pdftables api listening", "addr", cfg.Addr(), "upload_folder", jobs.Root(), "dispatch", cfg.DispatchMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "server error", err)
	}
	if pool != nil {
		// Let queued local jobs finish so none is left without an artifact.
		pool.Shutdown()
	}
	logger.Info("pdftables api stopped")
}

func newTabula(c config.TabulaConfig, logger *slog.Logger) *tabula.Extractor {
	return tabula.New(tabula.Config{
		JavaBin: c.JavaBin,
		Jar:     c.Jar,
		Pages:   c.Pages,
		Method:  c.Method,
		Guess:   c.Guess,
	}, tabula.ExecRunner{}, logger)
}

func openOSS(cfg config.Config, logger *slog.Logger) *ossstore.Mirror {
	m, err := ossstore.Open(ossOptions(cfg))
	if err != nil {
		fatal(logger, "init oss mirror failed", err)
	}
	if m.Enabled() {
		logger.Info("oss mirror enabled", "bucket", m.Bucket())
	}
	return m
}

func ossOptions(cfg config.Config) ossstore.Options {
	o := cfg.OSS
	return ossstore.Options{
		Bucket:          o.Bucket,
		Region:          o.Region,
		Endpoint:        o.Endpoint,
		PublicEndpoint:  o.PublicEndpoint,
		ResultPrefix:    o.ResultPrefix,
		UploadPrefix:    o.UploadPrefix,
		LinkExpiry:      cfg.OSSLinkExpiry(),
		RoleARN:         o.RoleARN,
		OIDCProviderARN: o.OIDCProviderARN,
		OIDCTokenFile:   o.OIDCTokenFile,
		STSEndpoint:     o.STSEndpoint,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func corsMiddleware(allowOrigin string, next http.Handler) http.Handler {
	if strings.TrimSpace(allowOrigin) == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		if allowOrigin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		<-ch
		os.Exit(1)
	}()
	return ctx, cancel
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
