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
	"pdftables/extract"
	"pdftables/obs"
	"pdftables/ossstore"
	"pdftables/redislock"
	"pdftables/store"
	"pdftables/streamq"
	"pdftables/tabula"
)

const workerName = "extract-worker"

func main() {
	shutdownObs, logger := obs.Init(workerName)
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config failed", err)
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		fatal(logger, "worker needs redis", errors.New("REDIS_ADDR is empty"))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	meta, err := store.NewRedisJobStore(rdb, "", cfg.JobMetaTTL())
	if err != nil {
		fatal(logger, "init redis job store failed", err)
	}

	ossSt, err := ossstore.Open(ossstore.Options{
		Bucket:          cfg.OSS.Bucket,
		Region:          cfg.OSS.Region,
		Endpoint:        cfg.OSS.Endpoint,
		PublicEndpoint:  cfg.OSS.PublicEndpoint,
		ResultPrefix:    cfg.OSS.ResultPrefix,
		UploadPrefix:    cfg.OSS.UploadPrefix,
		LinkExpiry:      cfg.OSSLinkExpiry(),
		RoleARN:         cfg.OSS.RoleARN,
		OIDCProviderARN: cfg.OSS.OIDCProviderARN,
		OIDCTokenFile:   cfg.OSS.OIDCTokenFile,
		STSEndpoint:     cfg.OSS.STSEndpoint,
	})
	if err != nil {
		fatal(logger, "init oss mirror failed", err)
	}
	if ossSt.Enabled() {
		logger.Info("oss mirror enabled", "bucket", ossSt.Bucket())
	}

	q := streamq.NewRedisStreamQueue(rdb, cfg.Stream.Key, cfg.Stream.Group, int64(cfg.Stream.MaxLen))
	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		fatal(logger, "ensure stream group failed", err)
	}

	extractor := tabula.New(tabula.Config{
		JavaBin: cfg.Tabula.JavaBin,
		Jar:     cfg.Tabula.Jar,
		Pages:   cfg.Tabula.Pages,
		Method:  cfg.Tabula.Method,
		Guess:   cfg.Tabula.Guess,
	}, tabula.ExecRunner{}, logger)

	exec := extract.NewExecutor(extractor, meta, logger)
	exec.SetOSS(ossSt)
	exec.SetLock(redislock.New(rdb, cfg.Lock.Prefix, cfg.LockTTL(), cfg.LockRefresh()))
	exec.SetWorkerName(workerName)

	consumerName := strings.TrimSpace(cfg.Stream.Consumer)
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, cfg.Stream.Key, cfg.Stream.Group, consumerName, logger)
	cons.SetConcurrency(cfg.Stream.Concurrency)
	cons.SetClaimMinIdle(cfg.ClaimMinIdle())
	logger.Info("extract-worker start", "stream", cfg.Stream.Key, "group", cfg.Stream.Group, "consumer", cons.Name())

	go serveMetrics(cfg.MetricsAddr, logger)

	// The executor never fails a message back to the queue; outcomes land in the job dir.
	err = cons.ConsumeLoop(ctx, exec.Handler())
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "consume loop exited", err)
	}
	logger.Info("extract-worker stopped")
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("extract-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "addr", addr, "err", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit, even with extractions still running
		<-ch
		os.Exit(1)
	}()
	return ctx, cancel
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
