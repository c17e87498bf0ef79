package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/redis/go-redis/v9"

	"github.com/vidstash/backend/internal/api"
	"github.com/vidstash/backend/internal/auth"
	"github.com/vidstash/backend/internal/cache"
	"github.com/vidstash/backend/internal/cleanup"
	"github.com/vidstash/backend/internal/config"
	"github.com/vidstash/backend/internal/db"
	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
	"github.com/vidstash/backend/internal/health"
	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
	"github.com/vidstash/backend/internal/middleware"
	"github.com/vidstash/backend/internal/processor"
	"github.com/vidstash/backend/internal/storage"
	"github.com/vidstash/backend/internal/websocket"
	"github.com/vidstash/backend/internal/workspace"
	"github.com/vidstash/backend/internal/ytdlp"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger.SetDefault(logger.New(&logger.Config{
		Output:   os.Stdout,
		Level:    logger.ParseLevel(cfg.LogLevel),
		Redactor: logger.DefaultRedactor(),
	}))
	log := logger.Default().WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()

	database, err := db.Open(cfg.DBDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	jobRepo := db.NewJobRepository(database)
	trafficRepo := db.NewTrafficRepository(database, cfg.DefaultQuotaBytes)
	userRepo := db.NewUserRepository(database)

	// Redis is optional: without it the queue, job events and probe cache
	// stay in-process.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = download.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
	}

	hub := websocket.NewHub(m)
	go hub.Run(ctx)

	var (
		queue    download.Queue
		notifier download.Notifier = hub
		kv       ytdlp.KV
	)
	if rdb != nil {
		queue = download.NewRedisQueue(rdb, cfg.QueueCapacity)
		notifier = download.NewRedisNotifier(rdb)
		kv = cache.New(rdb)

		sub := download.SubscribeAll(ctx, rdb)
		defer sub.Close()
		go sub.Relay(ctx, hub)
	} else {
		queue = download.NewMemoryQueue(cfg.QueueCapacity)
		kv = cache.NewMemory()
	}

	workspaces, err := workspace.New(cfg.DownloadDir, cfg.IsolateJobs)
	if err != nil {
		return fmt.Errorf("failed to prepare download directory: %w", err)
	}

	executor, err := ytdlp.New(&ytdlp.Config{
		YtdlpPath:    cfg.YtdlpPath,
		Timeout:      cfg.JobTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise yt-dlp: %w", err)
	}

	var archive *storage.Archive
	if cfg.ArchiveEnabled {
		archive, err = storage.NewArchive(&storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to create archive client: %w", err)
		}
		if err := archive.Client().EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare archive bucket: %w", err)
		}
	}

	procCfg := &processor.ProcessorConfig{
		Store:        jobRepo,
		Ledger:       trafficRepo,
		Executor:     executor,
		Prober:       ytdlp.NewCachedProber(executor, kv, cfg.ProbeCacheTTL, m),
		Workspaces:   workspaces,
		Notifier:     notifier,
		Metrics:      m,
		ProbeTimeout: cfg.ProbeTimeout,
		LedgerRetry:  apperrors.LedgerRetryConfig(),
	}
	svcCfg := &download.ServiceConfig{
		Store:       jobRepo,
		Ledger:      trafficRepo,
		Queue:       queue,
		Notifier:    notifier,
		Workspaces:  workspaces,
		Metrics:     m,
		WorkerCount: cfg.WorkerCount,
		// the executor's own timeout fires first and gives the better message
		JobTimeout: cfg.JobTimeout + cfg.ProbeTimeout + time.Minute,
	}
	if archive != nil {
		procCfg.Archiver = archive
		svcCfg.Archive = archive
	}
	proc := processor.New(procCfg)
	svcCfg.Processor = proc.Process

	downloadService := download.NewService(svcCfg)
	if err := downloadService.Recover(ctx); err != nil {
		log.Error(ctx, "failed to recover jobs from previous run", err)
	}
	downloadService.Start()

	reaper := cleanup.New(cleanup.Config{
		Interval:  cfg.CleanupInterval,
		Retention: cfg.CleanupRetention,
	}, jobRepo, workspaces, m)
	if err := services.StartAndAwaitRunning(ctx, reaper); err != nil {
		return fmt.Errorf("failed to start retention reaper: %w", err)
	}

	checkerCfg := &health.CheckerConfig{
		DB:           database.DB,
		StorageCheck: health.DirWritable(workspaces.Root()),
		Version:      version,
	}
	if rdb != nil {
		checkerCfg.Redis = rdb
	}
	if archive != nil {
		checkerCfg.ArchiveCheck = archive.Client().Ping
	}

	authService := auth.NewService(userRepo, auth.Config{
		JWTSecret:      cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		AdminEmails:    cfg.AdminEmails,
	})

	router := api.NewRouter(api.RouterConfig{
		AuthService:      authService,
		AuthHandlers:     auth.NewHandlers(authService),
		DownloadHandlers: api.NewDownloadHandlers(downloadService),
		TrafficHandlers:  api.NewTrafficHandlers(trafficRepo),
		CleanupHandlers:  api.NewCleanupHandlers(reaper),
		WSHandler:        websocket.NewHandler(hub, authService, cfg.CORSAllowedOrigins),
		HealthHandler:    health.NewHandler(health.NewChecker(checkerCfg)),
		Metrics:          m,
	})

	handler := middleware.Chain(router,
		apperrors.RequestIDMiddleware,
		logger.RecoveryMiddleware,
		logger.LoggingMiddleware,
		metrics.MetricsMiddleware(m),
		middleware.CORS(cfg.CORSAllowedOrigins),
		middleware.Timing,
		middleware.Gzip,
		middleware.ETag,
	)

	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":     cfg.ServerAddr,
			"db":       database.Dialect(),
			"redis":    rdb != nil,
			"archive":  archive != nil,
			"workers":  cfg.WorkerCount,
			"isolated": cfg.IsolateJobs,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http server shutdown failed", err)
	}
	if err := services.StopAndAwaitTerminated(shutdownCtx, reaper); err != nil {
		log.Error(shutdownCtx, "reaper shutdown failed", err)
	}
	if err := downloadService.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "download workers did not stop cleanly", err)
	}
	return nil
}
