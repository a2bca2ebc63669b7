// Package main wires together the scrape service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jmathers/gramscrape/internal/api"
	"github.com/jmathers/gramscrape/internal/clock/system"
	"github.com/jmathers/gramscrape/internal/config"
	"github.com/jmathers/gramscrape/internal/engine"
	"github.com/jmathers/gramscrape/internal/export"
	collyfetcher "github.com/jmathers/gramscrape/internal/fetcher/colly"
	headlessfetcher "github.com/jmathers/gramscrape/internal/fetcher/headless"
	"github.com/jmathers/gramscrape/internal/id/uuid"
	"github.com/jmathers/gramscrape/internal/logging"
	"github.com/jmathers/gramscrape/internal/metrics"
	memorypublisher "github.com/jmathers/gramscrape/internal/publisher/memory"
	pubsubpublisher "github.com/jmathers/gramscrape/internal/publisher/pubsub"
	"github.com/jmathers/gramscrape/internal/ratelimit"
	"github.com/jmathers/gramscrape/internal/scrape"
	memorystore "github.com/jmathers/gramscrape/internal/store/memory"
	postgresstore "github.com/jmathers/gramscrape/internal/store/postgres"
	"github.com/jmathers/gramscrape/internal/storage/fs"
	"github.com/jmathers/gramscrape/internal/storage/gcs"
	"github.com/jmathers/gramscrape/internal/usage"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Present in development checkouts only; env vars win regardless.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	files, err := fs.New(fs.Config{BaseDir: cfg.Storage.DataDir})
	if err != nil {
		return fmt.Errorf("init data dir: %w", err)
	}
	tracker, err := usage.New(cfg.Storage.UsagePath)
	if err != nil {
		return fmt.Errorf("init usage tracker: %w", err)
	}

	jobStore, closeStore, err := buildJobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fetcher, mediaFetcher, closeFetcher := buildFetcher(cfg, logger)
	defer closeFetcher()

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	blob, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{MinInterval: cfg.ScrapeDelay()})
	eng := engine.New(engine.Deps{
		Store:     jobStore,
		ResultLog: files,
		Fetcher:   fetcher,
		Media:     mediaFetcher,
		MediaDir:  files,
		Exporter:  export.NewWriter(files),
		Blob:      blob,
		Publisher: publisher,
		Limiter:   limiter,
		Clock:     system.New(),
		IDs:       uuid.NewGenerator(),
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Scrape.MaxRetries,
			BackoffBase: limiter.Interval(),
		},
		Logger: logger.Named("engine"),
	}, engine.Config{
		Workers:         cfg.Scrape.Workers,
		QueueSize:       cfg.Scrape.QueueDepth,
		MaxTargets:      cfg.Scrape.MaxTargetsPerJob,
		MaxComments:     cfg.Scrape.MaxCommentsPerPost,
		MaxRecentPosts:  cfg.Scrape.MaxPostsPerProfile,
		CompletionTopic: cfg.PubSub.TopicName,
	})

	apiServer := api.NewServer(eng, tracker, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	engineDone := make(chan struct{})
	go func() {
		logger.Info("engine started", zap.Int("workers", cfg.Scrape.Workers))
		eng.Run(ctx)
		close(engineDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-engineDone
	return nil
}

func buildJobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (scrape.JobStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory job store")
		return memorystore.NewJobStore(), func() {}, nil
	}
	store, err := postgresstore.NewJobStore(ctx, postgresstore.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect job store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate job store: %w", err)
	}
	logger.Info("using postgres job store")
	return store, store.Close, nil
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (scrape.Fetcher, scrape.MediaFetcher, func()) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Scrape.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	if !cfg.Headless.Enabled {
		return probe, probe, func() {}
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Scrape.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		// Headless was requested explicitly: fetches fail until it
		// works instead of silently downgrading to plain HTTP.
		logger.Error("headless fetcher init failed", zap.Error(err))
		return headlessfetcher.NewNoop(), probe, func() {}
	}
	logger.Info("headless fetcher enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	return headless, probe, headless.Close
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (scrape.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("using in-memory publisher")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	logger.Info("using pubsub publisher",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return pub, func() {
		pub.Close()
		_ = client.Close()
	}, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (scrape.BlobStore, error) {
	if cfg.Storage.GCSBucket == "" {
		return nil, nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		return nil, err
	}
	logger.Info("mirroring artifacts to gcs", zap.String("bucket", cfg.Storage.GCSBucket))
	return store, nil
}
