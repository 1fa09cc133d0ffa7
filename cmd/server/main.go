// Command server starts the CV match engine HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/cache"
	httpserver "github.com/fairyhunter13/cv-match-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/objectstore"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/cv-match-engine/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/cv-match-engine/internal/app"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/service/matcher"
	"github.com/fairyhunter13/cv-match-engine/internal/usecase"
)

// Exit codes: 0 ok, 2 config error, 3 dependency unavailable, 4 fatal.
const (
	exitConfig = 2
	exitDep    = 3
	exitFatal  = 4
)

// redisAdapter narrows *redis.Client to the readiness probe interface.
type redisAdapter struct{ rdb *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	defer pool.Close()

	docRepo := postgres.NewDocumentRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	postingRepo := postgres.NewPostingRepo(pool)
	appRepo := postgres.NewApplicationRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("retention cleanup started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, jobRepo, cfg.QueueDepthMax, cfg.IdemWindow)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	producer.SetMemoryHighWater(cfg.MemHighPct)
	defer func() { _ = producer.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	scoreCache := cache.NewTwoTier(cache.NewLocal(cfg.LocalCacheSize), rdb)

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	vectors := qdrantcli.NewStore(qcli, postgres.NewAdvisoryLocker(pool))
	if err := app.EnsureCollections(ctx, qcli); err != nil {
		// readiness keeps reporting the outage until qdrant comes back
		slog.Error("qdrant bootstrap failed", slog.Any("error", err))
	}

	table, err := matcher.LoadCategoryTable(cfg.CategoryTablePath)
	if err != nil {
		slog.Error("category table load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}
	weights := domain.Weights{
		Version:          cfg.WeightsVersion,
		Skills:           cfg.WeightSkills,
		Responsibilities: cfg.WeightResps,
		Title:            cfg.WeightTitle,
		Experience:       cfg.WeightExperience,
	}
	matchSvc := matcher.New(vectors, scoreCache, weights, cfg.MatchCacheTTL, table)

	blobs, err := objectstore.NewFS(cfg.BlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	checks := app.BuildReadinessChecks(cfg, pool, redisAdapter{rdb}, producer)
	srv := &httpserver.Server{
		Cfg:      cfg,
		Ingest:   usecase.NewIngestService(docRepo, blobs, producer, cfg.MaxUploadBytes()),
		Match:    usecase.NewMatchService(matchSvc, producer, cfg.MatchTimeout),
		Jobs:     usecase.NewJobService(jobRepo),
		Docs:     usecase.NewDocumentService(docRepo, blobs, vectors, appRepo),
		Postings: usecase.NewPostingService(postingRepo, appRepo, vectors),

		DBCheck:     checks.DB,
		RedisCheck:  checks.Redis,
		QdrantCheck: checks.Qdrant,
		TikaCheck:   checks.Tika,
		KafkaCheck:  checks.Kafka,
	}

	if sweeper := app.NewStuckJobSweeper(jobRepo, producer, cfg.StuckJobAge, 0, cfg.RetryMaxAttempts); sweeper != nil {
		go sweeper.Run(ctx)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(exitFatal)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
