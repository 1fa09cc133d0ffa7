// Command worker consumes the job topic and runs the ingest, bulk match
// and email application pipelines with an auto-scaling worker pool.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/ai/openai"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/cache"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/objectstore"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/queue/shared"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/repo/postgres"
	tikaext "github.com/fairyhunter13/cv-match-engine/internal/adapter/textextractor/tika"
	qdrantcli "github.com/fairyhunter13/cv-match-engine/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/cv-match-engine/internal/app"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/service/embedder"
	"github.com/fairyhunter13/cv-match-engine/internal/service/extractor"
	"github.com/fairyhunter13/cv-match-engine/internal/service/matcher"

	"github.com/redis/go-redis/v9"
)

const (
	exitConfig = 2
	exitDep    = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// dedicated metrics endpoint so prometheus can scrape queue gauges
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	docRepo := postgres.NewDocumentRepo(pool)
	postingRepo := postgres.NewPostingRepo(pool)
	appRepo := postgres.NewApplicationRepo(pool)

	blobs, err := objectstore.NewFS(cfg.BlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	vectors := qdrantcli.NewStore(qcli, postgres.NewAdvisoryLocker(pool))
	if err := app.EnsureCollections(ctx, qcli); err != nil {
		slog.Error("qdrant bootstrap failed", slog.Any("error", err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	sharedCache := cache.NewTwoTier(cache.NewLocal(cfg.LocalCacheSize), rdb)

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

	processor, err := shared.NewProcessor(shared.ProcessorDeps{
		Jobs:         jobRepo,
		Docs:         docRepo,
		Postings:     postingRepo,
		Applications: appRepo,
		Blobs:        blobs,
		Parser:       tikaext.New(cfg.TikaURL),
		Extractor:    extractor.New(openai.NewLLM(cfg), sharedCache, cfg.PromptVersion, cfg.LLMMaxTokens, cfg.ExtractCacheTTL),
		Embedder:     embedder.New(openai.NewEmbedder(cfg), sharedCache, cfg.EmbedCacheTTL),
		Matcher:      matcher.New(vectors, sharedCache, weights, cfg.MatchCacheTTL, table),
		Vectors:      vectors,
		Timeouts: shared.StageTimeouts{
			Parse:   cfg.ParseTimeout,
			Extract: cfg.ExtractTimeout,
			Embed:   cfg.EmbedTimeout,
			Store:   cfg.StoreTimeout,
			Match:   cfg.MatchTimeout,
		},
		ChunkSize: cfg.BulkMatchChunkSize,
	})
	if err != nil {
		slog.Error("processor init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	// distinct transactional id; sharing the server producer's id would get
	// one of the two fenced off by the brokers
	producer, err := redpanda.NewProducerWithTransactionalID(
		cfg.KafkaBrokers, "cv-match-engine-worker-producer", jobRepo, cfg.QueueDepthMax, cfg.IdemWindow)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	producer.SetMemoryHighWater(cfg.MemHighPct)
	defer func() { _ = producer.Close() }()

	retryCfg := domain.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		FullJitter:   cfg.RetryJitter,
	}
	workerCfg := redpanda.WorkerConfig{
		MinWorkers:      cfg.WorkerMin,
		MaxWorkers:      cfg.WorkerMax,
		QueueDepthHigh:  cfg.QueueDepthHigh,
		QueueDepthLow:   cfg.QueueDepthLow,
		MemHighPct:      cfg.MemHighPct,
		CPUHighPct:      cfg.CPUHighPct,
		ScalingInterval: cfg.WorkerScalingInterval,
		IdleTimeout:     cfg.WorkerIdleTimeout,
		AgingInterval:   cfg.PriorityAgingInterval,
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "cv-match-engine-workers", jobRepo, processor, producer, retryCfg, workerCfg)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	defer consumer.Close()

	slog.Info("worker starting", slog.String("env", cfg.AppEnv))
	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(exitDep)
	}
	slog.Info("worker stopped")
}
