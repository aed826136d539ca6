package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/ai"
	"github.com/xxxsen/docqa/internal/batch"
	"github.com/xxxsen/docqa/internal/chunker"
	"github.com/xxxsen/docqa/internal/config"
	"github.com/xxxsen/docqa/internal/db"
	"github.com/xxxsen/docqa/internal/embedcache"
	"github.com/xxxsen/docqa/internal/embedding"
	"github.com/xxxsen/docqa/internal/extract"
	"github.com/xxxsen/docqa/internal/filestore"
	"github.com/xxxsen/docqa/internal/ingest"
	"github.com/xxxsen/docqa/internal/repo"
	"github.com/xxxsen/docqa/internal/retrieve"
	"github.com/xxxsen/docqa/internal/service"
)

// app holds the clients shared by every command.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	files     *repo.SourceFileRepo
	fragments *repo.FragmentRepo
	cache     *repo.EmbeddingCacheRepo
	blobs     filestore.Store
	embedder  *embedding.Client
	gate      access.Gate
	scheduler *batch.Scheduler
	engine    *retrieve.Engine
	fileSvc   *service.FileService
	askSvc    *service.AskService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logutil.GetLogger(ctx)
	sqlDB, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a := &app{
		cfg:       cfg,
		db:        sqlDB,
		files:     repo.NewSourceFileRepo(sqlDB),
		fragments: repo.NewFragmentRepo(sqlDB, cfg.Pipeline.EmbeddingDimension),
		cache:     repo.NewEmbeddingCacheRepo(sqlDB),
		gate:      access.FromConfig(cfg.Access),
	}
	if err := a.init(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Info("pipeline ready",
		zap.String("embed_model", a.embedder.ModelName()),
		zap.Int("dimension", a.embedder.Dimension()),
		zap.String("file_store", a.blobs.Type()),
		zap.Int("max_concurrent_jobs", cfg.Pipeline.MaxConcurrentJobs))
	return a, nil
}

func (a *app) init() error {
	cfg := a.cfg
	blobs, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}
	a.blobs = blobs

	base, err := ai.NewEmbedderFromConfig(cfg.AI)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	if cfg.AI.EmbedDBCache {
		base = embedcache.WrapDBCacheToEmbedder(base, cfg.Pipeline.EmbeddingDimension, a.cache)
	}
	if cfg.AI.EmbedCacheNum > 0 && cfg.AI.EmbedCacheTTL > 0 {
		base = embedcache.WrapLruCacheToEmbedder(base, cfg.Pipeline.EmbeddingDimension, cfg.AI.EmbedCacheNum, time.Duration(cfg.AI.EmbedCacheTTL)*time.Second)
	}
	var opts []embedding.Option
	if rpm := cfg.Pipeline.RequestsPerMinute; rpm > 0 {
		opts = append(opts, embedding.WithLimiter(rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)))
	}
	a.embedder, err = embedding.NewClient(base, embedding.ConfigFromPipeline(cfg.Pipeline), opts...)
	if err != nil {
		return fmt.Errorf("init embedding client: %w", err)
	}

	ch, err := chunker.New(chunker.Config{TargetSize: cfg.Pipeline.ChunkSize, Overlap: cfg.Pipeline.ChunkOverlap})
	if err != nil {
		return fmt.Errorf("init chunker: %w", err)
	}
	orch, err := ingest.NewOrchestrator(ingest.Deps{
		Files:     a.files,
		Fragments: a.fragments,
		Blobs:     blobs,
		Extractor: extract.Default(),
		Chunker:   ch,
		Embedder:  a.embedder,
	}, ingest.Config{
		Dimension:        cfg.Pipeline.EmbeddingDimension,
		PersistBatchSize: cfg.Pipeline.PersistBatchSize,
		MaxFileSize:      cfg.Pipeline.MaxFileSize,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.scheduler = batch.NewScheduler(orch, a.files, batch.Config{
		Concurrency:    cfg.Pipeline.MaxConcurrentJobs,
		MaxAttempts:    cfg.Pipeline.JobMaxAttempts,
		RetryBaseDelay: time.Duration(cfg.Pipeline.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Pipeline.RetryMaxDelayMs) * time.Millisecond,
	})
	a.engine = retrieve.NewEngine(a.embedder, a.files, a.fragments, retrieve.Config{
		Dimension: cfg.Pipeline.EmbeddingDimension,
		Threshold: cfg.Pipeline.SimilarityThreshold,
	})

	generator, err := ai.NewGeneratorFromConfig(cfg.AI)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	a.fileSvc = service.NewFileService(a.files, a.fragments, blobs, a.scheduler)
	a.askSvc = service.NewAskService(a.engine, generator, time.Duration(cfg.AI.Timeout)*time.Second)
	return nil
}

// Close stops in-flight ingestion, letting jobs clean up, then closes the
// database.
func (a *app) Close() {
	a.scheduler.Stop()
	if err := a.db.Close(); err != nil {
		logutil.GetLogger(context.Background()).Error("close db failed", zap.Error(err))
	}
}
