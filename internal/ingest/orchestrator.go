package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/chunker"
	"github.com/xxxsen/docqa/internal/embedding"
	"github.com/xxxsen/docqa/internal/extract"
	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/store"
)

const cleanupTimeout = 30 * time.Second

type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (*extract.Document, error)
}

type TextChunker interface {
	Chunk(text string) []string
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Deps struct {
	Files     store.FileCatalog
	Fragments store.FragmentStore
	Blobs     BlobOpener
	Extractor TextExtractor
	Chunker   TextChunker
	Embedder  Embedder
}

type Config struct {
	Dimension        int
	PersistBatchSize int
	MaxFileSize      int64
}

// Outcome is the result of a successful ingestion.
type Outcome struct {
	FragmentCount int
	Empty         bool
}

// Orchestrator runs one source file through extract, chunk, embed and
// persist. Fragments of a file become visible all at once or not at all.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Files == nil || deps.Fragments == nil || deps.Blobs == nil ||
		deps.Extractor == nil || deps.Chunker == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("ingest: all dependencies are required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("ingest: dimension must be positive")
	}
	if cfg.PersistBatchSize <= 0 {
		cfg.PersistBatchSize = 100
	}
	return &Orchestrator{deps: deps, cfg: cfg}, nil
}

// Ingest processes file and reports each state it enters through observe,
// which may be nil. Running it again for the same file replaces the previous
// fragments once the new ones publish. On error only the rows of this run
// are removed: a previously published generation stays visible and the file
// is marked failed with its count unchanged.
func (o *Orchestrator) Ingest(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*Outcome, error) {
	if observe == nil {
		observe = func(model.JobState) {}
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("file_id", file.ID),
		zap.String("project_id", file.ProjectID),
		zap.String("content_type", file.ContentType),
	)
	start := time.Now()
	out, err := o.run(ctx, file, observe)
	if err != nil {
		o.cleanup(ctx, file, err)
		logger.Error("ingestion failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		return nil, err
	}
	logger.Info("ingestion finished",
		zap.Int("fragments", out.FragmentCount),
		zap.Bool("empty", out.Empty),
		zap.Duration("cost", time.Since(start)))
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*Outcome, error) {
	observe(model.JobStateExtracting)
	published, err := o.publishedCount(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if err := o.deps.Files.UpdateStatus(ctx, file.ID, model.FileStatusProcessing, published, ""); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	data, err := o.readBlob(ctx, file)
	if err != nil {
		return nil, err
	}
	doc, err := o.deps.Extractor.Extract(ctx, data, file.ContentType)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return o.finishEmpty(ctx, file)
	}

	observe(model.JobStateChunking)
	chunks := o.deps.Chunker.Chunk(doc.Text)
	if len(chunks) == 0 {
		return o.finishEmpty(ctx, file)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	observe(model.JobStateEmbedding)
	vectors, err := o.deps.Embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if err := o.checkVectors(vectors, len(chunks)); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	observe(model.JobStatePersisting)
	fragments := make([]model.Fragment, len(chunks))
	for i, text := range chunks {
		fragments[i] = model.Fragment{
			FileID:     file.ID,
			Ordinal:    i,
			Content:    text,
			TokenCount: chunker.EstimateTokens(text),
			Vector:     vectors[i],
		}
	}
	if err := o.persist(ctx, file.ID, fragments); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	if err := o.deps.Files.UpdateStatus(ctx, file.ID, model.FileStatusReady, len(fragments), ""); err != nil {
		return nil, fmt.Errorf("mark ready: %w", err)
	}
	return &Outcome{FragmentCount: len(fragments)}, nil
}

func (o *Orchestrator) readBlob(ctx context.Context, file *model.SourceFile) ([]byte, error) {
	rc, err := o.deps.Blobs.Open(ctx, file.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer rc.Close()
	var r io.Reader = rc
	if o.cfg.MaxFileSize > 0 {
		r = io.LimitReader(rc, o.cfg.MaxFileSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if o.cfg.MaxFileSize > 0 && int64(len(data)) > o.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: limit %d bytes", appErr.ErrFileTooLarge, o.cfg.MaxFileSize)
	}
	return data, nil
}

func (o *Orchestrator) finishEmpty(ctx context.Context, file *model.SourceFile) (*Outcome, error) {
	if err := o.deps.Fragments.DeleteByFile(ctx, file.ID); err != nil {
		return nil, fmt.Errorf("clear fragments: %w", err)
	}
	if err := o.deps.Files.UpdateStatus(ctx, file.ID, model.FileStatusEmpty, 0, ""); err != nil {
		return nil, fmt.Errorf("mark empty: %w", err)
	}
	return &Outcome{Empty: true}, nil
}

func (o *Orchestrator) checkVectors(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return &embedding.DimensionError{Index: -1, Want: want, Got: len(vectors)}
	}
	for i, v := range vectors {
		if len(v) != o.cfg.Dimension {
			return &embedding.DimensionError{Index: i, Want: o.cfg.Dimension, Got: len(v)}
		}
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, fileID string, fragments []model.Fragment) error {
	// rows left pending by an earlier crashed attempt
	if err := o.deps.Fragments.DeletePending(ctx, fileID); err != nil {
		return err
	}
	for start := 0; start < len(fragments); start += o.cfg.PersistBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + o.cfg.PersistBatchSize
		if end > len(fragments) {
			end = len(fragments)
		}
		if err := o.deps.Fragments.PutPending(ctx, fileID, fragments[start:end]); err != nil {
			return err
		}
	}
	return o.deps.Fragments.Publish(ctx, fileID, len(fragments))
}

// publishedCount is the fragment count the catalog holds for the visible
// generation of fileID.
func (o *Orchestrator) publishedCount(ctx context.Context, fileID string) (int, error) {
	cur, err := o.deps.Files.GetByID(ctx, fileID)
	if err != nil {
		return 0, err
	}
	return cur.FragmentCount, nil
}

// cleanup runs on a context detached from the caller's so a cancelled job
// still removes what it wrote.
func (o *Orchestrator) cleanup(ctx context.Context, file *model.SourceFile, cause error) {
	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	logger := logutil.GetLogger(cleanCtx).With(zap.String("file_id", file.ID))
	if err := o.deps.Fragments.DeletePending(cleanCtx, file.ID); err != nil {
		logger.Error("remove pending fragments of failed file", zap.Error(err))
	}
	published, err := o.publishedCount(cleanCtx, file.ID)
	if err != nil {
		if !appErr.IsNotFound(err) {
			logger.Error("load failed file", zap.Error(err))
		}
		return
	}
	if err := o.deps.Files.UpdateStatus(cleanCtx, file.ID, model.FileStatusFailed, published, cause.Error()); err != nil && !appErr.IsNotFound(err) {
		logger.Error("mark file failed", zap.Error(err))
	}
}
