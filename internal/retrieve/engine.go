package retrieve

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/model"
	"github.com/xxxsen/docqa/internal/store"
)

const DefaultThreshold = 0.5

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type FragmentReader interface {
	GetByProject(ctx context.Context, projectID string) ([]model.ProjectFragment, error)
}

type Config struct {
	Dimension int
	// Threshold is the default minimum similarity. nil means DefaultThreshold.
	Threshold *float64
}

type options struct {
	maxChunks int
	threshold float64
}

type Option func(*options)

// WithMaxChunks keeps at most n chunks after ranking. n <= 0 means no limit.
func WithMaxChunks(n int) Option {
	return func(o *options) {
		o.maxChunks = n
	}
}

func WithThreshold(t float64) Option {
	return func(o *options) {
		o.threshold = t
	}
}

// Engine ranks the visible fragments of a project against a query.
type Engine struct {
	embedder  QueryEmbedder
	files     store.FileCatalog
	fragments FragmentReader
	dimension int
	threshold float64
}

func NewEngine(embedder QueryEmbedder, files store.FileCatalog, fragments FragmentReader, cfg Config) *Engine {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	return &Engine{
		embedder:  embedder,
		files:     files,
		fragments: fragments,
		dimension: cfg.Dimension,
		threshold: threshold,
	}
}

// Retrieve never fails: any error is logged and yields an empty result,
// since context is an optional enrichment for the caller.
func (e *Engine) Retrieve(ctx context.Context, projectID, query string, opts ...Option) *model.RetrievalResult {
	o := &options{threshold: e.threshold}
	for _, opt := range opts {
		opt(o)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("project_id", projectID))
	start := time.Now()
	res, err := e.retrieve(ctx, projectID, query, o)
	if err != nil {
		logger.Error("retrieve project context failed, continue without context", zap.Error(err))
		return emptyResult()
	}
	logger.Debug("retrieve project context",
		zap.Int("files", res.Summary.TotalFiles),
		zap.Int("chunks", len(res.Chunks)),
		zap.Float64("threshold", o.threshold),
		zap.Duration("cost", time.Since(start)))
	return res
}

func (e *Engine) retrieve(ctx context.Context, projectID, query string, o *options) (*model.RetrievalResult, error) {
	files, err := e.files.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if len(files) == 0 {
		return emptyResult(), nil
	}
	summary := summarize(files)
	fragments, err := e.fragments.GetByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}
	if len(fragments) == 0 {
		return &model.RetrievalResult{Chunks: []model.RetrievedChunk{}, Summary: summary}, nil
	}
	q, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if e.dimension > 0 && len(q) != e.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, want %d", len(q), e.dimension)
	}
	fragments = e.dropInconsistent(ctx, files, fragments)

	chunks := make([]model.RetrievedChunk, 0)
	for _, f := range fragments {
		sim := Cosine(q, f.Vector)
		if sim < o.threshold {
			continue
		}
		chunks = append(chunks, model.RetrievedChunk{
			FileID:     f.FileID,
			FileName:   f.FileName,
			Ordinal:    f.Ordinal,
			Content:    f.Content,
			Similarity: sim,
		})
	}
	sortChunks(chunks)
	if o.maxChunks > 0 && len(chunks) > o.maxChunks {
		chunks = chunks[:o.maxChunks]
	}
	return &model.RetrievalResult{Chunks: chunks, Summary: summary}, nil
}

// dropInconsistent removes every fragment of a file whose vectors have the
// wrong length, whose ordinals are not exactly 0..n-1, or, for a ready file,
// whose visible count differs from the recorded one. Such files are flagged
// corrupt until they are ingested again.
func (e *Engine) dropInconsistent(ctx context.Context, files []model.SourceFile, fragments []model.ProjectFragment) []model.ProjectFragment {
	listed := make(map[string]model.SourceFile, len(files))
	for _, file := range files {
		listed[file.ID] = file
	}
	byFile := make(map[string][]int)
	for i, f := range fragments {
		byFile[f.FileID] = append(byFile[f.FileID], i)
	}
	bad := make(map[string]string)
	for fileID, idx := range byFile {
		want := -1
		if file, ok := listed[fileID]; ok && file.Status == model.FileStatusReady {
			want = file.FragmentCount
		}
		if reason := e.checkFile(fragments, idx, want); reason != "" {
			bad[fileID] = reason
		}
	}
	if len(bad) == 0 {
		return fragments
	}
	logger := logutil.GetLogger(ctx)
	for fileID, reason := range bad {
		logger.Error("inconsistent fragments, excluding file from retrieval",
			zap.String("file_id", fileID), zap.String("reason", reason))
		e.flagCorrupt(ctx, listed[fileID], reason)
	}
	kept := make([]model.ProjectFragment, 0, len(fragments))
	for _, f := range fragments {
		if _, ok := bad[f.FileID]; !ok {
			kept = append(kept, f)
		}
	}
	return kept
}

// flagCorrupt marks the file corrupt unless it changed since it was listed,
// in which case a concurrent ingestion explains the mismatch.
func (e *Engine) flagCorrupt(ctx context.Context, listed model.SourceFile, reason string) {
	logger := logutil.GetLogger(ctx).With(zap.String("file_id", listed.ID))
	cur, err := e.files.GetByID(ctx, listed.ID)
	if err != nil {
		logger.Warn("reload file before flagging corrupt failed", zap.Error(err))
		return
	}
	if cur.Status != listed.Status || cur.FragmentCount != listed.FragmentCount || cur.Mtime != listed.Mtime {
		return
	}
	if err := e.files.UpdateStatus(ctx, cur.ID, model.FileStatusCorrupt, cur.FragmentCount, reason); err != nil {
		logger.Warn("flag file corrupt failed", zap.Error(err))
	}
}

// checkFile validates the fragments at idx. want is the expected count, or
// -1 when the catalog count is not authoritative.
func (e *Engine) checkFile(fragments []model.ProjectFragment, idx []int, want int) string {
	ordinals := make([]int, 0, len(idx))
	for _, i := range idx {
		f := fragments[i]
		if e.dimension > 0 && len(f.Vector) != e.dimension {
			return fmt.Sprintf("fragment %d has %d dimensions, want %d", f.Ordinal, len(f.Vector), e.dimension)
		}
		ordinals = append(ordinals, f.Ordinal)
	}
	sort.Ints(ordinals)
	for expect, got := range ordinals {
		if got != expect {
			return fmt.Sprintf("ordinal gap: expected %d, found %d", expect, got)
		}
	}
	if want >= 0 && len(ordinals) != want {
		return fmt.Sprintf("%d fragments visible, want %d", len(ordinals), want)
	}
	return ""
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. It is 0 when
// either vector has zero magnitude or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

func sortChunks(chunks []model.RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.FileName != b.FileName {
			return a.FileName < b.FileName
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.FileID < b.FileID
	})
}

func summarize(files []model.SourceFile) model.ProjectSummary {
	seen := make(map[string]struct{})
	types := make([]string, 0)
	for _, file := range files {
		if _, ok := seen[file.ContentType]; ok || file.ContentType == "" {
			continue
		}
		seen[file.ContentType] = struct{}{}
		types = append(types, file.ContentType)
	}
	sort.Strings(types)
	return model.ProjectSummary{TotalFiles: len(files), ContentTypes: types}
}

func emptyResult() *model.RetrievalResult {
	return &model.RetrievalResult{
		Chunks:  []model.RetrievedChunk{},
		Summary: model.ProjectSummary{ContentTypes: []string{}},
	}
}
