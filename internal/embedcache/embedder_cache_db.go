package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/ai"
	"github.com/xxxsen/docqa/internal/model"
)

// CacheRepo persists embeddings keyed by model, task type and content hash.
type CacheRepo interface {
	GetMany(ctx context.Context, modelName, taskType string, contentHashes []string) (map[string][]float32, error)
	SaveMany(ctx context.Context, items []model.EmbeddingCache) error
}

// WrapDBCacheToEmbedder persists vectors of length dim. The dimension is part
// of the stored model name, so rows written under another dimension are
// never read back.
func WrapDBCacheToEmbedder(e ai.IEmbedder, dim int, cacheRepo CacheRepo) ai.IEmbedder {
	if e == nil || cacheRepo == nil {
		return e
	}
	return &dbEmbedder{next: e, dim: dim, repo: cacheRepo}
}

type dbEmbedder struct {
	next ai.IEmbedder
	dim  int
	repo CacheRepo
}

func (d *dbEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	logger := logutil.GetLogger(ctx)
	hashes := make([]string, len(texts))
	var modelName string
	for i, text := range texts {
		_, hashes[i], modelName = buildCacheKey(d.next.ModelName(), d.dim, taskType, text)
	}
	cached, err := d.repo.GetMany(ctx, modelName, taskType, hashes)
	if err != nil {
		logger.Warn("read embedding cache failed", zap.Error(err))
		cached = nil
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	for i := range texts {
		if values, ok := cached[hashes[i]]; ok && validDim(values, d.dim) {
			out[i] = values
			continue
		}
		missIdx = append(missIdx, i)
	}
	if hits := len(texts) - len(missIdx); hits > 0 {
		logger.Debug("embedding cache hit (db)", zap.String("task_type", taskType), zap.Int("hits", hits))
	}
	if len(missIdx) == 0 {
		return out, nil
	}
	res, err := d.next.Embed(ctx, pick(texts, missIdx), taskType)
	if err != nil {
		return nil, err
	}
	if len(res) != len(missIdx) {
		return res, nil
	}
	now := time.Now().Unix()
	items := make([]model.EmbeddingCache, 0, len(missIdx))
	for j, i := range missIdx {
		out[i] = res[j]
		if !validDim(res[j], d.dim) {
			continue
		}
		items = append(items, model.EmbeddingCache{
			ModelName:   modelName,
			TaskType:    taskType,
			ContentHash: hashes[i],
			Embedding:   res[j],
			Ctime:       now,
		})
	}
	if len(items) == 0 {
		return out, nil
	}
	if err := d.repo.SaveMany(ctx, items); err != nil {
		logger.Warn("failed to cache embeddings", zap.Error(err))
	}
	return out, nil
}

func (d *dbEmbedder) ModelName() string {
	return d.next.ModelName()
}

// buildCacheKey returns the lru key, the content hash and the model name
// qualified by dimension.
func buildCacheKey(modelName string, dim int, taskType, text string) (string, string, string) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	if dim > 0 {
		modelName += "@" + strconv.Itoa(dim)
	}
	hash := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(hash[:])
	return "embed:" + modelName + ":" + taskType + ":" + contentHash, contentHash, modelName
}
