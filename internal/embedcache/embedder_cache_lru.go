package embedcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/ai"
)

// WrapLruCacheToEmbedder caches vectors of length dim in memory. Vectors of
// any other length are passed through uncached. dim <= 0 skips the check.
func WrapLruCacheToEmbedder(e ai.IEmbedder, dim, size int, ttl time.Duration) ai.IEmbedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &lruEmbedder{
		next:  e,
		dim:   dim,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

type lruEmbedder struct {
	next  ai.IEmbedder
	dim   int
	cache *expirable.LRU[string, []float32]
}

func (l *lruEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	modelName := l.next.ModelName()
	keys := make([]string, len(texts))
	out := make([][]float32, len(texts))
	var missIdx []int
	for i, text := range texts {
		keys[i], _, _ = buildCacheKey(modelName, l.dim, taskType, text)
		if cached, ok := l.cache.Get(keys[i]); ok && validDim(cached, l.dim) {
			out[i] = cloneEmbedding(cached)
			continue
		}
		missIdx = append(missIdx, i)
	}
	if hits := len(texts) - len(missIdx); hits > 0 {
		logutil.GetLogger(ctx).Debug("embedding cache hit (lru)", zap.String("task_type", taskType), zap.Int("hits", hits))
	}
	if len(missIdx) == 0 {
		return out, nil
	}
	res, err := l.next.Embed(ctx, pick(texts, missIdx), taskType)
	if err != nil {
		return nil, err
	}
	if len(res) != len(missIdx) {
		// let the caller's validation report the shape problem
		return res, nil
	}
	for j, i := range missIdx {
		out[i] = res[j]
		if validDim(res[j], l.dim) {
			l.cache.Add(keys[i], cloneEmbedding(res[j]))
		}
	}
	return out, nil
}

func (l *lruEmbedder) ModelName() string {
	return l.next.ModelName()
}

func validDim(values []float32, dim int) bool {
	if dim <= 0 {
		return len(values) > 0
	}
	return len(values) == dim
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}

func pick(texts []string, idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, texts[i])
	}
	return out
}
