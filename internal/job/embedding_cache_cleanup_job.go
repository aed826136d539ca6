package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/pkg/timeutil"
)

type CacheCleaner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

// EmbeddingCacheCleanupJob drops cached embeddings older than maxAgeDays.
type EmbeddingCacheCleanupJob struct {
	repo       CacheCleaner
	maxAgeDays int
}

func NewEmbeddingCacheCleanupJob(repo CacheCleaner, maxAgeDays int) *EmbeddingCacheCleanupJob {
	return &EmbeddingCacheCleanupJob{repo: repo, maxAgeDays: maxAgeDays}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	maxAgeDays := j.maxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	removed, err := j.repo.DeleteBefore(ctx, timeutil.DaysAgoUnix(maxAgeDays))
	if err != nil {
		return err
	}
	if removed > 0 {
		logutil.GetLogger(ctx).Info("embedding cache cleaned", zap.Int64("removed", removed))
	}
	return nil
}
