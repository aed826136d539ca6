package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type BatchPruner interface {
	Prune(olderThan time.Duration) int
}

// BatchPruneJob forgets batches whose jobs all finished more than retention
// ago, so progress polling state does not grow forever.
type BatchPruneJob struct {
	pruner    BatchPruner
	retention time.Duration
}

func NewBatchPruneJob(pruner BatchPruner, retention time.Duration) *BatchPruneJob {
	return &BatchPruneJob{pruner: pruner, retention: retention}
}

func (j *BatchPruneJob) Name() string {
	return "batch_prune"
}

func (j *BatchPruneJob) Run(ctx context.Context) error {
	if j.pruner == nil {
		return nil
	}
	retention := j.retention
	if retention <= 0 {
		retention = time.Hour
	}
	if removed := j.pruner.Prune(retention); removed > 0 {
		logutil.GetLogger(ctx).Debug("finished batches pruned", zap.Int("removed", removed))
	}
	return nil
}
