package job

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/store"
)

// PendingFragmentSweepJob reclaims what a crashed process left behind:
// pending fragments that were never published and files stuck in
// processing.
type PendingFragmentSweepJob struct {
	sweeper store.Sweeper
	maxAge  time.Duration
	now     func() time.Time
}

func NewPendingFragmentSweepJob(sweeper store.Sweeper, maxAge time.Duration) *PendingFragmentSweepJob {
	return &PendingFragmentSweepJob{sweeper: sweeper, maxAge: maxAge, now: time.Now}
}

func (j *PendingFragmentSweepJob) Name() string {
	return "pending_fragment_sweep"
}

func (j *PendingFragmentSweepJob) Run(ctx context.Context) error {
	if j.sweeper == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	cutoff := j.now().Add(-maxAge).Unix()
	fragments, err := j.sweeper.DeletePendingBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete pending fragments: %w", err)
	}
	files, err := j.sweeper.FailStaleProcessing(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("fail stale files: %w", err)
	}
	if fragments > 0 || files > 0 {
		logutil.GetLogger(ctx).Warn("abandoned ingestion state reclaimed",
			zap.Int64("pending_fragments", fragments),
			zap.Int64("stale_files", files))
	}
	return nil
}
