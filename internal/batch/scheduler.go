package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xxxsen/docqa/internal/ingest"
	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/store"
)

var errCancelled = errors.New("ingestion cancelled")

type Ingester interface {
	Ingest(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error)
}

type Config struct {
	// Concurrency caps running jobs across all batches.
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Scheduler runs ingestion jobs in the background with a global concurrency
// ceiling and keeps their progress for polling.
type Scheduler struct {
	ingester Ingester
	files    store.FileCatalog
	cfg      Config
	sem      *semaphore.Weighted
	now      func() time.Time

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	batches map[string]*Batch
	active  map[string]*Batch
}

// NewScheduler returns a running scheduler. files, when not nil, is used to
// mark files failed when their job is cancelled before it starts.
func NewScheduler(ingester Ingester, files store.FileCatalog, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ingester: ingester,
		files:    files,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
		rootCtx:  ctx,
		stop:     cancel,
		batches:  make(map[string]*Batch),
		active:   make(map[string]*Batch),
	}
}

// Submit queues one job per file and returns without waiting. Only values
// of ctx are kept; its cancellation does not stop the jobs.
func (s *Scheduler) Submit(ctx context.Context, projectID, userID string, files []*model.SourceFile) (*Batch, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to ingest: %w", appErr.ErrInvalid)
	}
	b := &Batch{
		id:        uuid.NewString(),
		projectID: projectID,
		userID:    userID,
		ctime:     s.now().Unix(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("scheduler stopped")
	}
	seen := make(map[string]struct{}, len(files))
	for _, file := range files {
		if _, dup := seen[file.ID]; dup {
			return nil, fmt.Errorf("file %s listed twice in one batch: %w", file.ID, appErr.ErrConflict)
		}
		seen[file.ID] = struct{}{}
		if _, busy := s.active[file.ID]; busy {
			return nil, fmt.Errorf("file %s is already being ingested: %w", file.ID, appErr.ErrConflict)
		}
	}
	for _, file := range files {
		j := &job{file: file, state: model.JobStateQueued}
		b.jobs = append(b.jobs, j)
		b.running++
		s.startLocked(ctx, b, j)
	}
	s.batches[b.id] = b
	logutil.GetLogger(ctx).Info("ingestion batch submitted",
		zap.String("batch_id", b.id),
		zap.String("project_id", projectID),
		zap.Int("files", len(files)))
	return b, nil
}

func (s *Scheduler) Get(batchID string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return b, nil
}

func (s *Scheduler) Cancel(batchID string) error {
	b, err := s.Get(batchID)
	if err != nil {
		return err
	}
	b.Cancel()
	return nil
}

// CancelFile stops the running job of fileID, if any, and waits until it has
// cleaned up or ctx is done.
func (s *Scheduler) CancelFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	b, ok := s.active[fileID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	j := b.findJob(fileID)
	var exited chan struct{}
	if j != nil {
		exited = j.exited
		if j.cancel != nil {
			j.cancel()
		}
	}
	b.mu.Unlock()
	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resubmit runs a failed job of a batch again.
func (s *Scheduler) Resubmit(ctx context.Context, batchID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}
	b, ok := s.batches[batchID]
	if !ok {
		return appErr.ErrNotFound
	}
	if _, busy := s.active[fileID]; busy {
		return fmt.Errorf("file %s is already being ingested: %w", fileID, appErr.ErrConflict)
	}
	b.mu.Lock()
	j := b.findJob(fileID)
	if j == nil {
		b.mu.Unlock()
		return appErr.ErrNotFound
	}
	if j.state != model.JobStateFailed {
		b.mu.Unlock()
		return fmt.Errorf("job in state %s cannot be retried: %w", j.state, appErr.ErrConflict)
	}
	j.state = model.JobStateQueued
	j.lastErr = ""
	j.finished = 0
	if b.running == 0 {
		b.done = make(chan struct{})
	}
	b.running++
	b.mu.Unlock()
	s.startLocked(ctx, b, j)
	return nil
}

// Prune forgets batches that finished more than olderThan ago.
func (s *Scheduler) Prune(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, b := range s.batches {
		if b.expired(cutoff) {
			delete(s.batches, id)
			removed++
		}
	}
	return removed
}

// Stop cancels every job and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) startLocked(parent context.Context, b *Batch, j *job) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	unlink := context.AfterFunc(s.rootCtx, cancel)
	b.mu.Lock()
	j.cancel = cancel
	j.exited = make(chan struct{})
	exited := j.exited
	b.mu.Unlock()
	s.active[j.file.ID] = b
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exited)
		defer unlink()
		defer cancel()
		out, err := s.run(ctx, b, j)
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", errCancelled, err)
		}
		s.mu.Lock()
		if s.active[j.file.ID] == b {
			delete(s.active, j.file.ID)
		}
		b.finish(j, out, err, s.now().Unix())
		s.mu.Unlock()
	}()
}

func (s *Scheduler) run(ctx context.Context, b *Batch, j *job) (*ingest.Outcome, error) {
	logger := logutil.GetLogger(ctx).With(
		zap.String("batch_id", b.id),
		zap.String("file_id", j.file.ID),
	)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.markCancelled(ctx, j.file)
		return nil, err
	}
	defer s.sem.Release(1)
	for attempt := 1; ; attempt++ {
		b.beginAttempt(j, s.now().Unix())
		out, err := s.ingester.Ingest(ctx, j.file, func(state model.JobState) { b.setState(j, state) })
		if err == nil {
			return out, nil
		}
		if attempt >= s.cfg.MaxAttempts || !retryable(ctx, err) {
			return nil, err
		}
		delay := s.backoff(attempt)
		logger.Warn("ingestion attempt failed, retry later",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		b.setState(j, model.JobStateQueued)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) markCancelled(ctx context.Context, file *model.SourceFile) {
	if s.files == nil {
		return
	}
	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	cur, err := s.files.GetByID(cleanCtx, file.ID)
	if err == nil {
		err = s.files.UpdateStatus(cleanCtx, file.ID, model.FileStatusFailed, cur.FragmentCount, errCancelled.Error())
	}
	if err != nil && !appErr.IsNotFound(err) {
		logutil.GetLogger(ctx).Error("mark cancelled file failed", zap.Error(err))
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return delay
}

// retryable reports whether another attempt could succeed. Bad input and
// inconsistent data fail the same way every time.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !appErr.IsInputError(err) && !appErr.IsConsistencyError(err)
}
