package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docqa/internal/ingest"
	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/store"
)

type funcIngester func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error)

func (f funcIngester) Ingest(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
	return f(ctx, file, observe)
}

func okIngester() funcIngester {
	return func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		observe(model.JobStateExtracting)
		observe(model.JobStatePersisting)
		return &ingest.Outcome{FragmentCount: 3}, nil
	}
}

func blockingIngester() funcIngester {
	return func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		observe(model.JobStateEmbedding)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func files(ids ...string) []*model.SourceFile {
	out := make([]*model.SourceFile, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.SourceFile{ID: id, ProjectID: "proj", Name: id + ".txt"})
	}
	return out
}

func waitDone(t *testing.T, b *Batch) model.BatchStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	return b.Status()
}

func TestSubmitRunsAllJobs(t *testing.T) {
	s := NewScheduler(okIngester(), nil, Config{Concurrency: 2})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", files("a", "b", "c"))
	require.NoError(t, err)
	st := waitDone(t, b)
	require.True(t, st.Done)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 3, st.Succeeded)
	require.Zero(t, st.Failed)
	require.Zero(t, st.InProgress)
	for i, j := range st.Jobs {
		require.Equal(t, []string{"a", "b", "c"}[i], j.FileID)
		require.Equal(t, model.JobStateSucceeded, j.State)
		require.Equal(t, 3, j.FragmentCount)
		require.Equal(t, 1, j.Attempts)
	}

	got, err := s.Get(b.ID())
	require.NoError(t, err)
	require.Same(t, b, got)
}

func TestSubmitRejectsEmpty(t *testing.T) {
	s := NewScheduler(okIngester(), nil, Config{})
	defer s.Stop()
	_, err := s.Submit(context.Background(), "proj", "user", nil)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestConcurrencyCeilingAcrossBatches(t *testing.T) {
	var running, peak int32
	gate := make(chan struct{})
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&running, -1)
		return &ingest.Outcome{FragmentCount: 1}, nil
	})
	s := NewScheduler(ing, nil, Config{Concurrency: 2})
	defer s.Stop()

	b1, err := s.Submit(context.Background(), "proj", "user", files("a", "b", "c"))
	require.NoError(t, err)
	b2, err := s.Submit(context.Background(), "proj", "user", files("d", "e", "f"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&running))
	st1, st2 := b1.Status(), b2.Status()
	require.Equal(t, 4, st1.Queued+st2.Queued)

	close(gate)
	require.Equal(t, 3, waitDone(t, b1).Succeeded)
	require.Equal(t, 3, waitDone(t, b2).Succeeded)
	require.EqualValues(t, 2, atomic.LoadInt32(&peak))
}

func TestFailedJobDoesNotAffectSiblings(t *testing.T) {
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		if file.ID == "bad" {
			return nil, appErr.ErrCorruptContent
		}
		return &ingest.Outcome{FragmentCount: 2}, nil
	})
	s := NewScheduler(ing, nil, Config{Concurrency: 3, MaxAttempts: 3, RetryBaseDelay: time.Millisecond})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", files("a", "bad", "c"))
	require.NoError(t, err)
	st := waitDone(t, b)
	require.Equal(t, 2, st.Succeeded)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, model.JobStateFailed, st.Jobs[1].State)
	require.Contains(t, st.Jobs[1].LastError, "corrupt")
	require.Equal(t, 1, st.Jobs[1].Attempts, "input errors are not retried")
}

func TestAutomaticRetryOfTransientFailure(t *testing.T) {
	var calls int32
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, appErr.ErrEmbeddingService
		}
		return &ingest.Outcome{FragmentCount: 1}, nil
	})
	s := NewScheduler(ing, nil, Config{MaxAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", files("a"))
	require.NoError(t, err)
	st := waitDone(t, b)
	require.Equal(t, 1, st.Succeeded)
	require.Equal(t, 3, st.Jobs[0].Attempts)
}

func TestSingleAttemptByDefault(t *testing.T) {
	var calls int32
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return nil, appErr.ErrEmbeddingService
	})
	s := NewScheduler(ing, nil, Config{})
	defer s.Stop()
	b, err := s.Submit(context.Background(), "proj", "user", files("a"))
	require.NoError(t, err)
	require.Equal(t, 1, waitDone(t, b).Failed)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCancelBatch(t *testing.T) {
	s := NewScheduler(blockingIngester(), nil, Config{Concurrency: 1})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", files("a", "b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Status().InProgress == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(b.ID()))
	st := waitDone(t, b)
	require.Equal(t, 2, st.Failed)
	for _, j := range st.Jobs {
		require.Contains(t, j.LastError, "cancelled")
	}
	require.ErrorIs(t, s.Cancel("missing"), appErr.ErrNotFound)
}

func TestCancelQueuedFileMarksFailed(t *testing.T) {
	mem := store.NewMemory(0)
	fs := files("a", "b")
	for _, f := range fs {
		require.NoError(t, mem.Create(context.Background(), f))
	}
	s := NewScheduler(blockingIngester(), mem, Config{Concurrency: 1})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", fs)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Status().InProgress == 1 }, 5*time.Second, 5*time.Millisecond)

	queued := "b"
	if b.Status().Jobs[1].State != model.JobStateQueued {
		queued = "a"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.CancelFile(ctx, queued))

	file, err := mem.GetByID(context.Background(), queued)
	require.NoError(t, err)
	require.Equal(t, model.FileStatusFailed, file.Status)
	st := b.Status()
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 1, st.InProgress)

	require.NoError(t, s.CancelFile(ctx, "unknown"))
	b.Cancel()
	waitDone(t, b)
}

func TestResubmitFailedJob(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		mu.Lock()
		seen[file.ID]++
		n := seen[file.ID]
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("provider unavailable")
		}
		return &ingest.Outcome{FragmentCount: 4}, nil
	})
	s := NewScheduler(ing, nil, Config{})
	defer s.Stop()

	b, err := s.Submit(context.Background(), "proj", "user", files("a"))
	require.NoError(t, err)
	require.Equal(t, 1, waitDone(t, b).Failed)

	require.NoError(t, s.Resubmit(context.Background(), b.ID(), "a"))
	st := waitDone(t, b)
	require.Equal(t, 1, st.Succeeded)
	require.Zero(t, st.Failed)
	require.Equal(t, 2, st.Jobs[0].Attempts)
	require.Empty(t, st.Jobs[0].LastError)

	require.ErrorIs(t, s.Resubmit(context.Background(), b.ID(), "a"), appErr.ErrConflict)
	require.ErrorIs(t, s.Resubmit(context.Background(), b.ID(), "zzz"), appErr.ErrNotFound)
	require.ErrorIs(t, s.Resubmit(context.Background(), "missing", "a"), appErr.ErrNotFound)
}

func TestSubmitRejectsFileInFlight(t *testing.T) {
	s := NewScheduler(blockingIngester(), nil, Config{})
	defer s.Stop()
	b, err := s.Submit(context.Background(), "proj", "user", files("a"))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "proj", "user", files("a"))
	require.ErrorIs(t, err, appErr.ErrConflict)
	b.Cancel()
	waitDone(t, b)
}

func TestSubmitRejectsRepeatedFile(t *testing.T) {
	var running int32
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		atomic.AddInt32(&running, 1)
		return &ingest.Outcome{}, nil
	})
	s := NewScheduler(ing, nil, Config{Concurrency: 2})
	defer s.Stop()

	_, err := s.Submit(context.Background(), "proj", "user", files("same", "other", "same"))
	require.ErrorIs(t, err, appErr.ErrConflict)
	s.Stop()
	require.Zero(t, atomic.LoadInt32(&running), "no job starts when the batch is rejected")
}

func TestSubmitContextCancellationDoesNotStopJobs(t *testing.T) {
	gate := make(chan struct{})
	ing := funcIngester(func(ctx context.Context, file *model.SourceFile, observe func(model.JobState)) (*ingest.Outcome, error) {
		select {
		case <-gate:
			return &ingest.Outcome{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := NewScheduler(ing, nil, Config{})
	defer s.Stop()
	reqCtx, cancel := context.WithCancel(context.Background())
	b, err := s.Submit(reqCtx, "proj", "user", files("a"))
	require.NoError(t, err)
	cancel()
	close(gate)
	require.Equal(t, 1, waitDone(t, b).Succeeded)
}

func TestPrune(t *testing.T) {
	s := NewScheduler(okIngester(), nil, Config{})
	defer s.Stop()
	b, err := s.Submit(context.Background(), "proj", "user", files("a"))
	require.NoError(t, err)
	waitDone(t, b)

	require.Zero(t, s.Prune(time.Hour))
	s.mu.Lock()
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.mu.Unlock()
	require.Equal(t, 1, s.Prune(time.Hour))
	_, err = s.Get(b.ID())
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := NewScheduler(blockingIngester(), nil, Config{Concurrency: 1})
	b, err := s.Submit(context.Background(), "proj", "user", files("a", "b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Status().InProgress == 1 }, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	st := b.Status()
	require.True(t, st.Done)
	require.Equal(t, 2, st.Failed)
	_, err = s.Submit(context.Background(), "proj", "user", files("c"))
	require.Error(t, err)
}
