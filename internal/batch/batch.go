package batch

import (
	"context"
	"sync"

	"github.com/xxxsen/docqa/internal/ingest"
	"github.com/xxxsen/docqa/internal/model"
)

type job struct {
	file          *model.SourceFile
	state         model.JobState
	attempts      int
	fragmentCount int
	empty         bool
	lastErr       string
	started       int64
	finished      int64
	cancel        context.CancelFunc
	exited        chan struct{}
}

func (j *job) snapshot() model.IngestionJob {
	return model.IngestionJob{
		FileID:        j.file.ID,
		FileName:      j.file.Name,
		State:         j.state,
		Attempts:      j.attempts,
		FragmentCount: j.fragmentCount,
		Empty:         j.empty,
		LastError:     j.lastErr,
		Started:       j.started,
		Finished:      j.finished,
	}
}

// Batch groups the jobs created by one upload. Each job runs on its own and
// a failed job never affects its siblings.
type Batch struct {
	id        string
	projectID string
	userID    string
	ctime     int64

	mu         sync.Mutex
	jobs       []*job
	running    int
	done       chan struct{}
	finishedAt int64
}

func (b *Batch) ID() string {
	return b.id
}

func (b *Batch) ProjectID() string {
	return b.projectID
}

func (b *Batch) Status() model.BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := model.BatchStatus{
		ID:        b.id,
		ProjectID: b.projectID,
		UserID:    b.userID,
		Total:     len(b.jobs),
		Jobs:      make([]model.IngestionJob, 0, len(b.jobs)),
		Ctime:     b.ctime,
	}
	for _, j := range b.jobs {
		switch {
		case j.state == model.JobStateQueued:
			st.Queued++
		case j.state == model.JobStateSucceeded:
			st.Succeeded++
		case j.state == model.JobStateFailed:
			st.Failed++
		default:
			st.InProgress++
		}
		st.Jobs = append(st.Jobs, j.snapshot())
	}
	st.Done = b.running == 0
	return st
}

// Done is closed once every job is terminal. A resubmitted job opens a new
// channel, so callers should fetch it again after Resubmit.
func (b *Batch) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops every job of the batch that has not finished yet.
func (b *Batch) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
}

// CancelFile stops the job of fileID. It reports whether such a job was
// still running.
func (b *Batch) CancelFile(fileID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.file.ID == fileID && j.cancel != nil {
			j.cancel()
			return true
		}
	}
	return false
}

func (b *Batch) findJob(fileID string) *job {
	for _, j := range b.jobs {
		if j.file.ID == fileID {
			return j
		}
	}
	return nil
}

func (b *Batch) setState(j *job, state model.JobState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.state = state
}

func (b *Batch) beginAttempt(j *job, now int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j.attempts++
	j.state = model.JobStateExtracting
	if j.started == 0 {
		j.started = now
	}
}

func (b *Batch) finish(j *job, out *ingest.Outcome, err error, now int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j.finished = now
	j.cancel = nil
	if err != nil {
		j.state = model.JobStateFailed
		j.lastErr = err.Error()
	} else {
		j.state = model.JobStateSucceeded
		j.lastErr = ""
		j.fragmentCount = out.FragmentCount
		j.empty = out.Empty
	}
	b.running--
	if b.running == 0 {
		b.finishedAt = now
		close(b.done)
	}
}

func (b *Batch) expired(cutoff int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running == 0 && b.finishedAt < cutoff
}
