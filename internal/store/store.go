package store

import (
	"context"

	"github.com/xxxsen/docqa/internal/model"
)

// FileCatalog records the source files of each project and their ingestion
// status.
type FileCatalog interface {
	Create(ctx context.Context, file *model.SourceFile) error
	Get(ctx context.Context, projectID, fileID string) (*model.SourceFile, error)
	GetByID(ctx context.Context, fileID string) (*model.SourceFile, error)
	ListByProject(ctx context.Context, projectID string) ([]model.SourceFile, error)
	UpdateStatus(ctx context.Context, fileID string, status model.FileStatus, fragmentCount int, lastErr string) error
	Delete(ctx context.Context, projectID, fileID string) error
}

// FragmentStore holds embedded fragments. Fragments are written as pending
// and only become visible to readers once Publish succeeds, which replaces
// the previous visible generation of the file in one step.
type FragmentStore interface {
	PutPending(ctx context.Context, fileID string, fragments []model.Fragment) error
	Publish(ctx context.Context, fileID string, count int) error
	DeletePending(ctx context.Context, fileID string) error
	DeleteByFile(ctx context.Context, fileID string) error
	GetByFile(ctx context.Context, fileID string) ([]model.Fragment, error)
	GetByProject(ctx context.Context, projectID string) ([]model.ProjectFragment, error)
}

// Sweeper is implemented by stores that can reclaim state abandoned by a
// crashed process.
type Sweeper interface {
	DeletePendingBefore(ctx context.Context, cutoff int64) (int64, error)
	FailStaleProcessing(ctx context.Context, cutoff int64) (int64, error)
}
