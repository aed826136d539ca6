package repo

import "context"

// Sweeper reclaims abandoned ingestion state across the file and fragment
// tables.
type Sweeper struct {
	files     *SourceFileRepo
	fragments *FragmentRepo
}

func NewSweeper(files *SourceFileRepo, fragments *FragmentRepo) *Sweeper {
	return &Sweeper{files: files, fragments: fragments}
}

func (s *Sweeper) DeletePendingBefore(ctx context.Context, cutoff int64) (int64, error) {
	return s.fragments.DeletePendingBefore(ctx, cutoff)
}

func (s *Sweeper) FailStaleProcessing(ctx context.Context, cutoff int64) (int64, error) {
	return s.files.FailStaleProcessing(ctx, cutoff)
}
