package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

type pendingSet struct {
	fragments map[int]model.Fragment
	mtime     int64
}

// Memory implements FileCatalog, FragmentStore and Sweeper in process memory.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	now       func() time.Time
	files     map[string]*model.SourceFile
	visible   map[string][]model.Fragment
	pending   map[string]*pendingSet
}

// NewMemory returns an empty store. A positive dimension makes PutPending
// reject vectors of any other length.
func NewMemory(dimension int) *Memory {
	return &Memory{
		dimension: dimension,
		now:       time.Now,
		files:     make(map[string]*model.SourceFile),
		visible:   make(map[string][]model.Fragment),
		pending:   make(map[string]*pendingSet),
	}
}

func (m *Memory) Create(ctx context.Context, file *model.SourceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; ok {
		return appErr.ErrConflict
	}
	item := *file
	m.files[file.ID] = &item
	return nil
}

func (m *Memory) Get(ctx context.Context, projectID, fileID string) (*model.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file, ok := m.files[fileID]
	if !ok || file.ProjectID != projectID {
		return nil, appErr.ErrNotFound
	}
	item := *file
	return &item, nil
}

func (m *Memory) GetByID(ctx context.Context, fileID string) (*model.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file, ok := m.files[fileID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	item := *file
	return &item, nil
}

func (m *Memory) ListByProject(ctx context.Context, projectID string) ([]model.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]model.SourceFile, 0)
	for _, file := range m.files {
		if file.ProjectID == projectID {
			items = append(items, *file)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Ctime != items[j].Ctime {
			return items[i].Ctime > items[j].Ctime
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, fileID string, status model.FileStatus, fragmentCount int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[fileID]
	if !ok {
		return appErr.ErrNotFound
	}
	file.Status = status
	file.FragmentCount = fragmentCount
	file.LastError = lastErr
	file.Mtime = m.now().Unix()
	return nil
}

func (m *Memory) Delete(ctx context.Context, projectID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[fileID]
	if !ok || file.ProjectID != projectID {
		return appErr.ErrNotFound
	}
	delete(m.files, fileID)
	delete(m.visible, fileID)
	delete(m.pending, fileID)
	return nil
}

func (m *Memory) PutPending(ctx context.Context, fileID string, fragments []model.Fragment) error {
	for _, f := range fragments {
		if m.dimension > 0 && len(f.Vector) != m.dimension {
			return fmt.Errorf("fragment %d of %s: %w: want %d, got %d",
				f.Ordinal, fileID, appErr.ErrEmbeddingDimensionMismatch, m.dimension, len(f.Vector))
		}
		if f.Ordinal < 0 {
			return fmt.Errorf("fragment ordinal %d: %w", f.Ordinal, appErr.ErrInvalid)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.pending[fileID]
	if !ok {
		set = &pendingSet{fragments: make(map[int]model.Fragment)}
		m.pending[fileID] = set
	}
	for _, f := range fragments {
		f.FileID = fileID
		f.Vector = append([]float32(nil), f.Vector...)
		set.fragments[f.Ordinal] = f
	}
	set.mtime = m.now().Unix()
	return nil
}

func (m *Memory) Publish(ctx context.Context, fileID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.pending[fileID]
	got := 0
	if set != nil {
		got = len(set.fragments)
	}
	if got != count {
		return fmt.Errorf("publish %s: %w: want %d pending fragments, got %d",
			fileID, appErr.ErrInconsistentFragments, count, got)
	}
	next := make([]model.Fragment, 0, count)
	for i := 0; i < count; i++ {
		f, ok := set.fragments[i]
		if !ok {
			return fmt.Errorf("publish %s: %w: missing ordinal %d", fileID, appErr.ErrInconsistentFragments, i)
		}
		next = append(next, f)
	}
	delete(m.pending, fileID)
	if count == 0 {
		delete(m.visible, fileID)
		return nil
	}
	m.visible[fileID] = next
	return nil
}

func (m *Memory) DeletePending(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, fileID)
	return nil
}

func (m *Memory) DeleteByFile(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, fileID)
	delete(m.visible, fileID)
	return nil
}

func (m *Memory) GetByFile(ctx context.Context, fileID string) ([]model.Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneFragments(m.visible[fileID]), nil
}

func (m *Memory) GetByProject(ctx context.Context, projectID string) ([]model.ProjectFragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := make([]*model.SourceFile, 0)
	for _, file := range m.files {
		if file.ProjectID != projectID || file.Status == model.FileStatusCorrupt {
			continue
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	items := make([]model.ProjectFragment, 0)
	for _, file := range files {
		for _, f := range cloneFragments(m.visible[file.ID]) {
			items = append(items, model.ProjectFragment{
				Fragment:    f,
				FileName:    file.Name,
				ContentType: file.ContentType,
			})
		}
	}
	return items, nil
}

func (m *Memory) DeletePendingBefore(ctx context.Context, cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for fileID, set := range m.pending {
		if set.mtime < cutoff {
			removed += int64(len(set.fragments))
			delete(m.pending, fileID)
		}
	}
	return removed, nil
}

func (m *Memory) FailStaleProcessing(ctx context.Context, cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	now := m.now().Unix()
	for _, file := range m.files {
		if file.Status == model.FileStatusProcessing && file.Mtime < cutoff {
			file.Status = model.FileStatusFailed
			file.LastError = "ingestion abandoned"
			file.Mtime = now
			updated++
		}
	}
	return updated, nil
}

func cloneFragments(in []model.Fragment) []model.Fragment {
	out := make([]model.Fragment, len(in))
	for i, f := range in {
		f.Vector = append([]float32(nil), f.Vector...)
		out[i] = f
	}
	return out
}
