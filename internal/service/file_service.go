package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/docqa/internal/batch"
	"github.com/xxxsen/docqa/internal/extract"
	"github.com/xxxsen/docqa/internal/filestore"
	"github.com/xxxsen/docqa/internal/model"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/pkg/timeutil"
	"github.com/xxxsen/docqa/internal/store"
)

const (
	uploadParallelism = 4
	cleanupTimeout    = 30 * time.Second
	defaultMimeType   = "application/octet-stream"
)

// UploadFile is one file of an upload request. Reader must stay readable
// until Upload returns.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.ReadSeeker
}

type UploadResult struct {
	Batch model.BatchStatus  `json:"batch"`
	Files []model.SourceFile `json:"files"`
}

type FileService struct {
	files     store.FileCatalog
	fragments store.FragmentStore
	blobs     filestore.Store
	scheduler *batch.Scheduler
}

func NewFileService(files store.FileCatalog, fragments store.FragmentStore, blobs filestore.Store, scheduler *batch.Scheduler) *FileService {
	return &FileService{files: files, fragments: fragments, blobs: blobs, scheduler: scheduler}
}

// Upload stores the blobs, records the files and queues one ingestion job
// per file. It returns as soon as the jobs are queued.
func (s *FileService) Upload(ctx context.Context, projectID, userID string, uploads []UploadFile) (*UploadResult, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(userID) == "" {
		return nil, appErr.ErrInvalid
	}
	if len(uploads) == 0 {
		return nil, fmt.Errorf("no files uploaded: %w", appErr.ErrInvalid)
	}
	now := timeutil.NowUnix()
	files := make([]*model.SourceFile, len(uploads))
	for i, up := range uploads {
		name := filepath.Base(strings.TrimSpace(up.Name))
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("file name is required: %w", appErr.ErrInvalid)
		}
		if up.Reader == nil {
			return nil, fmt.Errorf("file %s has no content: %w", name, appErr.ErrInvalid)
		}
		ct, err := resolveContentType(up)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		id := uuid.NewString()
		files[i] = &model.SourceFile{
			ID:          id,
			ProjectID:   projectID,
			UserID:      userID,
			Name:        name,
			ContentType: ct,
			StorageKey:  id + strings.ToLower(filepath.Ext(name)),
			Size:        up.Size,
			Status:      model.FileStatusPending,
			Ctime:       now,
			Mtime:       now,
		}
	}

	if err := s.putBlobs(ctx, files, uploads); err != nil {
		return nil, err
	}
	for i, file := range files {
		if err := s.files.Create(ctx, file); err != nil {
			s.rollback(ctx, files[:i], files)
			return nil, fmt.Errorf("create file %s: %w", file.Name, err)
		}
	}
	b, err := s.scheduler.Submit(ctx, projectID, userID, files)
	if err != nil {
		s.rollback(ctx, files, files)
		return nil, fmt.Errorf("submit ingestion: %w", err)
	}
	out := &UploadResult{Batch: b.Status(), Files: make([]model.SourceFile, 0, len(files))}
	for _, file := range files {
		out.Files = append(out.Files, *file)
	}
	return out, nil
}

func (s *FileService) putBlobs(ctx context.Context, files []*model.SourceFile, uploads []UploadFile) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallelism)
	for i := range files {
		file, up := files[i], uploads[i]
		g.Go(func() error {
			obj, err := filestore.Put(gctx, s.blobs, file.StorageKey, up.Reader, up.Size, file.ContentType)
			if err != nil {
				return err
			}
			file.URL = obj.URL
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.rollback(ctx, nil, files)
		return fmt.Errorf("store upload: %w", err)
	}
	return nil
}

// rollback removes the rows and blobs of an upload that could not be queued.
func (s *FileService) rollback(ctx context.Context, created, stored []*model.SourceFile) {
	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	logger := logutil.GetLogger(ctx)
	for _, file := range created {
		if err := s.files.Delete(cleanCtx, file.ProjectID, file.ID); err != nil && !appErr.IsNotFound(err) {
			logger.Error("rollback file row failed", zap.String("file_id", file.ID), zap.Error(err))
		}
	}
	for _, file := range stored {
		if err := s.blobs.Delete(cleanCtx, file.StorageKey); err != nil {
			logger.Warn("rollback blob failed", zap.String("key", file.StorageKey), zap.Error(err))
		}
	}
}

func (s *FileService) List(ctx context.Context, projectID string) ([]model.SourceFile, error) {
	return s.files.ListByProject(ctx, projectID)
}

func (s *FileService) Get(ctx context.Context, projectID, fileID string) (*model.SourceFile, error) {
	return s.files.Get(ctx, projectID, fileID)
}

func (s *FileService) Fragments(ctx context.Context, projectID, fileID string) ([]model.Fragment, error) {
	if _, err := s.files.Get(ctx, projectID, fileID); err != nil {
		return nil, err
	}
	return s.fragments.GetByFile(ctx, fileID)
}

// Open returns the file and a reader over its stored original.
func (s *FileService) Open(ctx context.Context, projectID, fileID string) (*model.SourceFile, io.ReadCloser, error) {
	file, err := s.files.Get(ctx, projectID, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Open(ctx, file.StorageKey)
	if err != nil {
		if errors.Is(err, filestore.ErrNotExist) {
			return nil, nil, fmt.Errorf("blob of %s: %w", fileID, appErr.ErrNotFound)
		}
		return nil, nil, err
	}
	return file, rc, nil
}

// Delete stops any running ingestion of the file, then removes its
// fragments, its row and finally its blob.
func (s *FileService) Delete(ctx context.Context, projectID, fileID string) error {
	file, err := s.files.Get(ctx, projectID, fileID)
	if err != nil {
		return err
	}
	if err := s.scheduler.CancelFile(ctx, fileID); err != nil {
		return fmt.Errorf("stop ingestion: %w", err)
	}
	if err := s.fragments.DeleteByFile(ctx, fileID); err != nil {
		return fmt.Errorf("delete fragments: %w", err)
	}
	if err := s.files.Delete(ctx, projectID, fileID); err != nil {
		return err
	}
	if file.StorageKey != "" {
		if err := s.blobs.Delete(ctx, file.StorageKey); err != nil {
			logutil.GetLogger(ctx).Warn("delete blob failed, leave it",
				zap.String("file_id", fileID), zap.String("key", file.StorageKey), zap.Error(err))
		}
	}
	logutil.GetLogger(ctx).Info("file deleted", zap.String("project_id", projectID), zap.String("file_id", fileID))
	return nil
}

// Reingest queues the file again in a batch of its own. The current visible
// fragments stay until the new run publishes, and stay as they are if it
// fails.
func (s *FileService) Reingest(ctx context.Context, projectID, userID, fileID string) (*model.BatchStatus, error) {
	file, err := s.files.Get(ctx, projectID, fileID)
	if err != nil {
		return nil, err
	}
	b, err := s.scheduler.Submit(ctx, projectID, userID, []*model.SourceFile{file})
	if err != nil {
		return nil, err
	}
	st := b.Status()
	return &st, nil
}

func (s *FileService) Batch(ctx context.Context, batchID string) (*batch.Batch, error) {
	return s.scheduler.Get(batchID)
}

func (s *FileService) CancelBatch(ctx context.Context, batchID string) error {
	return s.scheduler.Cancel(batchID)
}

func (s *FileService) RetryBatchFile(ctx context.Context, batchID, fileID string) (*model.BatchStatus, error) {
	if err := s.scheduler.Resubmit(ctx, batchID, fileID); err != nil {
		return nil, err
	}
	b, err := s.scheduler.Get(batchID)
	if err != nil {
		return nil, err
	}
	st := b.Status()
	return &st, nil
}

// resolveContentType prefers the declared type, then the file extension,
// then sniffing the first bytes.
func resolveContentType(up UploadFile) (string, error) {
	if ct := extract.NormalizeContentType(up.ContentType); ct != "" && ct != defaultMimeType {
		return ct, nil
	}
	if ct := extract.NormalizeContentType(mime.TypeByExtension(strings.ToLower(filepath.Ext(up.Name)))); ct != "" {
		return ct, nil
	}
	if ct := extensionTypes[strings.ToLower(filepath.Ext(up.Name))]; ct != "" {
		return ct, nil
	}
	buf := make([]byte, 512)
	n, err := io.ReadFull(up.Reader, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err := up.Reader.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if n == 0 {
		return defaultMimeType, nil
	}
	return extract.NormalizeContentType(http.DetectContentType(buf[:n])), nil
}

// extensionTypes covers formats missing from minimal mime tables.
var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".csv":      "text/csv",
	".pdf":      "application/pdf",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx":     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}
