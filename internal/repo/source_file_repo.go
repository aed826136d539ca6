package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/docqa/internal/model"
	"github.com/xxxsen/docqa/internal/pkg/dbutil"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/pkg/timeutil"
)

const (
	SourceFileStateNormal  = 1
	SourceFileStateDeleted = 2
)

var sourceFileColumns = []string{
	"id", "project_id", "user_id", "name", "content_type", "url", "storage_key",
	"size", "status", "fragment_count", "last_error", "ctime", "mtime",
}

type SourceFileRepo struct {
	db *sql.DB
}

func NewSourceFileRepo(db *sql.DB) *SourceFileRepo {
	return &SourceFileRepo{db: db}
}

func (r *SourceFileRepo) Create(ctx context.Context, file *model.SourceFile) error {
	data := map[string]interface{}{
		"id":             file.ID,
		"project_id":     file.ProjectID,
		"user_id":        file.UserID,
		"name":           file.Name,
		"content_type":   file.ContentType,
		"url":            file.URL,
		"storage_key":    file.StorageKey,
		"size":           file.Size,
		"status":         string(file.Status),
		"fragment_count": file.FragmentCount,
		"last_error":     file.LastError,
		"state":          SourceFileStateNormal,
		"ctime":          file.Ctime,
		"mtime":          file.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("source_files", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *SourceFileRepo) Get(ctx context.Context, projectID, fileID string) (*model.SourceFile, error) {
	return r.getOne(ctx, map[string]interface{}{
		"id":         fileID,
		"project_id": projectID,
		"state":      SourceFileStateNormal,
	})
}

func (r *SourceFileRepo) GetByID(ctx context.Context, fileID string) (*model.SourceFile, error) {
	return r.getOne(ctx, map[string]interface{}{
		"id":    fileID,
		"state": SourceFileStateNormal,
	})
}

func (r *SourceFileRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.SourceFile, error) {
	sqlStr, args, err := builder.BuildSelect("source_files", where, sourceFileColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, appErr.ErrNotFound
	}
	return scanSourceFile(rows)
}

func (r *SourceFileRepo) ListByProject(ctx context.Context, projectID string) ([]model.SourceFile, error) {
	where := map[string]interface{}{
		"project_id": projectID,
		"state":      SourceFileStateNormal,
		"_orderby":   "ctime desc",
	}
	sqlStr, args, err := builder.BuildSelect("source_files", where, sourceFileColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.SourceFile, 0)
	for rows.Next() {
		file, err := scanSourceFile(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *file)
	}
	return items, rows.Err()
}

func (r *SourceFileRepo) UpdateStatus(ctx context.Context, fileID string, status model.FileStatus, fragmentCount int, lastErr string) error {
	where := map[string]interface{}{
		"id":    fileID,
		"state": SourceFileStateNormal,
	}
	update := map[string]interface{}{
		"status":         string(status),
		"fragment_count": fragmentCount,
		"last_error":     lastErr,
		"mtime":          timeutil.NowUnix(),
	}
	return r.updateOne(ctx, where, update)
}

// Delete hides the file from every read. Its fragments are removed by the
// fragment store.
func (r *SourceFileRepo) Delete(ctx context.Context, projectID, fileID string) error {
	where := map[string]interface{}{
		"id":         fileID,
		"project_id": projectID,
		"state":      SourceFileStateNormal,
	}
	update := map[string]interface{}{
		"state": SourceFileStateDeleted,
		"mtime": timeutil.NowUnix(),
	}
	return r.updateOne(ctx, where, update)
}

// FailStaleProcessing marks files stuck in processing since before cutoff as
// failed. It recovers files whose worker died mid-ingestion.
func (r *SourceFileRepo) FailStaleProcessing(ctx context.Context, cutoff int64) (int64, error) {
	where := map[string]interface{}{
		"status":  string(model.FileStatusProcessing),
		"state":   SourceFileStateNormal,
		"mtime <": cutoff,
	}
	update := map[string]interface{}{
		"status":     string(model.FileStatusFailed),
		"last_error": "ingestion abandoned",
		"mtime":      timeutil.NowUnix(),
	}
	sqlStr, args, err := builder.BuildUpdate("source_files", where, update)
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SourceFileRepo) updateOne(ctx context.Context, where, update map[string]interface{}) error {
	sqlStr, args, err := builder.BuildUpdate("source_files", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSourceFile(row rowScanner) (*model.SourceFile, error) {
	var file model.SourceFile
	var status string
	if err := row.Scan(&file.ID, &file.ProjectID, &file.UserID, &file.Name, &file.ContentType, &file.URL,
		&file.StorageKey, &file.Size, &status, &file.FragmentCount, &file.LastError, &file.Ctime, &file.Mtime); err != nil {
		return nil, err
	}
	file.Status = model.FileStatus(status)
	return &file, nil
}
