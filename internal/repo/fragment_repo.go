package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/docqa/internal/model"
	"github.com/xxxsen/docqa/internal/pkg/dbutil"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/pkg/timeutil"
)

const (
	FragmentStatePending = 1
	FragmentStateVisible = 2
)

type FragmentRepo struct {
	db        *sql.DB
	dimension int
}

// NewFragmentRepo returns a fragment store over db. A positive dimension makes
// PutPending reject vectors of any other length.
func NewFragmentRepo(db *sql.DB, dimension int) *FragmentRepo {
	return &FragmentRepo{db: db, dimension: dimension}
}

func (r *FragmentRepo) PutPending(ctx context.Context, fileID string, fragments []model.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	now := timeutil.NowUnix()
	data := make([]map[string]interface{}, 0, len(fragments))
	for _, f := range fragments {
		if r.dimension > 0 && len(f.Vector) != r.dimension {
			return fmt.Errorf("fragment %d of %s: %w: want %d, got %d",
				f.Ordinal, fileID, appErr.ErrEmbeddingDimensionMismatch, r.dimension, len(f.Vector))
		}
		data = append(data, map[string]interface{}{
			"file_id":     fileID,
			"ordinal":     f.Ordinal,
			"state":       FragmentStatePending,
			"content":     f.Content,
			"token_count": f.TokenCount,
			"embedding":   pgvector.NewVector(f.Vector),
			"mtime":       now,
		})
	}
	sqlStr, args, err := builder.BuildInsert("fragments", data)
	if err != nil {
		return err
	}
	sqlStr += ` ON CONFLICT (file_id, ordinal, state) DO UPDATE SET
		content = EXCLUDED.content,
		token_count = EXCLUDED.token_count,
		embedding = EXCLUDED.embedding,
		mtime = EXCLUDED.mtime`
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// Publish swaps the pending generation of fileID in for the visible one in a
// single transaction. The pending ordinals must be exactly 0..count-1.
func (r *FragmentRepo) Publish(ctx context.Context, fileID string, count int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var pending, minOrdinal, maxOrdinal int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(ordinal), 0), COALESCE(MAX(ordinal), -1)
		FROM fragments WHERE file_id = $1 AND state = $2`,
		fileID, FragmentStatePending)
	if err := row.Scan(&pending, &minOrdinal, &maxOrdinal); err != nil {
		return err
	}
	if pending != count || (count > 0 && (minOrdinal != 0 || maxOrdinal != count-1)) {
		return fmt.Errorf("publish %s: %w: want ordinals [0, %d), got %d rows in [%d, %d]",
			fileID, appErr.ErrInconsistentFragments, count, pending, minOrdinal, maxOrdinal)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fragments WHERE file_id = $1 AND state = $2`,
		fileID, FragmentStateVisible); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE fragments SET state = $1, mtime = $2 WHERE file_id = $3 AND state = $4`,
		FragmentStateVisible, timeutil.NowUnix(), fileID, FragmentStatePending); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *FragmentRepo) DeletePending(ctx context.Context, fileID string) error {
	return r.delete(ctx, map[string]interface{}{"file_id": fileID, "state": FragmentStatePending})
}

func (r *FragmentRepo) DeleteByFile(ctx context.Context, fileID string) error {
	return r.delete(ctx, map[string]interface{}{"file_id": fileID})
}

func (r *FragmentRepo) delete(ctx context.Context, where map[string]interface{}) error {
	sqlStr, args, err := builder.BuildDelete("fragments", where)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// DeletePendingBefore removes pending rows last written before cutoff. Such
// rows belong to attempts that never reached Publish.
func (r *FragmentRepo) DeletePendingBefore(ctx context.Context, cutoff int64) (int64, error) {
	sqlStr, args, err := builder.BuildDelete("fragments", map[string]interface{}{
		"state":   FragmentStatePending,
		"mtime <": cutoff,
	})
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

func (r *FragmentRepo) GetByFile(ctx context.Context, fileID string) ([]model.Fragment, error) {
	where := map[string]interface{}{
		"file_id":  fileID,
		"state":    FragmentStateVisible,
		"_orderby": "ordinal asc",
	}
	sqlStr, args, err := builder.BuildSelect("fragments", where, []string{"file_id", "ordinal", "content", "token_count", "embedding"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.Fragment, 0)
	for rows.Next() {
		var item model.Fragment
		var vec pgvector.Vector
		if err := rows.Scan(&item.FileID, &item.Ordinal, &item.Content, &item.TokenCount, &vec); err != nil {
			return nil, err
		}
		item.Vector = vec.Slice()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *FragmentRepo) GetByProject(ctx context.Context, projectID string) ([]model.ProjectFragment, error) {
	sqlStr := `
		SELECT f.file_id, f.ordinal, f.content, f.token_count, f.embedding, s.name, s.content_type
		FROM fragments f
		JOIN source_files s ON s.id = f.file_id
		WHERE s.project_id = ? AND s.state = ? AND s.status <> ? AND f.state = ?
		ORDER BY f.file_id, f.ordinal
	`
	args := []interface{}{projectID, SourceFileStateNormal, string(model.FileStatusCorrupt), FragmentStateVisible}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.ProjectFragment, 0)
	for rows.Next() {
		var item model.ProjectFragment
		var vec pgvector.Vector
		if err := rows.Scan(&item.FileID, &item.Ordinal, &item.Content, &item.TokenCount, &vec,
			&item.FileName, &item.ContentType); err != nil {
			return nil, err
		}
		item.Vector = vec.Slice()
		items = append(items, item)
	}
	return items, rows.Err()
}
