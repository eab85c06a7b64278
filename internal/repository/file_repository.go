package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sameanonim/imageboard/internal/models"
)

const fileColumns = `
	id, owning_post_id, stored_key, normalized_key, thumbnail_key, original_name,
	declared_kind, mime_type, byte_size, checksum, width, height, status,
	attempt_count, last_error, lock_token, locked_at, created_at, last_modified`

type FileRepository struct {
	pool *pgxpool.Pool
}

func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

var _ FileStore = (*FileRepository)(nil)

func (r *FileRepository) Create(ctx context.Context, f models.File) (models.File, error) {
	query := `
		INSERT INTO files (
			owning_post_id, stored_key, original_name, declared_kind, mime_type,
			byte_size, checksum, status, created_at, last_modified
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 'pending', COALESCE($8, NOW()), COALESCE($8, NOW())
		)
		RETURNING ` + fileColumns

	var createdAt *time.Time
	if !f.CreatedAt.IsZero() {
		createdAt = &f.CreatedAt
	}

	row := r.pool.QueryRow(ctx, query,
		f.OwningPostID,
		f.StoredKey,
		f.OriginalName,
		f.DeclaredKind,
		f.MimeType,
		f.ByteSize,
		f.Checksum,
		createdAt,
	)
	created, err := scanFile(row)
	if err != nil {
		return models.File{}, fmt.Errorf("insert file: %w", err)
	}
	return created, nil
}

func (r *FileRepository) Get(ctx context.Context, id int64) (models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	f, err := scanFile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.File{}, ErrFileNotFound
		}
		return models.File{}, err
	}
	return f, nil
}

func (r *FileRepository) ListByStatus(ctx context.Context, status models.FileStatus, limit, offset int) ([]models.File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE status = $1
		ORDER BY last_modified DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectFiles(rows)
}

func (r *FileRepository) Claim(ctx context.Context, id int64, token string, maxAttempts int) (models.File, error) {
	query := `
		UPDATE files
		SET status = 'processing',
		    attempt_count = attempt_count + 1,
		    lock_token = $2,
		    locked_at = NOW(),
		    last_modified = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'failed')
		  AND attempt_count < $3
		RETURNING ` + fileColumns

	return r.transition(ctx, id, query, id, token, maxAttempts)
}

func (r *FileRepository) Complete(ctx context.Context, id int64, token string, c Completion) (models.File, error) {
	query := `
		UPDATE files
		SET status = 'processed',
		    normalized_key = $3,
		    thumbnail_key = $4,
		    width = $5,
		    height = $6,
		    last_error = '',
		    lock_token = '',
		    locked_at = NULL,
		    last_modified = NOW()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
		RETURNING ` + fileColumns

	return r.transition(ctx, id, query, id, token, c.NormalizedKey, c.ThumbnailKey, c.Width, c.Height)
}

func (r *FileRepository) Fail(ctx context.Context, id int64, token, reason string) (models.File, error) {
	query := `
		UPDATE files
		SET status = 'failed',
		    last_error = $3,
		    lock_token = '',
		    locked_at = NULL,
		    last_modified = NOW()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
		RETURNING ` + fileColumns

	return r.transition(ctx, id, query, id, token, nonEmpty(reason))
}

func (r *FileRepository) Interrupt(ctx context.Context, id int64, token, reason string) (models.File, error) {
	query := `
		UPDATE files
		SET status = 'failed',
		    attempt_count = GREATEST(attempt_count - 1, 0),
		    last_error = $3,
		    lock_token = '',
		    locked_at = NULL,
		    last_modified = NOW()
		WHERE id = $1 AND status = 'processing' AND lock_token = $2
		RETURNING ` + fileColumns

	return r.transition(ctx, id, query, id, token, nonEmpty(reason))
}

func (r *FileRepository) DeadLetter(ctx context.Context, id int64, reason string) (models.File, error) {
	query := `
		UPDATE files
		SET status = 'dead_lettered',
		    last_error = COALESCE(NULLIF($2, ''), last_error),
		    last_modified = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + fileColumns

	return r.transition(ctx, id, query, id, reason)
}

func (r *FileRepository) ResetStale(ctx context.Context, lockedBefore time.Time, reason string) ([]models.File, error) {
	query := `
		UPDATE files
		SET status = 'failed',
		    last_error = $2,
		    lock_token = '',
		    locked_at = NULL,
		    last_modified = NOW()
		WHERE status = 'processing' AND locked_at < $1
		RETURNING ` + fileColumns

	rows, err := r.pool.Query(ctx, query, lockedBefore, nonEmpty(reason))
	if err != nil {
		return nil, err
	}
	return collectFiles(rows)
}

func (r *FileRepository) Attach(ctx context.Context, id, postID int64) (models.File, error) {
	query := `
		UPDATE files
		SET owning_post_id = $2, last_modified = NOW()
		WHERE id = $1 AND (owning_post_id IS NULL OR owning_post_id = $2)
		RETURNING ` + fileColumns

	f, err := scanFile(r.pool.QueryRow(ctx, query, id, postID))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.File{}, err
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return models.File{}, getErr
	}
	return models.File{}, ErrAlreadyAttached
}

func (r *FileRepository) Remove(ctx context.Context, id int64, release ReleaseFunc) error {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 FOR UPDATE`

	removed, err := r.deleteLocked(ctx, id, release, query, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrFileNotFound
	}
	return nil
}

func (r *FileRepository) ListOrphanCandidates(ctx context.Context, createdBefore time.Time, limit int) ([]models.File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE owning_post_id IS NULL
		  AND created_at < $1
		  AND status <> 'processing'
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectFiles(rows)
}

func (r *FileRepository) ReapOrphan(ctx context.Context, id int64, createdBefore time.Time, release ReleaseFunc) (bool, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE id = $1
		  AND owning_post_id IS NULL
		  AND created_at < $2
		  AND status <> 'processing'
		FOR UPDATE`

	return r.deleteLocked(ctx, id, release, query, id, createdBefore)
}

// deleteLocked holds the row lock from selection until the record is deleted,
// so concurrent claims and attaches wait and then find nothing.
func (r *FileRepository) deleteLocked(ctx context.Context, id int64, release ReleaseFunc, selectQuery string, args ...any) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	f, err := scanFile(tx.QueryRow(ctx, selectQuery, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock file %d: %w", id, err)
	}
	if !models.CanDelete(f.Status) {
		return false, ErrTransitionRejected
	}

	if release != nil {
		if err := release(ctx, f); err != nil {
			return false, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("delete file %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *FileRepository) transition(ctx context.Context, id int64, query string, args ...any) (models.File, error) {
	f, err := scanFile(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.File{}, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.File{}, err
	}
	if !exists {
		return models.File{}, ErrFileNotFound
	}
	return models.File{}, ErrTransitionRejected
}

func scanFile(row pgx.Row) (models.File, error) {
	var f models.File
	err := row.Scan(
		&f.ID,
		&f.OwningPostID,
		&f.StoredKey,
		&f.NormalizedKey,
		&f.ThumbnailKey,
		&f.OriginalName,
		&f.DeclaredKind,
		&f.MimeType,
		&f.ByteSize,
		&f.Checksum,
		&f.Width,
		&f.Height,
		&f.Status,
		&f.AttemptCount,
		&f.LastError,
		&f.LockToken,
		&f.LockedAt,
		&f.CreatedAt,
		&f.LastModified,
	)
	return f, err
}

func collectFiles(rows pgx.Rows) ([]models.File, error) {
	defer rows.Close()

	var files []models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func nonEmpty(reason string) string {
	if reason == "" {
		return "unknown error"
	}
	return reason
}
