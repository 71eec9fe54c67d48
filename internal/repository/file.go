package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdenzel/filelink/internal/model"
)

// ErrNotFound aliases the shared sentinel so existing errors.Is checks keep
// working against either store implementation.
var ErrNotFound = model.ErrNotFound

// FileRepository wraps all SQL used throughout the API and worker.
type FileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository constructs a repository.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

// Create inserts a freshly uploaded record.
func (r *FileRepository) Create(ctx context.Context, rec *model.FileRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO files (id, dlkey, folder, file_name, size, content_type, status, derived_name, message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.DownloadKey, rec.Folder, rec.Name, rec.Size, rec.ContentType, rec.Status, rec.DerivedName, rec.Message, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetByDownloadKey returns the record behind a download key.
func (r *FileRepository) GetByDownloadKey(ctx context.Context, dlkey string) (*model.FileRecord, error) {
	var rec model.FileRecord
	row := r.pool.QueryRow(ctx, `
		SELECT id, dlkey, folder, file_name, size, content_type, status, COALESCE(derived_name,''), COALESCE(message,''), created_at, updated_at
		FROM files WHERE dlkey=$1
	`, dlkey)
	if err := row.Scan(&rec.ID, &rec.DownloadKey, &rec.Folder, &rec.Name, &rec.Size, &rec.ContentType, &rec.Status, &rec.DerivedName, &rec.Message, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return &rec, nil
}

// UpdateStatus sets status and message for a download key.
func (r *FileRepository) UpdateStatus(ctx context.Context, dlkey string, status model.FileStatus, msg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files SET status=$1, message=$2, updated_at=$3 WHERE dlkey=$4
	`, status, msg, time.Now().UTC(), dlkey)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDerived stores the derived artifact name and completes the record.
func (r *FileRepository) SetDerived(ctx context.Context, dlkey, derivedName string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files SET derived_name=$1, status=$2, updated_at=$3 WHERE dlkey=$4
	`, derivedName, model.StatusComplete, time.Now().UTC(), dlkey)
	if err != nil {
		return fmt.Errorf("set derived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkForDeletion flips the record to pending-delete and writes the deletion
// marker row. A second mark for the same key leaves the existing marker (and
// its check counter) untouched.
func (r *FileRepository) MarkForDeletion(ctx context.Context, dlkey string) error {
	if err := r.UpdateStatus(ctx, dlkey, model.StatusPendingDelete, "marked for deletion"); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deleted_files (dlkey, itercount, created_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (dlkey) DO NOTHING
	`, dlkey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert deletion marker: %w", err)
	}
	return nil
}

// GetMarker returns the deletion marker for dlkey.
func (r *FileRepository) GetMarker(ctx context.Context, dlkey string) (*model.DeletionMarker, error) {
	var marker model.DeletionMarker
	row := r.pool.QueryRow(ctx, `
		SELECT dlkey, itercount, created_at FROM deleted_files WHERE dlkey=$1
	`, dlkey)
	if err := row.Scan(&marker.DownloadKey, &marker.IterCount, &marker.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select deletion marker: %w", err)
	}
	return &marker, nil
}

// IncrementMarker bumps the marker's check counter and returns the new count.
func (r *FileRepository) IncrementMarker(ctx context.Context, dlkey string) (int, error) {
	var count int
	row := r.pool.QueryRow(ctx, `
		UPDATE deleted_files SET itercount=itercount+1 WHERE dlkey=$1 RETURNING itercount
	`, dlkey)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment deletion marker: %w", err)
	}
	return count, nil
}

// DeleteMarker removes the marker without touching the record. Used when a
// sweep finds the file back in use.
func (r *FileRepository) DeleteMarker(ctx context.Context, dlkey string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM deleted_files WHERE dlkey=$1`, dlkey); err != nil {
		return fmt.Errorf("delete deletion marker: %w", err)
	}
	return nil
}

// Delete removes the record and its marker.
func (r *FileRepository) Delete(ctx context.Context, dlkey string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM files WHERE dlkey=$1`, dlkey); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return r.DeleteMarker(ctx, dlkey)
}
