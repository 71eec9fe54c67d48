package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tdenzel/filelink/internal/derive"
	"github.com/tdenzel/filelink/internal/model"
	"github.com/tdenzel/filelink/internal/queue"
	"github.com/tdenzel/filelink/internal/signing"
)

// maxDeletionChecks is how many sweep passes a deletion marker survives
// before the blob and rows are removed for good.
const maxDeletionChecks = 4

// FileStore is the metadata access the worker needs. Both the pgx repository
// and the in-memory store satisfy it.
type FileStore interface {
	GetByDownloadKey(ctx context.Context, dlkey string) (*model.FileRecord, error)
	UpdateStatus(ctx context.Context, dlkey string, status model.FileStatus, msg string) error
	SetDerived(ctx context.Context, dlkey, derivedName string) error
	GetMarker(ctx context.Context, dlkey string) (*model.DeletionMarker, error)
	IncrementMarker(ctx context.Context, dlkey string) (int, error)
	DeleteMarker(ctx context.Context, dlkey string) error
	Delete(ctx context.Context, dlkey string) error
}

// BlobStore reads, writes, and removes file contents by logical path.
type BlobStore interface {
	GetBytes(ctx context.Context, path string) ([]byte, error)
	PutBytes(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) error
}

// Enqueuer schedules follow-up sweep checks.
type Enqueuer interface {
	EnqueueCleanup(ctx context.Context, payload queue.CleanupPayload, delay time.Duration) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store FileStore
	blobs BlobStore
	tasks Enqueuer
}

// NewProcessor constructs a worker processor. The Enqueuer is needed to
// re-enqueue sweep checks.
func NewProcessor(store FileStore, blobs BlobStore, tasks Enqueuer) *Processor {
	return &Processor{store: store, blobs: blobs, tasks: tasks}
}

// Handler registers the job handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeriveFileTask, p.handleDerive)
	mux.HandleFunc(queue.CleanupFileTask, p.handleCleanup)
	return mux
}

func (p *Processor) handleDerive(ctx context.Context, task *asynq.Task) error {
	var payload queue.DerivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	failure := func(err error) error {
		log.Printf("derive failed for %s: %v", payload.DownloadKey, err)
		_ = p.store.UpdateStatus(ctx, payload.DownloadKey, model.StatusFailed, err.Error())
		return err
	}
	if !derive.Derivable(payload.ContentType) {
		// Nothing to derive; the upload itself is the final artifact.
		return p.store.UpdateStatus(ctx, payload.DownloadKey, model.StatusComplete, "")
	}
	if err := p.store.UpdateStatus(ctx, payload.DownloadKey, model.StatusProcessing, ""); err != nil {
		return failure(err)
	}
	source := signing.FileLocation{Folder: payload.Folder, FileName: payload.FileName}
	data, err := p.blobs.GetBytes(ctx, source.Path())
	if err != nil {
		return failure(err)
	}
	text, err := derive.Text(data)
	if err != nil {
		return failure(err)
	}
	artifact := signing.FileLocation{
		Folder:   payload.Folder,
		FileName: derive.ArtifactName(payload.FileName),
		Derived:  true,
	}
	if err := p.blobs.PutBytes(ctx, artifact.Path(), []byte(text), "text/plain; charset=utf-8"); err != nil {
		return failure(err)
	}
	if err := p.store.SetDerived(ctx, payload.DownloadKey, artifact.FileName); err != nil {
		return failure(err)
	}
	log.Printf("file %s derived (%d bytes)", payload.DownloadKey, len(text))
	return nil
}

// handleCleanup runs one pass of the deferred-deletion sweep. A marker is
// checked maxDeletionChecks times, queue.CleanupInterval apart; the file only
// disappears once every check saw it still marked. A record that left the
// pending-delete state in the meantime keeps its blob and loses the marker.
func (p *Processor) handleCleanup(ctx context.Context, task *asynq.Task) error {
	var payload queue.CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	dlkey := payload.DownloadKey

	if _, err := p.store.GetMarker(ctx, dlkey); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil // marker already resolved
		}
		return err
	}
	rec, err := p.store.GetByDownloadKey(ctx, dlkey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Record gone but marker left behind; nothing more to clean.
			return p.store.DeleteMarker(ctx, dlkey)
		}
		return err
	}
	if rec.Status != model.StatusPendingDelete {
		log.Printf("file %s back in use, dropping deletion marker", dlkey)
		return p.store.DeleteMarker(ctx, dlkey)
	}

	count, err := p.store.IncrementMarker(ctx, dlkey)
	if err != nil {
		return err
	}
	if count < maxDeletionChecks {
		return p.tasks.EnqueueCleanup(ctx, payload, queue.CleanupInterval)
	}

	source := signing.FileLocation{Folder: rec.Folder, FileName: rec.Name}
	if err := p.blobs.Delete(ctx, source.Path()); err != nil {
		return err
	}
	if rec.DerivedName != "" {
		artifact := signing.FileLocation{Folder: rec.Folder, FileName: rec.DerivedName, Derived: true}
		if err := p.blobs.Delete(ctx, artifact.Path()); err != nil {
			return err
		}
	}
	if err := p.store.Delete(ctx, dlkey); err != nil {
		return err
	}
	log.Printf("file %s deleted after %d checks", dlkey, count)
	return nil
}
