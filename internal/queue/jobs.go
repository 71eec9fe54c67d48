package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// DeriveFileTask is scheduled when an upload has a derivable content type.
	DeriveFileTask = "file:derive"
	// CleanupFileTask runs one check of the deferred-deletion sweep.
	CleanupFileTask = "file:cleanup"

	// CleanupInterval is the delay between deletion-sweep checks for a marker.
	CleanupInterval = 4 * time.Hour
)

// DerivePayload tells the worker which upload to derive an artifact from.
type DerivePayload struct {
	DownloadKey string `json:"download_key"`
	Folder      string `json:"folder"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// CleanupPayload identifies the deletion marker a sweep check operates on.
type CleanupPayload struct {
	DownloadKey string `json:"download_key"`
}

// EnqueueDerive enqueues an artifact derivation job.
func EnqueueDerive(ctx context.Context, client *asynq.Client, payload DerivePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(DeriveFileTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue derive task: %w", err)
	}
	return nil
}

// EnqueueCleanup schedules a deletion-sweep check after delay. The first
// check is enqueued by the API on DELETE; subsequent checks are re-enqueued
// by the worker itself until the marker is resolved.
func EnqueueCleanup(ctx context.Context, client *asynq.Client, payload CleanupPayload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(CleanupFileTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue cleanup task: %w", err)
	}
	return nil
}
