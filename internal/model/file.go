// Package model contains struct definitions shared across packages.
package model

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// ErrNotFound is the shared sentinel for lookups of unknown download keys.
// Every metadata store implementation returns it, so callers can branch with
// errors.Is regardless of which store backs them.
var ErrNotFound = errors.New("file not found")

// FileStatus describes the file lifecycle.
type FileStatus string

const (
	StatusUploaded      FileStatus = "uploaded"
	StatusQueued        FileStatus = "queued"
	StatusProcessing    FileStatus = "processing"
	StatusComplete      FileStatus = "complete"
	StatusFailed        FileStatus = "failed"
	StatusPendingDelete FileStatus = "pending-delete"
)

// FileRecord holds metadata about a stored file. The download key, not the
// internal ID, is what clients see; the folder groups the source upload and
// any derived artifacts under one logical prefix in the blob store.
type FileRecord struct {
	ID          string     `json:"id"`
	DownloadKey string     `json:"downloadKey"`
	Folder      string     `json:"-"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"contentType"`
	Status      FileStatus `json:"status"`
	// DerivedName is the filename of the worker-generated artifact under the
	// folder's derived/ prefix, empty until derivation completes.
	DerivedName string    `json:"derivedName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Message     string    `json:"message,omitempty"`
}

// DeletionMarker records that a file's download key has been marked for
// deferred deletion. The sweep re-checks the marker a fixed number of times
// before the blob and the rows are actually removed, which tolerates stale
// reads in the metadata store.
type DeletionMarker struct {
	DownloadKey string    `json:"downloadKey"`
	IterCount   int       `json:"iterCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewDownloadKey returns a random string safe for use in URLs. Keys are drawn
// from crypto/rand so they are not guessable.
func NewDownloadKey(length int) string {
	if length <= 0 {
		length = 13
	}
	out := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(keyAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			// rand.Int only fails when the underlying reader does; with
			// crypto/rand that means the platform RNG is broken.
			panic(err)
		}
		out[i] = keyAlphabet[n.Int64()]
	}
	return string(out)
}
