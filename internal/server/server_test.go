package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdenzel/filelink/internal/config"
	"github.com/tdenzel/filelink/internal/model"
	"github.com/tdenzel/filelink/internal/queue"
	"github.com/tdenzel/filelink/internal/signing"
	"github.com/tdenzel/filelink/internal/storage"
)

// fakeBlobs keeps blob contents in a map.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, path string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fakeQueue records enqueued payloads.
type fakeQueue struct {
	mu         sync.Mutex
	derives    []queue.DerivePayload
	cleanups   []queue.CleanupPayload
	cleanupErr error
}

func (f *fakeQueue) EnqueueDerive(_ context.Context, p queue.DerivePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.derives = append(f.derives, p)
	return nil
}

func (f *fakeQueue) EnqueueCleanup(_ context.Context, p queue.CleanupPayload, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cleanupErr != nil {
		return f.cleanupErr
	}
	f.cleanups = append(f.cleanups, p)
	return nil
}

// errorStore simulates a metadata store whose writes fail for reasons other
// than a missing record.
type errorStore struct {
	*storage.MemoryStore
}

func (errorStore) MarkForDeletion(context.Context, string) error {
	return errors.New("connection reset")
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *fakeBlobs, *fakeQueue, *signing.Signer) {
	t.Helper()
	cfg := &config.Config{
		Address:      ":0",
		MaxFileSize:  1 << 20,
		AllowedTypes: []string{"application/pdf", "text/plain; charset=utf-8"},
		HMACKey:      []byte("testkey"),
		SignedURLTTL: time.Hour,
	}
	signer, err := signing.New(cfg.HMACKey)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	blobs := newFakeBlobs()
	tasks := &fakeQueue{}
	return New(cfg, store, blobs, tasks, signer), store, blobs, tasks, signer
}

func seedFile(t *testing.T, store *storage.MemoryStore, blobs *fakeBlobs) *model.FileRecord {
	t.Helper()
	rec := &model.FileRecord{
		ID:          "id-1",
		DownloadKey: "dlkey123",
		Folder:      "abc",
		Name:        "img.png",
		Size:        4,
		ContentType: "image/png",
		Status:      model.StatusComplete,
	}
	require.NoError(t, store.Create(context.Background(), rec))
	loc := signing.FileLocation{Folder: rec.Folder, FileName: rec.Name}
	require.NoError(t, blobs.Put(context.Background(), loc.Path(), bytes.NewReader([]byte("data")), 4, rec.ContentType))
	return rec
}

func TestDownloadURLAndDownloadRoundTrip(t *testing.T) {
	srv, store, blobs, _, _ := newTestServer(t)
	seedFile(t, store, blobs)
	h := srv.Routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/files/dlkey123/download-url", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var issued map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	require.Contains(t, issued["url"], signing.DownloadPrefix)
	expires, err := time.Parse(time.RFC3339, issued["expires"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, issued["url"], nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "data", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "img.png")
}

func TestDownloadRejectsBadLinks(t *testing.T) {
	srv, store, blobs, _, signer := newTestServer(t)
	seedFile(t, store, blobs)
	h := srv.Routes()

	// Tampered signature.
	link := signer.DownloadURL(signing.FileLocation{Folder: "abc", FileName: "img.png"}, time.Hour)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, link+"00", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Expired stamp, correctly signed.
	payload := "abc/source/img.png\x00200001010000"
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	expired := signing.DownloadPrefix + encoded + "?" + signing.SigParam + "=" + signer.Sign([]byte(encoded))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, expired, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Missing signature entirely.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, signing.DownloadPrefix+encoded, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestDownloadValidLinkMissingBlob(t *testing.T) {
	srv, _, _, _, signer := newTestServer(t)
	h := srv.Routes()
	link := signer.DownloadURL(signing.FileLocation{Folder: "ghost", FileName: "gone.bin"}, time.Hour)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, link, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPermanentAndDerivedDownloadURL(t *testing.T) {
	srv, store, blobs, _, signer := newTestServer(t)
	rec := seedFile(t, store, blobs)
	require.NoError(t, store.SetDerived(context.Background(), rec.DownloadKey, "img.txt"))
	h := srv.Routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/dlkey123/download-url?permanent=1&derived=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var issued map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	assert.Empty(t, issued["expires"])

	encodedPath := issued["url"][len(signing.DownloadPrefix):]
	encodedPath = encodedPath[:bytes.IndexByte([]byte(encodedPath), '?')]
	path, ok := signer.VerifyDownloadURL(encodedPath, issued["url"][len(issued["url"])-96:])
	require.True(t, ok)
	assert.Equal(t, "abc/derived/img.txt", path)
}

func TestDerivedDownloadURLUnavailable(t *testing.T) {
	srv, store, blobs, _, _ := newTestServer(t)
	seedFile(t, store, blobs)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/dlkey123/download-url?derived=1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFileInfo(t *testing.T) {
	srv, store, blobs, _, _ := newTestServer(t)
	seedFile(t, store, blobs)
	h := srv.Routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/dlkey123", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.FileRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "img.png", rec.Name)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteMarksAndQueuesCleanup(t *testing.T) {
	srv, store, blobs, tasks, _ := newTestServer(t)
	seedFile(t, store, blobs)
	h := srv.Routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/files/dlkey123", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rec, err := store.GetByDownloadKey(context.Background(), "dlkey123")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingDelete, rec.Status)
	marker, err := store.GetMarker(context.Background(), "dlkey123")
	require.NoError(t, err)
	assert.Equal(t, 0, marker.IterCount)
	require.Len(t, tasks.cleanups, 1)
	assert.Equal(t, "dlkey123", tasks.cleanups[0].DownloadKey)

	// Marking twice keeps a single marker.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/files/dlkey123", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	marker, err = store.GetMarker(context.Background(), "dlkey123")
	require.NoError(t, err)
	assert.Equal(t, 0, marker.IterCount)
}

func TestDeleteUnknownKeyIsNotFound(t *testing.T) {
	srv, _, _, tasks, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/files/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, tasks.cleanups)
}

func TestDeleteStoreFailureIsServerError(t *testing.T) {
	srv, store, blobs, tasks, signer := newTestServer(t)
	seedFile(t, store, blobs)
	broken := New(srv.cfg, errorStore{store}, blobs, tasks, signer)

	rr := httptest.NewRecorder()
	broken.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/files/dlkey123", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDeleteEnqueueFailureLeavesFileUnmarked(t *testing.T) {
	srv, store, blobs, tasks, _ := newTestServer(t)
	seedFile(t, store, blobs)
	tasks.cleanupErr = errors.New("broker unavailable")

	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/files/dlkey123", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	// Without a queued sweep the file must not enter the pending-delete state.
	rec, err := store.GetByDownloadKey(context.Background(), "dlkey123")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, rec.Status)
	_, err = store.GetMarker(context.Background(), "dlkey123")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUploadStoresBlobAndQueuesDerive(t *testing.T) {
	srv, store, blobs, tasks, _ := newTestServer(t)
	h := srv.Routes()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 not a real pdf but sniffs as one"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	dlkey := resp["downloadKey"]
	require.NotEmpty(t, dlkey)

	rec, err := store.GetByDownloadKey(context.Background(), dlkey)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", rec.Name)
	assert.Equal(t, model.StatusQueued, rec.Status)

	loc := signing.FileLocation{Folder: rec.Folder, FileName: rec.Name}
	_, err = blobs.Get(context.Background(), loc.Path())
	assert.NoError(t, err)

	require.Len(t, tasks.derives, 1)
	assert.Equal(t, dlkey, tasks.derives[0].DownloadKey)
	assert.Equal(t, "application/pdf", tasks.derives[0].ContentType)
}

func TestUploadNearLimitWithLongFilename(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	srv.cfg.MaxFileSize = 4096
	h := srv.Routes()

	// A file just under the limit plus a long filename must still fit in the
	// request body cap, which covers multipart framing on top of the file.
	name := strings.Repeat("a", 1200) + ".pdf"
	content := append([]byte("%PDF-1.4 "), bytes.Repeat([]byte("x"), 4000-9)...)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	srv, _, _, tasks, _ := newTestServer(t)
	h := srv.Routes()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "app.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte{0x7f, 0x45, 0x4c, 0x46, 0x02, 0x01, 0x01, 0x00})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, tasks.derives)
}
