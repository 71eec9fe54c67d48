// Package server wires together HTTP routes, dependency injection, and
// business logic for the file API and the signed download endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdenzel/filelink/internal/config"
	"github.com/tdenzel/filelink/internal/model"
	"github.com/tdenzel/filelink/internal/queue"
	"github.com/tdenzel/filelink/internal/signing"
)

// FileStore is the metadata store the server needs. Both the pgx repository
// and the in-memory store satisfy it.
type FileStore interface {
	Create(ctx context.Context, rec *model.FileRecord) error
	GetByDownloadKey(ctx context.Context, dlkey string) (*model.FileRecord, error)
	UpdateStatus(ctx context.Context, dlkey string, status model.FileStatus, msg string) error
	MarkForDeletion(ctx context.Context, dlkey string) error
}

// BlobStore reads and writes file contents by logical path.
type BlobStore interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// TaskQueue enqueues background work.
type TaskQueue interface {
	EnqueueDerive(ctx context.Context, payload queue.DerivePayload) error
	EnqueueCleanup(ctx context.Context, payload queue.CleanupPayload, delay time.Duration) error
}

// Server exposes HTTP endpoints for uploads, link issuance, and signed
// downloads.
type Server struct {
	cfg    *config.Config
	store  FileStore
	blobs  BlobStore
	tasks  TaskQueue
	signer *signing.Signer
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store FileStore, blobs BlobStore, tasks TaskQueue, signer *signing.Signer) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		tasks:  tasks,
		signer: signer,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(loggingMiddleware(s.Routes())),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the route table. Exported so tests can drive the handler
// without binding a socket.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/files/", s.handleFileRoute)
	mux.HandleFunc(signing.DownloadPrefix, s.handleDownload)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFileRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	dlkey := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleFileInfo(w, r, dlkey)
		case http.MethodDelete:
			s.handleFileDelete(w, r, dlkey)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	if parts[1] == "download-url" {
		s.handleDownloadURL(w, r, dlkey)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request, dlkey string) {
	rec, err := s.store.GetByDownloadKey(r.Context(), dlkey)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleDownloadURL issues a signed download link for a stored file. Query
// parameters: ttl (Go duration, defaults to the configured TTL), permanent=1
// for a link without expiry, derived=1 for the derived artifact.
func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request, dlkey string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.store.GetByDownloadKey(r.Context(), dlkey)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	loc := signing.FileLocation{Folder: rec.Folder, FileName: rec.Name}
	if r.URL.Query().Get("derived") == "1" {
		if rec.DerivedName == "" {
			http.Error(w, "derived artifact unavailable", http.StatusNotFound)
			return
		}
		loc = signing.FileLocation{Folder: rec.Folder, FileName: rec.DerivedName, Derived: true}
	}
	if r.URL.Query().Get("permanent") == "1" {
		respondJSON(w, http.StatusOK, map[string]string{
			"url": s.signer.PermanentDownloadURL(loc),
		})
		return
	}
	ttl := s.cfg.SignedURLTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = parsed
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     s.signer.DownloadURL(loc, ttl),
		"expires": s.signer.ExpiresAt(ttl).UTC().Format(time.RFC3339),
	})
}

// handleDownload is the trust boundary for presented links. Every failure
// mode (forged signature, expired stamp, malformed payload) answers with the
// same 403 so a probing client cannot tell which check rejected it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	encodedPath := strings.TrimPrefix(r.URL.Path, signing.DownloadPrefix)
	sig := r.URL.Query().Get(signing.SigParam)
	filePath, ok := s.signer.VerifyDownloadURL(encodedPath, sig)
	if !ok {
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return
	}
	obj, err := s.blobs.Get(r.Context(), filePath)
	if err != nil {
		http.Error(w, "file unavailable", http.StatusNotFound)
		return
	}
	defer obj.Close()
	name := path.Base(filePath)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, obj); err != nil {
		log.Printf("stream %s: %v", filePath, err)
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request, dlkey string) {
	ctx := r.Context()
	if _, err := s.store.GetByDownloadKey(ctx, dlkey); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	// Enqueue before marking: a sweep check without a marker is a no-op,
	// while a marked file without a queued sweep would never get cleaned.
	if err := s.tasks.EnqueueCleanup(ctx, queue.CleanupPayload{DownloadKey: dlkey}, queue.CleanupInterval); err != nil {
		http.Error(w, "failed to queue cleanup", http.StatusInternalServerError)
		return
	}
	if err := s.store.MarkForDeletion(ctx, dlkey); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"downloadKey": dlkey,
		"status":      string(model.StatusPendingDelete),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// The per-file limit is enforced while streaming in persistTemp; the body
	// cap only bounds the request as a whole, with room for multipart framing
	// and long filenames.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+(1<<20))
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !s.allowedType(tmp.contentType) {
		http.Error(w, "file type not allowed", http.StatusBadRequest)
		return
	}

	folder := uuid.NewString()
	dlkey := model.NewDownloadKey(13)
	loc := signing.FileLocation{Folder: folder, FileName: tmp.filename}
	if _, err := tmp.f.Seek(0, 0); err != nil {
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := s.blobs.Put(ctx, loc.Path(), tmp.f, tmp.size, tmp.contentType); err != nil {
		log.Printf("upload to storage failed: %v", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	rec := &model.FileRecord{
		ID:          uuid.NewString(),
		DownloadKey: dlkey,
		Folder:      folder,
		Name:        tmp.filename,
		Size:        tmp.size,
		ContentType: tmp.contentType,
		Status:      model.StatusQueued,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	payload := queue.DerivePayload{
		DownloadKey: dlkey,
		Folder:      folder,
		FileName:    tmp.filename,
		ContentType: tmp.contentType,
	}
	if err := s.tasks.EnqueueDerive(ctx, payload); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"downloadKey": dlkey,
		"status":      string(model.StatusQueued),
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "filelink-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if _, err := tmpFile.Seek(0, 0); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := path.Base(part.FileName())
	if filename == "" || filename == "." || filename == "/" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
