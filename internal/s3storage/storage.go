package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tdenzel/filelink/internal/config"
)

// Storage wraps MinIO/S3 interactions. Objects are addressed by the same
// logical path the link signer signs ({folder}/source/{name} or
// {folder}/derived/{name}), so a verified file path maps straight onto an
// object key with no translation layer.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads an object under its logical path.
func (s *Storage) Put(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, path, reader, size, opts); err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

// PutBytes uploads a small in-memory object, used for derived artifacts.
func (s *Storage) PutBytes(ctx context.Context, path string, data []byte, contentType string) error {
	return s.Put(ctx, path, bytes.NewReader(data), int64(len(data)), contentType)
}

// Get opens an object for streaming. The caller must close the reader.
func (s *Storage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	// GetObject is lazy; Stat forces the first request so missing objects
	// surface here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}
	return obj, nil
}

// GetBytes fetches a whole object into memory, used by the derive worker.
func (s *Storage) GetBytes(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return buf, nil
}

// Delete removes an object. Deleting a missing object is not an error, which
// lets the deletion sweep retry safely.
func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", path, err)
	}
	return nil
}
