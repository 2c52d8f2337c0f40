package bucket

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"google.golang.org/api/option"
)

// Classification selects which bucket an object lives in. Public objects
// are served by URL; private ones only through short-lived signed URLs.
type Classification string

const (
	Public  Classification = "public"
	Private Classification = "private"
)

type Config struct {
	PublicBucket  string
	PrivateBucket string
	// MultipartThreshold switches uploads to chunked resumable writes.
	MultipartThreshold int64
	SignedURLTTL       time.Duration
}

// ObjectInfo is the subset of attributes callers act on.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Updated     time.Time
}

// Service is the object storage surface the pipelines and services use.
type Service interface {
	Upload(ctx context.Context, class Classification, key string, r io.Reader, size int64, contentType string) error
	Download(ctx context.Context, class Classification, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, class Classification, key string) (*ObjectInfo, error)
	SignedURL(class Classification, key string) (string, error)
	Delete(ctx context.Context, class Classification, key string) error
}

const defaultChunkSize = 16 * 1024 * 1024

/*
GCSService fronts two Cloud Storage buckets, one per classification.
Uploads below the multipart threshold go up in a single request; larger
ones use resumable chunked writes so a dropped connection only loses the
current chunk.
*/
type GCSService struct {
	client *storage.Client
	cfg    Config
	log    *logger.Logger
}

func NewGCSService(ctx context.Context, cfg Config, log *logger.Logger, opts ...option.ClientOption) (*GCSService, error) {
	if cfg.PublicBucket == "" || cfg.PrivateBucket == "" {
		return nil, apperr.Validation("buckets", "public and private bucket names are required")
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 20 * 1024 * 1024
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCSService{client: client, cfg: cfg, log: log.With("component", "bucket")}, nil
}

func (s *GCSService) bucketFor(class Classification) (string, error) {
	switch class {
	case Public:
		return s.cfg.PublicBucket, nil
	case Private:
		return s.cfg.PrivateBucket, nil
	}
	return "", apperr.Validation("classification", string(class))
}

func (s *GCSService) Upload(ctx context.Context, class Classification, key string, r io.Reader, size int64, contentType string) error {
	bkt, err := s.bucketFor(class)
	if err != nil {
		return err
	}
	w := s.client.Bucket(bkt).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if size >= s.cfg.MultipartThreshold {
		w.ChunkSize = defaultChunkSize
	} else {
		// Single-request upload for small objects.
		w.ChunkSize = 0
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return apperr.Transient("upload "+key, err)
	}
	if err := w.Close(); err != nil {
		return apperr.Transient("finalize "+key, err)
	}
	s.log.Debug("object uploaded", "bucket", bkt, "key", key, "size", size)
	return nil
}

func (s *GCSService) Download(ctx context.Context, class Classification, key string) (io.ReadCloser, error) {
	bkt, err := s.bucketFor(class)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bkt).Object(key).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Transient("download "+key, err)
	}
	return r, nil
}

func (s *GCSService) Stat(ctx context.Context, class Classification, key string) (*ObjectInfo, error) {
	bkt, err := s.bucketFor(class)
	if err != nil {
		return nil, err
	}
	attrs, err := s.client.Bucket(bkt).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Transient("stat "+key, err)
	}
	return &ObjectInfo{
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
	}, nil
}

func (s *GCSService) SignedURL(class Classification, key string) (string, error) {
	bkt, err := s.bucketFor(class)
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(bkt).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(s.cfg.SignedURLTTL),
	})
	if err != nil {
		return "", apperr.Transient("sign "+key, err)
	}
	return url, nil
}

func (s *GCSService) Delete(ctx context.Context, class Classification, key string) error {
	bkt, err := s.bucketFor(class)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bkt).Object(key).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return nil
	}
	if err != nil {
		return apperr.Transient("delete "+key, err)
	}
	return nil
}

func (s *GCSService) Close() error {
	return s.client.Close()
}
