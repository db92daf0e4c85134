//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink stores bundles in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a GCS sink using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	return NewGCSSink(ctx, cfg.Bucket, cfg.Prefix)
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + name).NewWriter(ctx)
	w.ContentType = "application/zstd"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSSink) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("gcs read failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

// Close releases the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
