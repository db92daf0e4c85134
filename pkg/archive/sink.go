package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by sinks for missing bundles.
var ErrNotFound = errors.New("bundle not found")

// Sink stores encoded bundles by name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// SinkType represents the type of bundle storage backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// SinkConfig selects and configures a Sink.
type SinkConfig struct {
	Type     SinkType `yaml:"type"`
	Dir      string   `yaml:"dir"`
	Bucket   string   `yaml:"bucket"`
	Region   string   `yaml:"region"`
	Endpoint string   `yaml:"endpoint"` // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string   `yaml:"prefix"`
}

// NewSink creates the sink named by cfg.Type; the zero value is a filesystem sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkTypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3 sink")
		}
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case SinkTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs sink")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive sink type: %s", cfg.Type)
	}
}

// FileSink stores bundles in a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid bundle name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FileSink) Put(ctx context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close bundle: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to store bundle: %w", err)
	}
	return nil
}

func (s *FileSink) Get(ctx context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}
