// Package storage holds the recording blobs, either on the local
// filesystem or in an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/proctorlink/proctorlink/internal/config"
)

// Storage is the recording blob store.
type Storage interface {
	// Write stores content under key. size is the expected content
	// length, -1 when unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves the content for key. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)
}

// New builds the backend selected by the config.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalDir)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
