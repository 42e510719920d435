package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend selects the archive implementation.
type Backend string

const (
	BackendNone Backend = "none"
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

type Config struct {
	Backend  Backend
	DataDir  string // file backend; objects live under DataDir/archive
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewFromConfig builds the configured Store. BackendNone (or empty) returns a
// nil Store: archiving is disabled.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "archive"))
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_BUCKET is required for s3 archive")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_BUCKET is required for gcs archive")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
