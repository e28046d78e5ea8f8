package mirror

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSTarget mirrors snapshots into a Google Cloud Storage bucket.
type GCSTarget struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSTarget.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSTarget builds a GCSTarget, resolving credentials via Application
// Default Credentials.
func NewGCSTarget(ctx context.Context, cfg GCSConfig) (*GCSTarget, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: create gcs client: %w", err)
	}
	return &GCSTarget{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name implements Target.
func (t *GCSTarget) Name() string {
	return "gs://" + t.bucket
}

// PutObject implements Target.
func (t *GCSTarget) PutObject(ctx context.Context, key string, data io.Reader, size int64) error {
	w := t.client.Bucket(t.bucket).Object(t.prefix + key).NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("mirror: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mirror: gcs close %s: %w", key, err)
	}
	return nil
}
