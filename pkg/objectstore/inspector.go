// Package objectstore looks up stored object attributes for the ingest path.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
)

// ErrObjectNotFound is returned when the object no longer exists.
var ErrObjectNotFound = errors.New("object not found")

// Attrs are the object attributes copied into a metadata record.
type Attrs struct {
	ContentType string
	Size        int64
}

// Inspector reads the attributes of a stored object.
type Inspector interface {
	Inspect(ctx context.Context, bucket, key string) (Attrs, error)
}

// GCSInspectorConfig holds configuration for the GCS inspector.
type GCSInspectorConfig struct {
	// DefaultBucket is used when an event carries no bucket attribute.
	DefaultBucket string
}

// GCSInspector reads object attributes from Google Cloud Storage.
type GCSInspector struct {
	client GCSClient
	config GCSInspectorConfig
	logger zerolog.Logger
}

// NewGCSInspector creates an inspector on an injected client.
func NewGCSInspector(client GCSClient, config GCSInspectorConfig, logger zerolog.Logger) (*GCSInspector, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	return &GCSInspector{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSInspector").Logger(),
	}, nil
}

func (i *GCSInspector) Inspect(ctx context.Context, bucket, key string) (Attrs, error) {
	if bucket == "" {
		bucket = i.config.DefaultBucket
	}
	if bucket == "" {
		return Attrs{}, fmt.Errorf("inspect %q: no bucket given and no default configured", key)
	}

	attrs, err := i.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return Attrs{}, fmt.Errorf("inspect gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return Attrs{}, fmt.Errorf("inspect gs://%s/%s: %w", bucket, key, err)
	}

	i.logger.Debug().Str("bucket", bucket).Str("key", key).Int64("size", attrs.Size).Msg("Inspected object.")
	return Attrs{ContentType: attrs.ContentType, Size: attrs.Size}, nil
}
