package objectstore

import (
	"context"

	"github.com/adrianmcphee/shelterbase"
)

// Backend is the flat object storage a Store keeps its records in. This lets
// the same collection live on local disk, S3, MinIO or GCS.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping proves the backend is reachable and writable.
	Ping(ctx context.Context) error

	Close() error
}

// Backend types accepted by BackendConfig.
const (
	TypeFilesystem = "filesystem"
	TypeS3         = "s3"
	TypeMinIO      = "minio"
	TypeGCS        = "gcs"
)

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type     string // "filesystem", "s3", "minio", "gcs"
	Bucket   string // bucket name or base directory
	Region   string // AWS region (s3 only)
	Endpoint string // host:port for minio or a custom S3 endpoint

	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	CredentialsFile string // GCS service account file; ADC when empty
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return shelterbase.WithContext(shelterbase.ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return shelterbase.WithContext(shelterbase.ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}

	switch c.Type {
	case TypeS3:
		if c.Region == "" && c.Endpoint == "" {
			return shelterbase.WithContext(shelterbase.ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case TypeMinIO:
		if c.Endpoint == "" {
			return shelterbase.WithContext(shelterbase.ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case TypeFilesystem, TypeGCS:
	default:
		return shelterbase.WithContext(shelterbase.ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	return nil
}

// NewBackend builds the backend cfg describes.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeS3:
		return NewS3BackendFromConfig(ctx, cfg)
	case TypeMinIO:
		return NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
	case TypeGCS:
		return NewGCSBackend(ctx, GCSConfig{Bucket: cfg.Bucket, CredentialsFile: cfg.CredentialsFile})
	default:
		return NewFilesystemBackend(cfg.Bucket), nil
	}
}
