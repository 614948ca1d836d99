// Package objstore provides S3-compatible object storage for site photos.
// It works against any S3-compatible backend (DigitalOcean Spaces, AWS S3,
// MinIO, ...).
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the configuration for the object store.
type Config struct {
	Logger *slog.Logger

	// Endpoint is the S3-compatible endpoint, with or without protocol,
	// e.g. "tor1.digitaloceanspaces.com".
	Endpoint string

	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// UsePathStyle selects path-style addressing (MinIO) over
	// virtual-hosted style (Spaces, AWS).
	UsePathStyle bool
}

// Store writes photos to an S3-compatible bucket.
type Store struct {
	logger   *slog.Logger
	client   *s3.Client
	bucket   string
	endpoint string
}

// New creates a new Store from configuration.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("objstore config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("access key and secret key cannot be empty")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"", // session token (not used for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Store{
		logger:   cfg.Logger,
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://"),
	}, nil
}

// PutJPEG stores JPEG bytes at the given key and returns a retrievable URL.
// Re-storing at an existing key is a plain overwrite, which keeps photo
// uploads safe to repeat under at-least-once delivery.
func (s *Store) PutJPEG(ctx context.Context, key string, body []byte) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %q: %w", key, err)
	}

	s.logger.Debug("photo stored", "key", key, "bytes", len(body))

	return s.URL(key), nil
}

// URL returns the public URL for a stored key.
func (s *Store) URL(key string) string {
	if s.endpoint == "" {
		return fmt.Sprintf("s3://%s/%s", s.bucket, key)
	}
	return fmt.Sprintf("https://%s.%s/%s", s.bucket, s.endpoint, key)
}
