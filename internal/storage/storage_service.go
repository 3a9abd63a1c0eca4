package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/welldanyogia/leafmail/internal/config"
)

// deleteBatchSize is the S3 limit on keys per DeleteObjects request
const deleteBatchSize = 1000

// StorageService handles S3/MinIO operations for leaf media
type StorageService struct {
	client        *s3.Client
	bucket        string
	endpointURL   string
	publicBaseURL string
}

// NewStorageService creates a new storage service with S3/MinIO client
func NewStorageService(cfg *config.StorageConfig) (*StorageService, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	endpointURL := EndpointURL(cfg.Endpoint, cfg.UseSSL)

	// Path-style addressing keeps MinIO and other S3-compatible stores working
	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true,
	})

	return &StorageService{
		client:        client,
		bucket:        cfg.Bucket,
		endpointURL:   endpointURL,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// EndpointURL adds a scheme to a bare host:port endpoint
func EndpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimRight(endpoint, "/")
	}
	protocol := "http"
	if useSSL {
		protocol = "https"
	}
	return protocol + "://" + strings.TrimRight(endpoint, "/")
}

// Put stores data under key and returns its public URL
func (s *StorageService) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// PublicURL builds the fetchable URL for an object key
func (s *StorageService) PublicURL(key string) string {
	return PublicURL(s.publicBaseURL, s.endpointURL, s.bucket, key)
}

// PublicURL joins an object key onto the public base URL, falling back to
// path-style endpoint/bucket/key when no base URL is configured.
func PublicURL(publicBaseURL, endpointURL, bucket, key string) string {
	key = FormatStorageKey(key)
	if publicBaseURL != "" {
		return strings.TrimRight(publicBaseURL, "/") + "/" + key
	}
	return strings.TrimRight(endpointURL, "/") + "/" + bucket + "/" + key
}

// DeleteByKeys deletes multiple objects by their storage keys.
// Returns the count of deleted objects.
func (s *StorageService) DeleteByKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	objectIdentifiers := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objectIdentifiers[i] = types.ObjectIdentifier{
			Key: aws.String(FormatStorageKey(key)),
		}
	}

	deleteCount := 0
	for _, batch := range chunk(objectIdentifiers, deleteBatchSize) {
		output, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleteCount, fmt.Errorf("failed to delete objects: %w", err)
		}
		deleteCount += len(batch) - len(output.Errors)
	}

	return deleteCount, nil
}

// Ping checks that the bucket is reachable
func (s *StorageService) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	return nil
}

// GetClient returns the underlying S3 client for advanced operations
func (s *StorageService) GetClient() *s3.Client {
	return s.client
}

// GetBucket returns the configured bucket name
func (s *StorageService) GetBucket() string {
	return s.bucket
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
