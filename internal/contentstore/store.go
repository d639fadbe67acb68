package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/copyforge/pipeline/internal/config"
)

// Store persists assembled generation artifacts in object storage.
type Store struct {
	client     *minio.Client
	bucketName string
}

// New creates a new artifact store
func New(cfg config.StorageConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Store{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

// Save uploads one artifact and returns its object key. The status tag
// distinguishes final artifacts from degraded ones persisted after a
// mid-stream failure.
func (s *Store) Save(ctx context.Context, accountID, jobID, content, status string) (string, error) {
	key := ObjectKey(accountID, jobID)
	reader := bytes.NewReader([]byte(content))

	_, err := s.client.PutObject(ctx, s.bucketName, key, reader, int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"artifact-status": status,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	return key, nil
}

// Load fetches an artifact by its object key.
func (s *Store) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact: %w", err)
	}

	return object, nil
}

// Delete removes an artifact from storage
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	return nil
}

// PresignedURL returns a short-lived download URL for an artifact.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, key, time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return url.String(), nil
}

// ObjectKey builds the canonical artifact key for a job.
func ObjectKey(accountID, jobID string) string {
	return fmt.Sprintf("artifacts/%s/%s.md", accountID, jobID)
}
