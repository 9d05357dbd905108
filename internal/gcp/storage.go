package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/statementflow/internal/blob"
)

// BucketStore is a blob.Backend over a single GCS bucket.
type BucketStore struct {
	client      *storage.Client
	bucket      string
	maxRetries  int
	baseBackoff time.Duration
}

// NewBucketStore creates a GCS-backed store for bucket using application default credentials.
func NewBucketStore(ctx context.Context, bucket string) (*BucketStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create a GCS store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &BucketStore{client: client, bucket: bucket, maxRetries: 4, baseBackoff: time.Second}, nil
}

func (s *BucketStore) Bucket() string { return s.bucket }

func (s *BucketStore) Close() error { return s.client.Close() }

func (s *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", s.bucket, key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.bucket, key, err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object gs://%s/%s: %w", s.bucket, key, err)
	}
	return body, nil
}

// Put uploads body, retrying transient failures with exponential backoff.
func (s *BucketStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	backoff := s.baseBackoff
	var lastErr error

	for i := 0; i < s.maxRetries; i++ {
		err := s.putOnce(ctx, key, body, contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", s.maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

func (s *BucketStore) putOnce(ctx context.Context, key string, body []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(writeCtx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(body)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

// List returns every object name under prefix. The iterator pages transparently.
func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in gs://%s/%s: %w", s.bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	return errors.Is(err, context.DeadlineExceeded)
}
