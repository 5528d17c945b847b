// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutUnique uploads data under name, de-duplicating collisions with a numeric
// suffix, and returns the gs:// URI of the object actually written. Uniqueness
// is enforced with a generation precondition so concurrent writers cannot
// clobber each other.
func (s *BlobStore) PutUnique(ctx context.Context, name string, data []byte) (string, error) {
	candidate := name
	for n := 2; ; n++ {
		objectPath, err := s.resolve(candidate)
		if err != nil {
			return "", err
		}
		cond := storage.Conditions{DoesNotExist: true}
		uri, err := s.write(ctx, objectPath, data, &cond)
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
				candidate = ingest.SuffixFilename(name, n)
				continue
			}
			return "", err
		}
		return uri, nil
	}
}

func (s *BlobStore) write(ctx context.Context, objectPath string, data []byte, cond *storage.Conditions) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(objectPath)
	if cond != nil {
		obj = obj.If(*cond)
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"
	if _, err := bytes.NewReader(data).WriteTo(writer); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

func (s *BlobStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("path traversal detected")
	}
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}
