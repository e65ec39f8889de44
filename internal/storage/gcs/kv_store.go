// Package gcs provides a key-value persistence backend on Google Cloud Storage objects.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// KVStore writes each key as one JSON object with custom metadata.
type KVStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed key-value store.
func New(client *storage.Client, cfg Config) (*KVStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &KVStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *KVStore) object(key string) *storage.ObjectHandle {
	name := key + ".json"
	if s.prefix != "" {
		name = path.Join(s.prefix, name)
	}
	return s.client.Bucket(s.bucket).Object(name)
}

// Put uploads value under key, replacing any existing object.
func (s *KVStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = meta
	if _, err := writer.Write(value); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", key, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key along with its metadata.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	obj := s.object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, nil, mapNotFound(key, err)
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, nil, mapNotFound(key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, attrs.Metadata, nil
}

func mapNotFound(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("get %s: %w", key, leaderboard.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}
