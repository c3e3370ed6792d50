package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultObjectKey = "sessions/current.json"

// ObjectStoreConfig captures configuration for the S3-compatible session store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Key       string
	UseSSL    bool
	PathStyle bool
}

// ObjectStore keeps the session as a single JSON object in a bucket.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewObjectStore initializes a client for the configured endpoint.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Key = strings.TrimLeft(strings.TrimSpace(cfg.Key), "/")
	if cfg.Key == "" {
		cfg.Key = defaultObjectKey
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: access key and secret key are required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

// Load downloads and decodes the session object.
func (s *ObjectStore) Load(ctx context.Context) (*Session, error) {
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, s.cfg.Key, minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("object store: fetch session: %w", err)
	}
	defer func() { _ = object.Close() }()

	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("object store: read session: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoSession
	}
	var stored Session
	if err = json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("object store: decode session: %w", err)
	}
	return &stored, nil
}

// Save uploads the session object.
func (s *ObjectStore) Save(ctx context.Context, current *Session) error {
	if current == nil {
		return fmt.Errorf("object store: session is nil")
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("object store: encode session: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.cfg.Key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", s.cfg.Key, err)
	}
	return nil
}

// Clear removes the session object.
func (s *ObjectStore) Clear(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.cfg.Key, minio.RemoveObjectOptions{})
	if err != nil && !isObjectNotFound(err) {
		return fmt.Errorf("object store: delete object %s: %w", s.cfg.Key, err)
	}
	return nil
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
