package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"

	gos3 "pipelined/pkg/s3"
)

const maxObjectSize = 1 << 20

// ObjectClient is the part of pkg/s3.Client the S3 store needs.
type ObjectClient interface {
	GetObject(ctx context.Context, bucket, key string, limit int64) ([]byte, error)
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) error
}

// S3 stores each key as a JSON object under prefix in bucket.
type S3 struct {
	client ObjectClient
	bucket string
	prefix string
}

// NewS3 creates an S3-backed store. Keys map to "<prefix>/<key>.json".
func NewS3(client ObjectClient, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3) objectKey(key string) string {
	return path.Join(s.prefix, key+".json")
}

// Get downloads the object for key.
func (s *S3) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), maxObjectSize)
	if err != nil {
		if errors.Is(err, gos3.ErrNoSuchKey) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !json.Valid(data) {
		return nil, errors.New("stored config is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// Put uploads value as the object for key.
func (s *S3) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errors.New("value must be valid JSON")
	}
	return s.client.PutObject(ctx, s.bucket, s.objectKey(key), "application/json", value)
}
