package storage

import (
	"context"
	"errors"
)

type Bucket string

const (
	BucketOriginals Bucket = "originals"
	BucketVariants  Bucket = "variants"
)

var ErrObjectNotFound = errors.New("object not found")

// ContentStore holds original and derived bytes. Delete of a missing key succeeds.
type ContentStore interface {
	Put(ctx context.Context, bucket Bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket Bucket, key string) error
}
