// Package storage abstracts the blob store holding project and scenario
// geodata files. Production uses an S3-compatible bucket via MinIO; tests
// use the in-memory store.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the blob store behind file paths recorded in the database.
type Store interface {
	// Get streams an object. The caller must close the reader.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// GetJSON reads an object and decodes it into v.
	GetJSON(ctx context.Context, path string, v any) error
	// Put writes an object. Pass size -1 when unknown.
	Put(ctx context.Context, path string, r io.Reader, size int64) error
	// PutJSON encodes v and writes it as an object.
	PutJSON(ctx context.Context, path string, v any) error
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes every object under the prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Copy duplicates an object inside the store.
	Copy(ctx context.Context, src, dst string) error
	// List returns the object paths under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Size returns an object's size in bytes.
	Size(ctx context.Context, path string) (int64, error)
}
