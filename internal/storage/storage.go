// Package storage defines the blob store abstraction used to archive fetch
// results. Backends live in the gcs, local and memory subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when nothing is stored at path.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore saves and loads opaque objects by path.
type BlobStore interface {
	// PutObject stores the content of r at path and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject returns the content stored at path.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
