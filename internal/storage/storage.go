// Package storage abstracts where media blobs live.
package storage

import (
	"context"
	"io"
)

// Provider stores blobs under content-derived keys and serves them by URL.
type Provider interface {
	// Put writes a blob and returns its public URL.
	Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	// Open reads a previously stored blob.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
