// Package storage abstracts where recordings live: the local filesystem
// during a meeting, optionally a cloud bucket after finalization.
//
// Keys are slash-separated relative paths ("meetings/<id>/chunk_00000.pcm").
// Backends must treat them as opaque and never interpret path traversal.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the named object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Backend stores and retrieves recording artifacts.
//
// Implementations must be safe for concurrent use; the recorder persists
// chunks from a background goroutine while the finalizer reads.
type Backend interface {
	// UploadFile copies a local file to key.
	UploadFile(ctx context.Context, localPath, key string) error

	// UploadBytes writes data at key, replacing any existing object.
	UploadBytes(ctx context.Context, key string, data []byte) error

	// DownloadFile copies the object at key to localPath.
	DownloadFile(ctx context.Context, key, localPath string) error

	// DownloadBytes reads the whole object at key.
	DownloadBytes(ctx context.Context, key string) ([]byte, error)

	// ListFiles returns the keys under prefix, lexicographically sorted.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// CopyFile duplicates the object at srcKey to dstKey within the backend.
	CopyFile(ctx context.Context, srcKey, dstKey string) error

	// DeleteFile removes the object at key. Deleting a missing object
	// returns ErrNotFound.
	DeleteFile(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix. Missing prefixes are
	// not an error.
	DeletePrefix(ctx context.Context, prefix string) error

	// FileExists reports whether an object exists at key.
	FileExists(ctx context.Context, key string) (bool, error)

	// SignedURL returns a time-limited download URL for key. Backends
	// without URL semantics return ErrNotSupported.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Name identifies the backend for logs ("local", "gcs").
	Name() string
}

// ErrNotSupported is returned by backends that cannot implement an optional
// operation.
var ErrNotSupported = errors.New("storage: operation not supported")
