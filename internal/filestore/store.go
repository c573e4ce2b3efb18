// Package filestore defines the object storage used to archive call results.
//
// Callers depend only on this package, never on a specific provider package.
//
// Usage:
//
//	cfg := filestore.DefaultConfig("localhost:9000", "minioadmin", "minioadmin", "callsql")
//	store, err := minio.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
//
//	info, err := store.Put(ctx, filestore.NewKey(cfg.Prefix, time.Now()), body, filestore.ContentTypeJSON)
package filestore

import (
	"context"
	"time"
)

// ContentTypeJSON is the content type of archived call results.
const ContentTypeJSON = "application/json"

// Store is the interface all storage providers implement. Every key is
// relative to the bucket named in Config.
type Store interface {
	// Ping verifies the backend is reachable and the bucket exists.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error

	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) (*ObjectInfo, error)

	// Get opens a streaming handle to the object at key.
	// The caller MUST call Object.Close() after reading.
	Get(ctx context.Context, key string) (Object, error)

	// Stat returns metadata for the object at key without downloading it.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// PresignGetURL returns a time-limited URL that allows anyone to download
	// the object at key without credentials.
	PresignGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
