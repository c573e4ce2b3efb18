package filestore

import (
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koustreak/callsql/internal/errs"
)

// ObjectInfo describes a single stored object.
type ObjectInfo struct {
	// Key is the full object path within the bucket.
	Key string `json:"key"`

	// Size is the byte size of the object. -1 if unknown.
	Size int64 `json:"size"`

	ContentType  string    `json:"contentType,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Object is a streaming handle to an object's content.
// The caller MUST call Close() after reading to avoid resource leaks.
type Object interface {
	io.ReadCloser

	// Info returns the metadata for this object.
	Info() *ObjectInfo
}

// NewKey returns a fresh key of the form <prefix>YYYY/MM/DD/<uuid>.json.
func NewKey(prefix string, now time.Time) string {
	return prefix + now.UTC().Format("2006/01/02") + "/" + uuid.NewString() + ".json"
}

// CheckKey rejects keys a client must not be able to address.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return errs.New(errs.ErrKindInvalidInput, "invalid object key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errs.New(errs.ErrKindInvalidInput, "invalid object key")
		}
	}
	return nil
}
