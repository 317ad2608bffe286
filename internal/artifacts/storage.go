// Package artifacts stores finished batch artifacts on the local filesystem or in S3.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidPath = errors.New("invalid artifact path")
)

// Storage is implemented by every artifact backend. Put returns the storage path that
// Get and SignedURL accept.
type Storage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Key builds the storage key for a job's artifact.
func Key(jobID, filename string) string {
	return sanitizeKey(filepath.Join("jobs", jobID, filename))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

func validKey(key string) (string, error) {
	key = sanitizeKey(key)
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	return key, nil
}
