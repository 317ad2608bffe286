package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Local keeps artifacts under a base directory. Signed URLs point at the API's
// artifact download route and carry an expiry timestamp.
type Local struct {
	baseDir string
	baseURL string
	now     func() time.Time
}

func NewLocal(baseDir, baseURL string) *Local {
	if baseDir == "" {
		baseDir = "./data/artifacts"
	}
	return &Local{baseDir: baseDir, baseURL: baseURL, now: time.Now}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := validKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return key, nil
}

func (l *Local) Get(_ context.Context, path string) ([]byte, error) {
	key, err := validKey(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (l *Local) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	key, err := validKey(path)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("ref", key)
	q.Set("expires", strconv.FormatInt(l.now().Add(ttl).Unix(), 10))
	return l.baseURL + "/artifacts?" + q.Encode(), nil
}

// Expired reports whether an expires query value from a signed URL has passed.
func Expired(expires string, now time.Time) bool {
	if expires == "" {
		return false
	}
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return true
	}
	return now.Unix() > ts
}
