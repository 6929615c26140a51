package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps artifacts on the local filesystem and mints URLs under a
// configured base. Meant for development and single-node deployments where
// the HTTP server also serves the storage directory.
type LocalStore struct {
	dir     string
	baseURL string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at dir, minting URLs under
// baseURL (e.g. "http://localhost:8080/files").
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("objectstore: storage directory is required")
	}
	if baseURL == "" {
		return nil, errors.New("objectstore: base URL is required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("objectstore: resolving storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("objectstore: creating storage dir: %w", err)
	}

	return &LocalStore{
		dir:     abs,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Dir returns the absolute storage root, for wiring a file server over it.
func (l *LocalStore) Dir() string { return l.dir }

// Upload copies the local file under key and returns its public URL.
func (l *LocalStore) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest, err := l.safePath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("objectstore: creating key directory: %w", err)
	}

	src, err := os.Open(localPath) // #nosec G304 - path comes from the pipeline's own workspace
	if err != nil {
		return "", fmt.Errorf("objectstore: opening %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 - dest is validated by safePath
	if err != nil {
		return "", fmt.Errorf("objectstore: creating %s: %w", key, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("objectstore: copying %s: %w", key, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("objectstore: closing %s: %w", key, err)
	}

	return l.baseURL + "/" + key, nil
}

// TryDownload reads the object behind a URL minted by this store.
func (l *LocalStore) TryDownload(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := l.KeyFor(url)
	if key == "" {
		return nil, nil
	}
	path, err := l.safePath(key)
	if err != nil {
		return nil, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is validated by safePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: reading %s: %w", key, err)
	}
	return data, nil
}

// KeyFor maps a minted URL back to its object key.
func (l *LocalStore) KeyFor(url string) string {
	return keyFromURL(url, l.baseURL)
}

// safePath resolves a key inside the storage root, refusing traversal.
func (l *LocalStore) safePath(key string) (string, error) {
	path := filepath.Join(l.dir, filepath.FromSlash(key))
	if path != l.dir && !strings.HasPrefix(path, l.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("objectstore: key %q escapes storage root", key)
	}
	return path, nil
}
