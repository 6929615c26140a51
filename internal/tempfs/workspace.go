// Package tempfs manages the scratch directory used for downloaded videos,
// extracted audio, and keyframe images. All paths handed to workers come from
// here, and deletions refuse to touch anything outside the sandbox.
package tempfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrOutsideWorkspace is returned when a delete targets a path that does not
// live under the workspace root.
var ErrOutsideWorkspace = errors.New("tempfs: path outside workspace")

// Stats summarizes current scratch-space usage.
type Stats struct {
	TotalFiles        int   `json:"totalFiles"`
	TotalSizeBytes    int64 `json:"totalSizeBytes"`
	OldFiles          int   `json:"oldFiles"`
	OldFilesSizeBytes int64 `json:"oldFilesSizeBytes"`
}

// Workspace is a sandboxed temp directory. It creates uniquely named files
// and directories and guarantees deletes cannot escape the root.
type Workspace struct {
	root   string
	logger *slog.Logger
}

// New creates a Workspace rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("tempfs: root directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return &Workspace{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// CreateTempFile creates an empty uniquely named file such as
// "<prefix>_<random><ext>" inside the workspace and returns its path.
func (w *Workspace) CreateTempFile(prefix, ext string) (string, error) {
	pattern := sanitizeName(prefix) + "_*" + ext
	f, err := os.CreateTemp(w.root, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return path, nil
}

// CreateTempDir creates a uniquely named subdirectory inside the workspace.
func (w *Workspace) CreateTempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(w.root, sanitizeName(prefix)+"_*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	return dir, nil
}

// DeleteTempFile removes a file or directory created by this workspace.
// Deleting a path that is already gone is not an error. Paths outside the
// workspace root are refused with ErrOutsideWorkspace.
func (w *Workspace) DeleteTempFile(path string) error {
	if path == "" {
		return nil
	}
	if !w.contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// DeleteAll removes every given path, logging failures instead of stopping.
// Used by workers to release a job's scratch files regardless of outcome.
func (w *Workspace) DeleteAll(paths ...string) {
	for _, p := range paths {
		if err := w.DeleteTempFile(p); err != nil {
			w.logger.Warn("failed to remove temp file", "path", p, "error", err)
		}
	}
}

// Stats walks the workspace and reports file counts and sizes. Files whose
// modification time is older than oldAge are counted as old.
func (w *Workspace) Stats(oldAge time.Duration) (Stats, error) {
	var stats Stats
	cutoff := time.Now().Add(-oldAge)

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk while workers clean up.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
		if info.ModTime().Before(cutoff) {
			stats.OldFiles++
			stats.OldFilesSizeBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walking workspace: %w", err)
	}
	return stats, nil
}

// CleanupOldFiles removes every file older than maxAge and prunes empty
// subdirectories left behind. It keeps going after individual failures and
// returns the first error encountered alongside what it did remove.
func (w *Workspace) CleanupOldFiles(maxAge time.Duration) (removed int, freed int64, firstErr error) {
	cutoff := time.Now().Add(-maxAge)

	var emptyDirs []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != w.root {
				emptyDirs = append(emptyDirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove old temp file", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		removed++
		freed += info.Size()
		return nil
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}

	// Deepest first so nested empties collapse. os.Remove refuses non-empty
	// directories, which is exactly what we want here.
	for i := len(emptyDirs) - 1; i >= 0; i-- {
		_ = os.Remove(emptyDirs[i])
	}

	return removed, freed, firstErr
}

func (w *Workspace) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// sanitizeName strips path separators so callers cannot smuggle directories
// into temp file patterns.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, string(filepath.Separator), "-")
	if name == "" {
		name = "tmp"
	}
	return name
}
