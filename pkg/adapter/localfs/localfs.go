// Package localfs implements pkg/adapter.StorageAdapter over the local
// filesystem, grounded on the teacher's SyncLocalState.Scan (enumeration),
// copyLocalWithTmp (atomic write-then-rename), and calculateETag (hashing),
// generalized behind the adapter contract with SHA-256 content hashes.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/relaysync/syncd/pkg/adapter"
)

// Adapter is a StorageAdapter rooted at a local directory.
type Adapter struct {
	root string
}

// New returns a local filesystem adapter rooted at root. root is created if
// it does not already exist.
func New(root string) (*Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Adapter{root: abs}, nil
}

func (a *Adapter) Name() string { return "localfs:" + a.root }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsTimestamps:   true,
		SupportsPermissions:  true,
		SupportsEtags:        false,
		SupportsSymlinks:     true,
		SupportsAtomicRename: true,
	}
}

// abs resolves a canonical relative path to an absolute filesystem path,
// rejecting anything that escapes the root after cleaning.
func (a *Adapter) abs(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	full := filepath.Join(a.root, clean)
	if full != a.root && !pathHasPrefix(full, a.root) {
		return "", fmt.Errorf("%w: %s escapes root", adapter.ErrInvalidPath, relPath)
	}
	return full, nil
}

func pathHasPrefix(full, root string) bool {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || os.IsPathSeparator(rel[2]))
}

func (a *Adapter) List(ctx context.Context, prefix string) (<-chan adapter.ListResult, error) {
	startDir, err := a.abs(prefix)
	if err != nil {
		return nil, err
	}

	out := make(chan adapter.ListResult, 64)
	go func() {
		defer close(out)

		// Collect then sort so parents are always yielded before children,
		// matching the List contract (spec §4.B).
		var entries []string
		walkErr := filepath.WalkDir(startDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == startDir {
				return nil
			}
			entries = append(entries, path)
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
			select {
			case out <- adapter.ListResult{Err: fmt.Errorf("%w: %v", adapter.ErrTransientIO, walkErr)}:
			case <-ctx.Done():
			}
			return
		}

		sort.Strings(entries)

		for _, path := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}

			info, err := os.Lstat(path)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(a.root, path)
			if err != nil {
				continue
			}
			item := &adapter.SyncItem{
				Path:         filepath.ToSlash(rel),
				IsDirectory:  info.IsDir(),
				Size:         info.Size(),
				LastModified: info.ModTime(),
			}
			select {
			case out <- adapter.ListResult{Item: item}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (a *Adapter) Stat(ctx context.Context, path string) (*adapter.SyncItem, error) {
	full, err := a.abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	return &adapter.SyncItem{
		Path:         path,
		IsDirectory:  info.IsDir(),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (a *Adapter) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := a.abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", adapter.ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	return f, nil
}

// Write stages the stream into a temp file beside the target and atomically
// renames it into place, mirroring the teacher's copyLocalWithTmp.
func (a *Adapter) Write(ctx context.Context, path string, r io.Reader, expectedSize int64) error {
	full, err := a.abs(path)
	if err != nil {
		return err
	}

	parent := filepath.Dir(full)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: create parent: %v", adapter.ErrTransientIO, err)
	}

	tmp, err := os.CreateTemp(parent, "."+filepath.Base(full)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", adapter.ErrTransientIO, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("%w: copy: %v", adapter.ErrTransientIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", adapter.ErrTransientIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", adapter.ErrTransientIO, err)
	}

	if err := os.Rename(tmpPath, full); err != nil {
		return fmt.Errorf("%w: rename: %v", adapter.ErrTransientIO, err)
	}
	success = true
	return nil
}

func (a *Adapter) Delete(ctx context.Context, path string, isDirectory bool) error {
	full, err := a.abs(path)
	if err != nil {
		return err
	}
	var rmErr error
	if isDirectory {
		rmErr = os.RemoveAll(full)
	} else {
		rmErr = os.Remove(full)
	}
	if rmErr != nil && !os.IsNotExist(rmErr) {
		if os.IsPermission(rmErr) {
			return fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, path)
		}
		return fmt.Errorf("%w: %v", adapter.ErrTransientIO, rmErr)
	}
	return nil
}

func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	oldFull, err := a.abs(oldPath)
	if err != nil {
		return err
	}
	newFull, err := a.abs(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return fmt.Errorf("%w: create parent: %v", adapter.ErrTransientIO, err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", adapter.ErrNotFound, oldPath)
		}
		return fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	return nil
}

func (a *Adapter) Hash(ctx context.Context, path string) (string, error) {
	full, err := a.abs(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", adapter.ErrNotFound, path)
		}
		return "", fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SetModTime implements adapter.TimestampSetter.
func (a *Adapter) SetModTime(ctx context.Context, path string, t time.Time) error {
	full, err := a.abs(path)
	if err != nil {
		return err
	}
	if err := os.Chtimes(full, t, t); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", adapter.ErrNotFound, path)
		}
		return fmt.Errorf("%w: %v", adapter.ErrTransientIO, err)
	}
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.root)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
