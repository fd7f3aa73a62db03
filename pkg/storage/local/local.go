// Package local implements storage.Backend on the filesystem. It is the
// default backend and the staging area even when a cloud backend is
// configured.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/minutehq/minute/pkg/storage"
)

// Backend stores objects as files under a root directory.
type Backend struct {
	root string
}

var _ storage.Backend = (*Backend)(nil)

// New creates the root directory if needed and returns a backend rooted there.
func New(root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("local: root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root: %w", err)
	}
	return &Backend{root: root}, nil
}

// Root returns the backing directory.
func (b *Backend) Root() string { return b.root }

// path maps a key onto the root, rejecting escapes.
func (b *Backend) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("local: invalid key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *Backend) UploadFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("local: read %s: %w", localPath, err)
	}
	return b.UploadBytes(ctx, key, data)
}

func (b *Backend) UploadBytes(_ context.Context, key string, data []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("local: create dir: %w", err)
	}
	// Write-then-rename so readers never observe a partial object.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("local: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local: rename %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DownloadFile(ctx context.Context, key, localPath string) error {
	data, err := b.DownloadBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("local: create dir: %w", err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("local: write %s: %w", localPath, err)
	}
	return nil
}

func (b *Backend) DownloadBytes(_ context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("local: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local: read %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) ListFiles(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) CopyFile(_ context.Context, srcKey, dstKey string) error {
	src, err := b.path(srcKey)
	if err != nil {
		return err
	}
	dst, err := b.path(dstKey)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local: %s: %w", srcKey, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("local: open %s: %w", srcKey, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("local: create dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("local: create %s: %w", dstKey, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("local: copy %s: %w", dstKey, err)
	}
	return out.Close()
}

func (b *Backend) DeleteFile(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("local: delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DeletePrefix(_ context.Context, prefix string) error {
	p, err := b.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("local: delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (b *Backend) FileExists(_ context.Context, key string) (bool, error) {
	p, err := b.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local: stat %s: %w", key, err)
	}
	return true, nil
}

func (b *Backend) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrNotSupported
}

func (b *Backend) Name() string { return "local" }
