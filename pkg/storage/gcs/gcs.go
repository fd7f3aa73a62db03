// Package gcs implements storage.Backend on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/minutehq/minute/pkg/storage"
)

// Backend stores objects in one bucket, optionally under a fixed prefix.
type Backend struct {
	client *gstorage.Client
	bucket string
	prefix string
}

var _ storage.Backend = (*Backend)(nil)

// New connects to the bucket using application default credentials. prefix,
// when non-empty, is prepended to every key.
func New(ctx context.Context, bucket, prefix string) (*Backend, error) {
	if bucket == "" {
		return nil, errors.New("gcs: bucket must not be empty")
	}
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return &Backend{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close releases the underlying client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) object(key string) *gstorage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.prefix + key)
}

func (b *Backend) UploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("gcs: open %s: %w", localPath, err)
	}
	defer f.Close()
	return b.write(ctx, key, f)
}

func (b *Backend) UploadBytes(ctx context.Context, key string, data []byte) error {
	w := b.object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: finish %s: %w", key, err)
	}
	return nil
}

func (b *Backend) write(ctx context.Context, key string, r io.Reader) error {
	w := b.object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("gcs: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: finish %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DownloadFile(ctx context.Context, key, localPath string) error {
	r, err := b.object(key).NewReader(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return fmt.Errorf("gcs: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("gcs: read %s: %w", key, err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("gcs: create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("gcs: download %s: %w", key, err)
	}
	return f.Close()
}

func (b *Backend) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gcs: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs: read %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: download %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &gstorage.Query{Prefix: b.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs: list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name[len(b.prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) CopyFile(ctx context.Context, srcKey, dstKey string) error {
	src := b.object(srcKey)
	if _, err := b.object(dstKey).CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return fmt.Errorf("gcs: %s: %w", srcKey, storage.ErrNotFound)
		}
		return fmt.Errorf("gcs: copy %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (b *Backend) DeleteFile(ctx context.Context, key string) error {
	err := b.object(key).Delete(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return fmt.Errorf("gcs: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("gcs: delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.ListFiles(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.DeleteFile(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (b *Backend) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs: stat %s: %w", key, err)
	}
	return true, nil
}

func (b *Backend) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	u, err := b.client.Bucket(b.bucket).SignedURL(b.prefix+key, &gstorage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  gstorage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("gcs: sign %s: %w", key, err)
	}
	return u, nil
}

func (b *Backend) Name() string { return "gcs" }
