package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minutehq/minute/pkg/storage"
	"github.com/minutehq/minute/pkg/storage/local"
)

func newBackend(t *testing.T) *local.Backend {
	t.Helper()
	b, err := local.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestUploadDownloadBytes(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	if err := b.UploadBytes(ctx, "meetings/m1/chunk_00000.pcm", []byte("pcm data")); err != nil {
		t.Fatal(err)
	}
	got, err := b.DownloadBytes(ctx, "meetings/m1/chunk_00000.pcm")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pcm data" {
		t.Fatalf("got %q", got)
	}
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	b := newBackend(t)
	_, err := b.DownloadBytes(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListFilesSortedWithinPrefix(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{
		"meetings/m1/chunk_00001.pcm",
		"meetings/m1/chunk_00000.pcm",
		"meetings/m2/chunk_00000.pcm",
	} {
		if err := b.UploadBytes(ctx, key, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := b.ListFiles(ctx, "meetings/m1/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"meetings/m1/chunk_00000.pcm", "meetings/m1/chunk_00001.pcm"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}
}

func TestCopyDeleteExists(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	if err := b.UploadBytes(ctx, "a/src.wav", []byte("wav")); err != nil {
		t.Fatal(err)
	}
	if err := b.CopyFile(ctx, "a/src.wav", "b/dst.wav"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.FileExists(ctx, "b/dst.wav"); !ok {
		t.Fatal("copied file does not exist")
	}
	if err := b.DeleteFile(ctx, "a/src.wav"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.FileExists(ctx, "a/src.wav"); ok {
		t.Fatal("deleted file still exists")
	}
	if err := b.DeleteFile(ctx, "a/src.wav"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{"m/x.pcm", "m/y.pcm", "other/z.pcm"} {
		if err := b.UploadBytes(ctx, key, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.DeletePrefix(ctx, "m"); err != nil {
		t.Fatal(err)
	}
	if keys, _ := b.ListFiles(ctx, "m/"); len(keys) != 0 {
		t.Fatalf("prefix not deleted: %v", keys)
	}
	if ok, _ := b.FileExists(ctx, "other/z.pcm"); !ok {
		t.Fatal("unrelated object removed")
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	b := newBackend(t)
	if err := b.UploadBytes(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatal("expected an error for a traversal key")
	}
}

func TestUploadFile(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "rec.wav")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.UploadFile(ctx, src, "m/rec.wav"); err != nil {
		t.Fatal(err)
	}
	got, err := b.DownloadBytes(ctx, "m/rec.wav")
	if err != nil || string(got) != "content" {
		t.Fatalf("got %q, %v", got, err)
	}
}
