package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minutehq/minute/internal/config"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  listen_addr: \":7070\"\n")

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":7070" {
		t.Errorf("listen_addr = %q, want :7070", got)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	var calls atomic.Int32
	changed := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		calls.Add(1)
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate-proof: ensure mtime differs even on coarse filesystems.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "server:\n  log_level: debug\n")
	now := time.Now()
	os.Chtimes(path, now, now)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("change not detected")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log_level = %q, want debug", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: warn\n")

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "server:\n  log_level: shouty\n")
	now := time.Now()
	os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log_level = %q, want the previous valid value", got)
	}
}
