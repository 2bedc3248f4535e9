package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/pullstream/internal/settings"
)

func TestResolveDestination(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := settings.Open(filepath.Join(dir, "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	path, saveDir, err := resolveDestination(ctx, store, "https://x/a.iso", filepath.Join(dir, "out.iso"), false)
	if err != nil || path != filepath.Join(dir, "out.iso") || saveDir != "" {
		t.Errorf("single file save: got %q %q %v", path, saveDir, err)
	}
	path, saveDir, _ = resolveDestination(ctx, store, "https://x/a.iso", dir, false)
	if path != "" || saveDir != dir {
		t.Errorf("existing directory should be a save directory, got %q %q", path, saveDir)
	}
	path, saveDir, _ = resolveDestination(ctx, store, "https://x/a.iso", "batch", true)
	if path != "" || saveDir != "batch" {
		t.Errorf("several files should use a save directory, got %q %q", path, saveDir)
	}

	store.Put(ctx, "iso", "/images")
	store.Put(ctx, settings.DefaultKey, "/downloads")
	if _, saveDir, _ = resolveDestination(ctx, store, "https://x/a.iso?sig=1", "", false); saveDir != "/images" {
		t.Errorf("expected extension lookup, got %q", saveDir)
	}
	if _, saveDir, _ = resolveDestination(ctx, store, "https://x/a.zip", "", false); saveDir != "/downloads" {
		t.Errorf("expected default lookup, got %q", saveDir)
	}

	wd, _ := os.Getwd()
	if _, saveDir, _ = resolveDestination(ctx, nil, "https://x/a.zip", "", false); saveDir != wd {
		t.Errorf("expected working directory, got %q", saveDir)
	}
}
