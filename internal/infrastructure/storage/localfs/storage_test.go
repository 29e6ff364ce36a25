package localfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStorageSaveOpenListRemove(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}

	if err := store.Save(ctx, "task/b.jpg", strings.NewReader("bbb")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "task/a.png", strings.NewReader("a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.MkdirAll(ctx, "task/nested"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	names, err := store.List(ctx, "task")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(names, ",") != "a.png,b.jpg" {
		t.Fatalf("unexpected listing: %v", names)
	}

	rc, err := store.Open(ctx, "task/b.jpg")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "bbb" {
		t.Fatalf("unexpected body %q", body)
	}

	if ok, _ := store.Exists(ctx, "task/nested"); ok {
		t.Fatalf("directories must not report as existing files")
	}
	if err := store.Remove(ctx, "task/b.jpg"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := store.Exists(ctx, "task/b.jpg"); ok {
		t.Fatalf("expected removed file to be gone")
	}
	if err := store.RemoveAll(ctx, "task"); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "task")); !os.IsNotExist(err) {
		t.Fatalf("expected task dir removed, got %v", err)
	}
}

func TestStorageRejectsEscapingKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", `a\b`, "task/../other"} {
		if _, err := store.Path(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
	if err := store.RemoveAll(context.Background(), "."); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected root removal to be refused, got %v", err)
	}
}

func TestStorageImportPreservesModTime(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "cam1.jpg")
	if err := os.WriteFile(src, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := store.Import(ctx, src, "task/cam1.jpg"); err != nil {
		t.Fatalf("import: %v", err)
	}
	dst, _ := store.Path("task/cam1.jpg")
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(stamp) {
		t.Fatalf("expected mod time %v, got %v", stamp, info.ModTime())
	}

	if err := store.Import(ctx, filepath.Join(srcDir, "missing.jpg"), "task/missing.jpg"); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestStorageEntries(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	_ = store.MkdirAll(ctx, "task")
	_ = store.Save(ctx, "coco_export_x.zip", strings.NewReader("z"))

	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	dirs := 0
	for _, e := range entries {
		if e.IsDir {
			dirs++
		}
	}
	if dirs != 1 {
		t.Fatalf("expected one directory entry, got %+v", entries)
	}
}

func TestStorageRenameReplacesTarget(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "a.zip", strings.NewReader("old")); err != nil {
		t.Fatalf("save target: %v", err)
	}
	served, err := store.Open(ctx, "a.zip")
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	defer served.Close()

	if err := store.Save(ctx, "a.zip.1.part", strings.NewReader("new")); err != nil {
		t.Fatalf("save staged: %v", err)
	}
	if err := store.Rename(ctx, "a.zip.1.part", "a.zip"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if ok, _ := store.Exists(ctx, "a.zip.1.part"); ok {
		t.Fatalf("staged file must be gone after rename")
	}
	raw, err := io.ReadAll(served)
	if err != nil || string(raw) != "old" {
		t.Fatalf("open reader must keep the old content, got %q, %v", raw, err)
	}
	rc, err := store.Open(ctx, "a.zip")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rc.Close()
	if raw, _ := io.ReadAll(rc); string(raw) != "new" {
		t.Fatalf("expected replaced content, got %q", raw)
	}
	if err := store.Rename(ctx, "a.zip", "../escape.zip"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
