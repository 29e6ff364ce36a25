package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

func stringEntry(name, body string) domain.ArchiveEntry {
	return domain.ArchiveEntry{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestZipBuilderWritesFlatDeflateArchive(t *testing.T) {
	var buf bytes.Buffer
	entries := []domain.ArchiveEntry{
		stringEntry("_annotations.coco.json", `{"images":[]}`),
		stringEntry("nested/dir/a.jpg", "jpeg-bytes"),
	}
	if err := NewZipBuilder(-5).Build(context.Background(), &buf, entries); err != nil {
		t.Fatalf("build: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 files, got %d", len(zr.File))
	}
	if zr.File[0].Name != "_annotations.coco.json" || zr.File[1].Name != "a.jpg" {
		t.Fatalf("unexpected names: %s, %s", zr.File[0].Name, zr.File[1].Name)
	}
	if zr.File[1].Method != zip.Deflate {
		t.Fatalf("expected deflate, got %d", zr.File[1].Method)
	}
	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "jpeg-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestZipBuilderPropagatesOpenErrors(t *testing.T) {
	boom := errors.New("gone")
	entries := []domain.ArchiveEntry{{
		Name: "a.jpg",
		Open: func() (io.ReadCloser, error) { return nil, boom },
	}}
	err := NewZipBuilder(6).Build(context.Background(), io.Discard, entries)
	if !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestZipBuilderStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewZipBuilder(6).Build(ctx, io.Discard, []domain.ArchiveEntry{stringEntry("a.jpg", "x")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
