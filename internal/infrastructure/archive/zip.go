package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// ZipBuilder writes flat Deflate archives.
type ZipBuilder struct {
	level int
}

func NewZipBuilder(level int) *ZipBuilder {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	return &ZipBuilder{level: level}
}

func (b *ZipBuilder) Build(ctx context.Context, w io.Writer, entries []domain.ArchiveEntry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, b.level)
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err := b.add(zw, entry); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

func (b *ZipBuilder) add(zw *zip.Writer, entry domain.ArchiveEntry) error {
	name := path.Base(entry.Name)
	if name == "." || name == "/" || name == "" {
		return fmt.Errorf("invalid archive entry name %q", entry.Name)
	}
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}
