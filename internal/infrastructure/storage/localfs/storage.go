package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrInvalidKey = errors.New("invalid storage key")

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./exports"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

func (s *Storage) Root() string {
	return s.basePath
}

// Path maps a slash separated key onto the filesystem. Absolute keys and
// keys escaping the root are rejected.
func (s *Storage) Path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

func (s *Storage) Save(ctx context.Context, key string, data io.Reader) error {
	w, err := s.Create(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func (s *Storage) Create(_ context.Context, key string) (io.WriteCloser, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.Path(key)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *Storage) Remove(_ context.Context, key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Storage) RemoveAll(_ context.Context, key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if p == s.basePath {
		return fmt.Errorf("%w: refusing to remove storage root", ErrInvalidKey)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("remove dir: %w", err)
	}
	return nil
}

func (s *Storage) MkdirAll(_ context.Context, key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return nil
}

// List returns the regular file names directly under dir, sorted.
func (s *Storage) List(_ context.Context, dir string) ([]string, error) {
	p, err := s.Path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Storage) Rename(_ context.Context, from, to string) error {
	src, err := s.Path(from)
	if err != nil {
		return err
	}
	dst, err := s.Path(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// Import copies a file from outside the store, keeping its mode and
// modification time.
func (s *Storage) Import(ctx context.Context, srcPath, key string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", srcPath)
	}

	if err := s.Save(ctx, key, src); err != nil {
		return err
	}
	dst, _ := s.Path(key)
	_ = os.Chmod(dst, info.Mode().Perm())
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("preserve mod time: %w", err)
	}
	return nil
}

// Entry describes a top-level item of the store for retention sweeps.
type Entry struct {
	Key     string
	IsDir   bool
	ModTime time.Time
}

// Entries lists items directly under the storage root.
func (s *Storage) Entries(_ context.Context) ([]Entry, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		info, err := it.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: it.Name(), IsDir: it.IsDir(), ModTime: info.ModTime()})
	}
	return out, nil
}
