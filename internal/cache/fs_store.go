package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{basePath: abs}, nil
}

// fileStore 不做内部加锁：同一 Locator 的唯一写者由 lock.Registry 保证，读取端只读。
type fileStore struct {
	basePath string
}

func (s *fileStore) Open(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Create(ctx context.Context, locator Locator) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create cache file: %w", err)
	}

	return &Writer{
		file:     f,
		locator:  locator,
		filePath: filePath,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return Entry{}, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	if info.IsDir() {
		return Entry{}, ErrNotFound
	}

	return Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// entryPath 将 Locator 映射为 basePath/<origin>/<path>，拒绝逃逸出 origin 目录的路径。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	if locator.Origin == "" || strings.HasPrefix(locator.Origin, ".") || strings.ContainsAny(locator.Origin, `/\`) {
		return "", fmt.Errorf("%w: origin %q", ErrInvalidLocator, locator.Origin)
	}

	rel := locator.Path
	if rel == "" || rel == "/" {
		rel = "index"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index"
	}

	root := filepath.Join(s.basePath, locator.Origin)
	filePath := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q", ErrInvalidLocator, locator.Path)
	}
	return filePath, nil
}
