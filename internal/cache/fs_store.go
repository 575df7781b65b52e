package cache

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
	"syscall"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &fileStore{basePath: abs}, nil
}

type fileStore struct {
	basePath string
}

func (s *fileStore) Dir() string {
	return s.basePath
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if absent(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *fileStore) Stat(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if absent(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	entry := entryFromInfo(key, filePath, info)
	return &entry, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// 列举期间被删除的文件直接跳过
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entryFromInfo(de.Name(), filepath.Join(s.basePath, de.Name()), info))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// entryPath 将 key 映射为 basePath 下的单层文件，拒绝任何可能逃逸目录的写法。
func (s *fileStore) entryPath(key string) (string, error) {
	if key == "" || key == "." || key == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, "/\x00") || strings.ContainsRune(key, filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.basePath, key), nil
}

// absent 判断错误是否意味着条目不可能存在：文件缺失或文件名超出文件系统限制。
func absent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENAMETOOLONG)
}

func entryFromInfo(key, filePath string, info fs.FileInfo) Entry {
	return Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}
}
