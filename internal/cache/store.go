package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理扁平缓存目录的读写。磁盘布局遵循：
//
//	<CacheDir>/<CacheKey>    # 源站原始响应字节
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Create 创建（或截断）条目文件并返回写入端。写入直接落在最终文件上，
	// 中途失败时已写入的内容保持原样。
	Create(ctx context.Context, key string) (io.WriteCloser, error)

	// Stat 返回条目的文件信息，不存在时返回 ErrNotFound。
	Stat(ctx context.Context, key string) (*Entry, error)

	// List 返回目录下全部条目，按 key 排序。
	List(ctx context.Context) ([]Entry, error)

	// Dir 返回缓存根目录的绝对路径。
	Dir() string
}

// Entry 描述一个缓存条目及其文件信息。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 key 无法映射为扁平目录中的文件名。
	ErrInvalidKey = errors.New("invalid cache key")
)
