package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// FetchRecord 记录某个 key 最近一次回源的结果。Complete 为 false 表示条目文件
// 可能只包含部分响应，但命中判定仍只看文件是否存在。
type FetchRecord struct {
	Key          string    `json:"key"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	OriginStatus int       `json:"origin_status"`
	Bytes        int64     `json:"bytes"`
	Complete     bool      `json:"complete"`
	Error        string    `json:"error,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Journal 保存回源记录，供诊断接口查询。
type Journal interface {
	Record(ctx context.Context, rec FetchRecord) error
	Lookup(ctx context.Context, key string) (*FetchRecord, error)
	Close() error
}

// OpenJournal 打开（必要时创建）SQLite 回源日志。
func OpenJournal(path string) (Journal, error) {
	if path == "" {
		return nil, errors.New("journal path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS fetches (
			key TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			origin_status INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			complete INTEGER NOT NULL,
			error TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init journal: %w", err)
		}
	}
	return &sqliteJournal{db: db}, nil
}

type sqliteJournal struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

func (j *sqliteJournal) Record(ctx context.Context, rec FetchRecord) error {
	j.writeMutex.Lock()
	defer j.writeMutex.Unlock()

	complete := 0
	if rec.Complete {
		complete = 1
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO fetches (key, host, path, origin_status, bytes, complete, error, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.Key, rec.Host, rec.Path, rec.OriginStatus, rec.Bytes, complete, rec.Error, rec.FetchedAt.UnixNano(),
	)
	return err
}

func (j *sqliteJournal) Lookup(ctx context.Context, key string) (*FetchRecord, error) {
	var (
		rec       FetchRecord
		complete  int
		fetchedAt int64
	)
	err := j.db.QueryRowContext(ctx,
		"SELECT key, host, path, origin_status, bytes, complete, error, fetched_at FROM fetches WHERE key = ?", key,
	).Scan(&rec.Key, &rec.Host, &rec.Path, &rec.OriginStatus, &rec.Bytes, &complete, &rec.Error, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Complete = complete == 1
	rec.FetchedAt = time.Unix(0, fetchedAt)
	return &rec, nil
}

func (j *sqliteJournal) Close() error {
	return j.db.Close()
}
