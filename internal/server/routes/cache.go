package routes

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cache-proxy/internal/cache"
	"github.com/any-hub/cache-proxy/internal/config"
	"github.com/any-hub/cache-proxy/internal/version"
)

// RegisterStatusRoutes 暴露 /-/status，汇总监听参数与缓存目录概况。
func RegisterStatusRoutes(app *fiber.App, cfg *config.Config, store cache.Store) {
	if app == nil || cfg == nil || store == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		entries, err := store.List(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		var total int64
		for _, entry := range entries {
			total += entry.SizeBytes
		}
		return c.JSON(statusPayload{
			Version:        version.Full(),
			Listen:         cfg.Global.ListenAddr(),
			CacheDir:       store.Dir(),
			ConnectionMode: string(cfg.Global.ConnectionMode),
			MaxConnections: cfg.Global.MaxConnections,
			BufferSize:     cfg.Global.BufferSize,
			OriginPort:     cfg.Origin.Port,
			Entries:        len(entries),
			TotalBytes:     total,
		})
	})
}

// RegisterCacheRoutes 暴露只读的缓存条目查询接口，不提供删除能力。
// journal 可为 nil，此时详情中不包含最近一次回源记录。
func RegisterCacheRoutes(app *fiber.App, store cache.Store, journal cache.Journal) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		entries, err := store.List(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": encodeEntries(entries),
		})
	})

	app.Get("/-/cache/:key", func(c fiber.Ctx) error {
		key, err := url.PathUnescape(c.Params("key"))
		if err != nil || key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		}
		entry, err := store.Stat(requestContext(c), key)
		switch {
		case err == nil:
			payload := encodeEntry(*entry)
			payload.LastFetch = lookupFetch(requestContext(c), journal, key)
			return c.JSON(payload)
		case errors.Is(err, cache.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		case errors.Is(err, cache.ErrInvalidKey):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stat_failed"})
		}
	})
}

type statusPayload struct {
	Version        string `json:"version"`
	Listen         string `json:"listen"`
	CacheDir       string `json:"cache_dir"`
	ConnectionMode string `json:"connection_mode"`
	MaxConnections int    `json:"max_connections"`
	BufferSize     int    `json:"buffer_size"`
	OriginPort     int    `json:"origin_port"`
	Entries        int    `json:"entries"`
	TotalBytes     int64  `json:"total_bytes"`
}

type entryPayload struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   string `json:"mod_time"`

	LastFetch *cache.FetchRecord `json:"last_fetch,omitempty"`
}

func encodeEntries(entries []cache.Entry) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, encodeEntry(entry))
	}
	return result
}

func encodeEntry(entry cache.Entry) entryPayload {
	return entryPayload{
		Key:       entry.Key,
		SizeBytes: entry.SizeBytes,
		ModTime:   entry.ModTime.UTC().Format(time.RFC3339),
	}
}

// lookupFetch 查询失败时返回 nil，回源记录只是附加信息。
func lookupFetch(ctx context.Context, journal cache.Journal, key string) *cache.FetchRecord {
	if journal == nil {
		return nil
	}
	rec, err := journal.Lookup(ctx, key)
	if err != nil {
		return nil
	}
	return rec
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
