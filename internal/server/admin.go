package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cache-proxy/internal/cache"
	"github.com/any-hub/cache-proxy/internal/config"
	"github.com/any-hub/cache-proxy/internal/server/routes"
)

const contextKeyRequestID = "_cacheproxy_request_id"

// AdminOptions controls the read-only diagnostics application.
type AdminOptions struct {
	Logger *logrus.Logger
	Store  cache.Store
	Config *config.Config
	// Journal 可选，提供条目最近一次回源记录。
	Journal cache.Journal
}

// NewAdminApp builds a Fiber application exposing /-/status and /-/cache
// with request ids and panic recovery.
func NewAdminApp(opts AdminOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	routes.RegisterStatusRoutes(app, opts.Config, opts.Store)
	routes.RegisterCacheRoutes(app, opts.Store, opts.Journal)

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "route_not_found",
			"request_id": RequestID(c),
		})
	})

	return app, nil
}

// ServeAdmin 在 addr 上运行诊断接口，ctx 结束时优雅关闭。
func ServeAdmin(ctx context.Context, app *fiber.App, addr string, logger *logrus.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("诊断接口启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		logger.WithFields(logrus.Fields{
			"action":     "admin",
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"request_id": reqID,
		}).Debug("admin_request")
		return err
	}
}

// RequestID returns the request identifier stored by the admin middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
