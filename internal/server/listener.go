package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cache-proxy/internal/config"
)

// ConnHandler describes the component that owns a single client connection
// from first byte to close. It allows injecting fake handlers during tests.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to the ConnHandler interface.
type ConnHandlerFunc func(context.Context, net.Conn)

// Handle makes ConnHandlerFunc satisfy ConnHandler.
func (f ConnHandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Options controls how the accept loop schedules connections.
type Options struct {
	Logger  *logrus.Logger
	Handler ConnHandler
	Mode    config.ConnectionMode
	// MaxConnections 仅在 concurrent 模式下生效，0 表示不限制。
	MaxConnections int
}

// Server 持有监听循环的调度参数，每个连接交给同一个 ConnHandler 处理。
type Server struct {
	logger  *logrus.Logger
	handler ConnHandler
	mode    config.ConnectionMode
	slots   chan struct{}
	wg      sync.WaitGroup
}

// New 校验依赖并构建 Server。
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("connection handler is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = config.ConnectionModeConcurrent
	}
	if mode != config.ConnectionModeConcurrent && mode != config.ConnectionModeSequential {
		return nil, fmt.Errorf("unsupported connection mode: %s", mode)
	}
	if opts.MaxConnections < 0 {
		return nil, fmt.Errorf("invalid max connections: %d", opts.MaxConnections)
	}

	s := &Server{
		logger:  opts.Logger,
		handler: opts.Handler,
		mode:    mode,
	}
	if mode == config.ConnectionModeConcurrent && opts.MaxConnections > 0 {
		s.slots = make(chan struct{}, opts.MaxConnections)
	}
	return s, nil
}

// ListenAndServe 监听 addr 并调用 Serve。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上接受连接直到 ctx 结束。ctx 结束时关闭监听并等待在途连接完成，返回 nil；
// 在途请求本身不会被取消。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
		"mode":   string(s.mode),
	}).Info("代理服务启动")

	handlerCtx := context.WithoutCancel(ctx)
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.WithField("action", "shutdown").Info("监听已关闭，等待在途连接")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			tempDelay = nextAcceptDelay(tempDelay)
			s.logger.WithFields(logrus.Fields{
				"action": "accept",
				"error":  err.Error(),
				"retry":  tempDelay.String(),
			}).Warn("accept_failed")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if s.mode == config.ConnectionModeSequential {
			s.handler.Handle(handlerCtx, conn)
			continue
		}

		if !s.acquireSlot(ctx) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseSlot()
			s.handler.Handle(handlerCtx, conn)
		}()
	}
}

func (s *Server) acquireSlot(ctx context.Context) bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// nextAcceptDelay 与 net/http 相同的 accept 退避：5ms 起步，翻倍，封顶 1s。
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	next := prev * 2
	if next > time.Second {
		next = time.Second
	}
	return next
}
