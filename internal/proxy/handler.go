package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cache-proxy/internal/cache"
	"github.com/any-hub/cache-proxy/internal/logging"
	"github.com/any-hub/cache-proxy/internal/request"
)

const (
	defaultBufferSize = 4096
	defaultOriginPort = 80
)

// Dialer 建立到源站的 TCP 连接，*net.Dialer 满足该接口，测试可注入假连接。
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options 汇总 Handler 的运行参数，零值字段使用默认值。
type Options struct {
	// BufferSize 同时限制请求行长度与每次从源站读取的块大小。
	BufferSize int
	// OriginPort 为回源端口，URL 中的端口不会被使用。
	OriginPort int
	// ReadTimeout 限制单次源站 I/O 的空闲时间，0 表示不限制。
	ReadTimeout time.Duration
	// ClientTimeout 限制请求行接收及单次写客户端的时间，0 表示不限制。
	ClientTimeout time.Duration
	// Journal 记录每次回源的结果，nil 时不记录。
	Journal cache.Journal
}

// Handler 负责 orchestrate “检查缓存 → 命中直接返回 / 未命中回源并边写缓存边转发” 的全流程。
// 同一个 key 的读写通过 KeyLocks 串行化：命中持共享锁，回源持独占锁。
type Handler struct {
	dialer Dialer
	logger *logrus.Logger
	store  cache.Store
	locks  cache.KeyLocks
	opts   Options
}

// Result 记录一次请求的处理结果，供日志与测试断言。
type Result struct {
	CacheHit bool
	// Status 为代理自身写出的状态码；透传源站响应时为 0。
	Status int
	// OriginStatus 为源站状态行中的状态码，无法识别时为 0。
	OriginStatus int
	// Bytes 为写给客户端的正文字节数（不含代理合成的头部）。
	Bytes int64
}

// NewHandler constructs a proxy handler with shared dialer/logger/store.
func NewHandler(dialer Dialer, logger *logrus.Logger, store cache.Store, opts Options) *Handler {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.OriginPort <= 0 {
		opts.OriginPort = defaultOriginPort
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		dialer: dialer,
		logger: logger,
		store:  store,
		opts:   opts,
	}
}

// Handle 处理一个客户端连接直到结束并关闭它。任何错误都只影响当前连接。
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	started := time.Now()
	fields := logging.ConnFields(uuid.NewString(), remoteAddr(conn))
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			fields["error"] = fmt.Sprintf("panic: %v", r)
			h.logger.WithFields(fields).Error("proxy_panic")
		}
	}()

	if h.opts.ClientTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
	}
	line, err := request.ReadLine(conn, h.opts.BufferSize)
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Debug("request_empty")
		return
	}

	req, err := request.Parse(line)
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("request_malformed")
		return
	}

	client := deadlineWriter{conn: conn, timeout: h.opts.ClientTimeout}
	result, err := h.Resolve(ctx, client, req)
	h.logResult(logging.RequestFields(fields, req, result.CacheHit), result, started, err)
}

// Resolve 对已解析的请求执行缓存判定，并将响应写入 w。
// 返回的 error 仅用于观测，客户端已收到对应的固定响应。
func (h *Handler) Resolve(ctx context.Context, w io.Writer, req request.Request) (Result, error) {
	release := h.locks.RLock(req.CacheKey)
	cached, err := h.store.Get(ctx, req.CacheKey)
	if err == nil {
		defer release()
		return h.serveCache(w, cached)
	}
	release()
	if !isMiss(err) {
		return h.respondCacheReadError(w, err)
	}

	unlock := h.locks.Lock(req.CacheKey)
	defer unlock()

	// 等待独占锁期间，同 key 的另一次回源可能已经完成
	cached, err = h.store.Get(ctx, req.CacheKey)
	switch {
	case err == nil:
		return h.serveCache(w, cached)
	case !isMiss(err):
		return h.respondCacheReadError(w, err)
	}

	result, err := h.fetchAndStream(ctx, w, req)
	h.recordFetch(ctx, req, result, err)
	return result, err
}

// isMiss 只看条目是否存在：无法作为文件名的 key 同样没有条目，交给回源路径在创建缓存时失败。
func isMiss(err error) bool {
	return errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrInvalidKey)
}

func (h *Handler) serveCache(w io.Writer, cached *cache.ReadResult) (Result, error) {
	defer cached.Reader.Close()

	// 先完整读出条目，读失败时客户端只会收到 500，不会出现半截 200。
	body, err := io.ReadAll(cached.Reader)
	if err != nil {
		return h.respondCacheReadError(w, err)
	}

	result := Result{CacheHit: true, Status: 200}
	bufs := net.Buffers{[]byte(HitHeader), body}
	if _, err := bufs.WriteTo(w); err != nil {
		return result, fmt.Errorf("%w: %v", ErrClientWrite, err)
	}
	result.Bytes = int64(len(body))
	return result, nil
}

func (h *Handler) respondCacheReadError(w io.Writer, cause error) (Result, error) {
	err := fmt.Errorf("%w: %v", ErrCacheRead, cause)
	if _, werr := io.WriteString(w, InternalErrorResponse); werr != nil {
		err = errors.Join(err, fmt.Errorf("%w: %v", ErrClientWrite, werr))
	}
	return Result{CacheHit: true, Status: 500}, err
}

// fetchAndStream 回源并逐块先写缓存、再转发客户端。源站关闭连接即为正常结束。
// 失败时保留已写入的缓存内容，并向客户端追加固定的 404 响应。
func (h *Handler) fetchAndStream(ctx context.Context, w io.Writer, req request.Request) (Result, error) {
	var result Result

	origin, err := h.dialOrigin(ctx, req.Host)
	if err != nil {
		return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrOriginConnect, err))
	}
	defer origin.Close()

	h.setOriginDeadline(origin)
	if _, err := io.WriteString(origin, req.OriginRequest()); err != nil {
		return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrOriginIO, err))
	}

	entry, err := h.store.Create(ctx, req.CacheKey)
	if err != nil {
		return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrCacheWrite, err))
	}
	closed := false
	defer func() {
		if !closed {
			entry.Close()
		}
	}()

	buf := make([]byte, h.opts.BufferSize)
	for {
		h.setOriginDeadline(origin)
		n, rerr := origin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if result.Bytes == 0 {
				result.OriginStatus = sniffStatus(chunk)
			}
			if _, err := entry.Write(chunk); err != nil {
				return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrCacheWrite, err))
			}
			if _, err := w.Write(chunk); err != nil {
				return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrClientWrite, err))
			}
			result.Bytes += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrOriginIO, rerr))
		}
	}

	closed = true
	if err := entry.Close(); err != nil {
		return h.respondFetchError(w, result, fmt.Errorf("%w: %v", ErrCacheWrite, err))
	}
	return result, nil
}

func (h *Handler) recordFetch(ctx context.Context, req request.Request, result Result, fetchErr error) {
	if h.opts.Journal == nil {
		return
	}
	rec := cache.FetchRecord{
		Key:          req.CacheKey,
		Host:         req.Host,
		Path:         req.Path,
		OriginStatus: result.OriginStatus,
		Bytes:        result.Bytes,
		Complete:     fetchErr == nil,
		FetchedAt:    time.Now(),
	}
	if fetchErr != nil {
		rec.Error = fetchErr.Error()
	}
	if err := h.opts.Journal.Record(ctx, rec); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "journal",
			"key":    req.CacheKey,
			"error":  err.Error(),
		}).Warn("journal_record_failed")
	}
}

func (h *Handler) respondFetchError(w io.Writer, result Result, err error) (Result, error) {
	result.Status = 404
	if _, werr := io.WriteString(w, NotFoundResponse); werr != nil && !errors.Is(err, ErrClientWrite) {
		err = errors.Join(err, fmt.Errorf("%w: %v", ErrClientWrite, werr))
	}
	return result, err
}

func (h *Handler) dialOrigin(ctx context.Context, host string) (net.Conn, error) {
	if h.dialer == nil {
		return nil, errors.New("origin dialer unavailable")
	}
	addr, err := originAddress(host, h.opts.OriginPort)
	if err != nil {
		return nil, err
	}
	return h.dialer.DialContext(ctx, "tcp", addr)
}

func (h *Handler) setOriginDeadline(conn net.Conn) {
	if h.opts.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(h.opts.ReadTimeout))
	}
}

func (h *Handler) logResult(fields logrus.Fields, result Result, started time.Time, err error) {
	fields["status"] = result.Status
	fields["origin_status"] = result.OriginStatus
	fields["bytes"] = result.Bytes
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// originAddress 丢弃 host 中的端口，统一连接到 port。
func originAddress(host string, port int) (string, error) {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	} else {
		hostname = strings.Trim(host, "[]")
	}
	if hostname == "" {
		return "", errors.New("empty origin host")
	}
	return net.JoinHostPort(hostname, strconv.Itoa(port)), nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// deadlineWriter 在每次写客户端前刷新写超时。
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}
