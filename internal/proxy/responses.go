package proxy

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// 代理自身合成的三种响应，其余情况一律原样透传源站字节。
const (
	HitHeader             = "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n"
	InternalErrorResponse = "HTTP/1.0 500 Internal Server Error\r\nContent-Type: text/html\r\n\r\n"
	NotFoundResponse      = "HTTP/1.0 404 Not Found\r\nContent-Type: text/html\r\n\r\n<html><body><h1>404 Not Found</h1></body></html>\r\n"
)

var (
	// ErrCacheRead 命中但条目不可读，客户端收到 500。
	ErrCacheRead = errors.New("cache read failed")
	// ErrOriginConnect 无法连接源站，客户端收到 404。
	ErrOriginConnect = errors.New("origin connect failed")
	// ErrOriginIO 与源站交换数据失败，客户端收到 404。
	ErrOriginIO = errors.New("origin i/o failed")
	// ErrCacheWrite 缓存文件创建或写入失败，按回源失败处理。
	ErrCacheWrite = errors.New("cache write failed")
	// ErrClientWrite 写客户端失败，仅记录日志。
	ErrClientWrite = errors.New("client write failed")
)

// sniffStatus 从源站首个数据块中提取状态码，仅用于日志；无法识别时返回 0。
func sniffStatus(chunk []byte) int {
	line, _, _ := bytes.Cut(chunk, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0
	}
	return code
}
