package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultPath 在目标未携带路径时使用。
const DefaultPath = "index.html"

const schemeSeparator = "://"

var (
	// ErrEmptyRequest 表示客户端未发送任何字节即关闭或超时。
	ErrEmptyRequest = errors.New("empty request")
	// ErrMalformedRequest 表示请求行缺少方法或目标。
	ErrMalformedRequest = errors.New("malformed request line")
)

// Request 是一次连接解析后的不可变结果。
type Request struct {
	Method    string
	RawTarget string
	// Host 为去掉协议头后的 host[:port]。
	Host string
	// Path 不含前导斜杠，缺省为 index.html。
	Path     string
	CacheKey string
}

// Parse 将请求行解析为 Request，只识别前两个以空白分隔的字段。
func Parse(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Request{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}

	method, rawTarget := fields[0], fields[1]

	target := rawTarget
	if idx := strings.Index(target, schemeSeparator); idx >= 0 {
		target = target[idx+len(schemeSeparator):]
	}

	host, path, _ := strings.Cut(target, "/")
	if path == "" {
		path = DefaultPath
	}

	return Request{
		Method:    method,
		RawTarget: rawTarget,
		Host:      host,
		Path:      path,
		CacheKey:  CacheKey(host, path),
	}, nil
}

// CacheKey 将 host 与 path 折叠为扁平目录下可用的文件名。
func CacheKey(host, path string) string {
	return strings.ReplaceAll(host, ":", "_") + "_" + strings.ReplaceAll(path, "/", "_")
}

// OriginRequest 构造发往源站的 HTTP/1.0 请求头。
func (r Request) OriginRequest() string {
	return fmt.Sprintf("%s /%s HTTP/1.0\r\nHost: %s\r\n\r\n", r.Method, r.Path, r.Host)
}

// maxEmptyReads 限制连续返回 (0, nil) 的读取次数，与 bufio 的处理一致。
const maxEmptyReads = 100

// ReadLine 对 r 做一次最多 limit 字节的读取，返回其中的首行（去掉 CRLF）。
// 只要读到数据就立即返回，不等待换行；首行跨多个 TCP 段时只保留第一段。
func ReadLine(r io.Reader, limit int) (string, error) {
	if limit <= 0 {
		return "", fmt.Errorf("invalid read limit: %d", limit)
	}
	buf := make([]byte, limit)
	var (
		n   int
		err error
	)
	for i := 0; i < maxEmptyReads && n == 0 && err == nil; i++ {
		n, err = r.Read(buf)
	}
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return "", ErrEmptyRequest
		}
		return "", fmt.Errorf("%w: %v", ErrEmptyRequest, err)
	}
	line, _, _ := bytes.Cut(buf[:n], []byte("\n"))
	return strings.TrimRight(string(line), "\r\n"), nil
}
