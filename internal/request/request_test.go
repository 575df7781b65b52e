package request

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseCacheKeys(t *testing.T) {
	testCases := []struct {
		name string
		line string
		host string
		path string
		key  string
	}{
		{"absolute url", "GET http://example.com/foo HTTP/1.1", "example.com", "foo", "example.com_foo"},
		{"host only", "GET example.com HTTP/1.1", "example.com", "index.html", "example.com_index.html"},
		{"trailing slash", "GET http://example.com/ HTTP/1.0", "example.com", "index.html", "example.com_index.html"},
		{"port and nested path", "GET example.com:8080/a/b HTTP/1.1", "example.com:8080", "a/b", "example.com_8080_a_b"},
		{"https scheme stripped", "GET https://example.com/x.html HTTP/1.1", "example.com", "x.html", "example.com_x.html"},
		{"no version token", "HEAD http://example.com/foo", "example.com", "foo", "example.com_foo"},
		{"query kept in path", "GET http://example.com/a?b=c/d HTTP/1.1", "example.com", "a?b=c/d", "example.com_a?b=c_d"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Parse(tc.line)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if req.Host != tc.host {
				t.Fatalf("host mismatch: want %q got %q", tc.host, req.Host)
			}
			if req.Path != tc.path {
				t.Fatalf("path mismatch: want %q got %q", tc.path, req.Path)
			}
			if req.CacheKey != tc.key {
				t.Fatalf("cache key mismatch: want %q got %q", tc.key, req.CacheKey)
			}
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	a, err := Parse("GET http://example.com/foo/bar HTTP/1.1")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	b, err := Parse("POST example.com/foo/bar HTTP/1.0")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if a.CacheKey != b.CacheKey {
		t.Fatalf("same host/path should share a key: %q vs %q", a.CacheKey, b.CacheKey)
	}
	if b.Method != "POST" {
		t.Fatalf("method should be preserved, got %q", b.Method)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	for _, line := range []string{"", "   ", "GET", "GET\t"} {
		if _, err := Parse(line); !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("expected ErrMalformedRequest for %q, got %v", line, err)
		}
	}
}

func TestParseAcceptsUnvalidatedHost(t *testing.T) {
	req, err := Parse("GET http:///only-path HTTP/1.1")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if req.Host != "" || req.Path != "only-path" {
		t.Fatalf("unexpected split: host=%q path=%q", req.Host, req.Path)
	}
	if req.CacheKey != "_only-path" {
		t.Fatalf("unexpected key %q", req.CacheKey)
	}
}

func TestOriginRequest(t *testing.T) {
	req, err := Parse("GET http://example.com:8080/a/b HTTP/1.1")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	want := "GET /a/b HTTP/1.0\r\nHost: example.com:8080\r\n\r\n"
	if got := req.OriginRequest(); got != want {
		t.Fatalf("origin request mismatch:\nwant %q\ngot  %q", want, got)
	}
}

func TestReadLine(t *testing.T) {
	line, err := ReadLine(strings.NewReader("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"), 4096)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if line != "GET http://example.com/ HTTP/1.1" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestReadLineWithoutTerminator(t *testing.T) {
	line, err := ReadLine(strings.NewReader("GET example.com"), 4096)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if line != "GET example.com" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestReadLineTruncatesAtLimit(t *testing.T) {
	raw := "GET http://example.com/" + strings.Repeat("a", 100) + " HTTP/1.1\r\n"
	line, err := ReadLine(strings.NewReader(raw), 32)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if len(line) != 32 {
		t.Fatalf("expected 32 bytes, got %d (%q)", len(line), line)
	}
}

func TestReadLineEmpty(t *testing.T) {
	if _, err := ReadLine(strings.NewReader(""), 4096); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if _, err := ReadLine(timeoutReader{}, 4096); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest on timeout, got %v", err)
	}
}

func TestReadLineReturnsAfterFirstChunk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// 不发送换行也不关闭连接
		_, _ = io.WriteString(client, "GET http://example.com/slow")
	}()

	done := make(chan struct{})
	var (
		line string
		err  error
	)
	go func() {
		line, err = ReadLine(server, 4096)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadLine should return once data arrives")
	}
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if line != "GET http://example.com/slow" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestReadLineRejectsBadLimit(t *testing.T) {
	if _, err := ReadLine(strings.NewReader("GET / HTTP/1.0\r\n"), 0); err == nil {
		t.Fatalf("zero limit should fail")
	}
}

type timeoutReader struct{}

func (timeoutReader) Read([]byte) (int, error) {
	return 0, timeoutError{}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
