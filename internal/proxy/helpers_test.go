package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/cache-proxy/internal/cache"
	"github.com/any-hub/cache-proxy/internal/logging"
)

// readStep 描述 scriptedConn 的一次 Read：返回 data 或 err。
type readStep struct {
	data string
	err  error
}

// scriptedConn 按脚本返回读取结果，并记录所有写入，用作假的客户端或源站连接。
type scriptedConn struct {
	mu      sync.Mutex
	reads   []readStep
	written bytes.Buffer
	closed  bool
}

func newScriptedConn(steps ...readStep) *scriptedConn {
	return &scriptedConn{reads: steps}
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	step := &c.reads[0]
	if step.err != nil {
		c.reads = c.reads[1:]
		return 0, step.err
	}
	n := copy(p, step.data)
	step.data = step.data[n:]
	if step.data == "" {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.written.Write(p)
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *scriptedConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptedConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *scriptedConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *scriptedConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeDialer 依次返回预置连接，并记录拨号地址。
type fakeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	err   error
	addrs []string
}

func (d *fakeDialer) DialContext(_ context.Context, _ string, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, address)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no scripted origin connection")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

// originStub 是一个原始 TCP 源站模拟器：记录请求头并按顺序返回预置响应，随后关闭连接。
type originStub struct {
	listener  net.Listener
	responses []string
	delay     time.Duration

	mu       sync.Mutex
	requests []string
	wg       sync.WaitGroup
}

func newOriginStub(t *testing.T, responses ...string) *originStub {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	stub := &originStub{listener: listener, responses: responses}
	stub.wg.Add(1)
	go stub.serve()
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *originStub) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	var head strings.Builder
	for {
		line, err := reader.ReadString('\n')
		head.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
	}

	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, head.String())
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	if idx >= 0 {
		_, _ = io.WriteString(conn, s.responses[idx])
	}
}

func (s *originStub) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *originStub) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *originStub) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

// faultyStore 包装真实 Store，用于注入读/写失败。
type faultyStore struct {
	cache.Store
	readErr   error
	createErr error
	writeErr  error
}

func (s *faultyStore) Get(ctx context.Context, key string) (*cache.ReadResult, error) {
	result, err := s.Store.Get(ctx, key)
	if err != nil || s.readErr == nil {
		return result, err
	}
	result.Reader.Close()
	result.Reader = io.NopCloser(errReader{err: s.readErr})
	return result, nil
}

func (s *faultyStore) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	w, err := s.Store.Create(ctx, key)
	if err != nil || s.writeErr == nil {
		return w, err
	}
	return failingWriter{WriteCloser: w, err: s.writeErr}, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type failingWriter struct {
	io.WriteCloser
	err error
}

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestHandler(t *testing.T, dialer Dialer, store cache.Store, opts Options) *Handler {
	t.Helper()
	return NewHandler(dialer, logging.NewDiscardLogger(), store, opts)
}

func seedEntry(t *testing.T, store cache.Store, key, payload string) {
	t.Helper()
	w, err := store.Create(context.Background(), key)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := io.WriteString(w, payload); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

// memJournal 在内存中保存回源记录，按写入顺序追加。
type memJournal struct {
	mu      sync.Mutex
	records []cache.FetchRecord
	err     error
}

func (j *memJournal) Record(_ context.Context, rec cache.FetchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) Lookup(_ context.Context, key string) (*cache.FetchRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.records) - 1; i >= 0; i-- {
		if j.records[i].Key == key {
			rec := j.records[i]
			return &rec, nil
		}
	}
	return nil, cache.ErrNotFound
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) Records() []cache.FetchRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]cache.FetchRecord(nil), j.records...)
}
