package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟一个静态制品源站：按路径返回预置文件，可限速或在中途断开。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu         sync.Mutex
	requests   []RecordedRequest
	files      map[string][]byte
	chunkDelay time.Duration
	truncate   map[string]int
}

// RecordedRequest 捕获每次请求的方法/路径/Host/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
}

const stubChunk = 4 * 1024

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{
		files:    make(map[string][]byte),
		truncate: make(map[string]int),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.serve)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(stub.Close)

	return stub
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// put 注册一个制品。
func (s *upstreamStub) put(path string, body []byte) {
	s.mu.Lock()
	s.files[path] = body
	s.mu.Unlock()
}

// throttle 让 GET 每写出一个分块后暂停 d，使下载持续足够久以便并发请求重叠。
func (s *upstreamStub) throttle(d time.Duration) {
	s.mu.Lock()
	s.chunkDelay = d
	s.mu.Unlock()
}

// truncateNext 让下一次针对 path 的 GET 写出 after 字节后直接断开连接。
func (s *upstreamStub) truncateNext(path string, after int) {
	s.mu.Lock()
	s.truncate[path] = after
	s.mu.Unlock()
}

func (s *upstreamStub) serve(w http.ResponseWriter, r *http.Request) {
	s.recordRequest(r)

	s.mu.Lock()
	body, ok := s.files[r.URL.Path]
	delay := s.chunkDelay
	cut, truncated := s.truncate[r.URL.Path]
	if truncated && r.Method == http.MethodGet {
		delete(s.truncate, r.URL.Path)
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if truncated && r.Method == http.MethodGet {
		_, _ = w.Write(body[:cut])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
		return
	}

	reader := bytes.NewReader(body)
	buf := make([]byte, stubChunk)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		if err == io.EOF {
			return
		}
	}
}

func (s *upstreamStub) recordRequest(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    r.Host,
		Headers: r.Header.Clone(),
	})
	s.mu.Unlock()
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// count 统计指定方法与路径的请求次数。
func (s *upstreamStub) count(method, path string) int {
	n := 0
	for _, req := range s.Requests() {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}
