package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/config"
	"github.com/any-hub/artifact-proxy/internal/engine"
	"github.com/any-hub/artifact-proxy/internal/lock"
	"github.com/any-hub/artifact-proxy/internal/metadata"
	"github.com/any-hub/artifact-proxy/internal/metrics"
	"github.com/any-hub/artifact-proxy/internal/proxy"
	"github.com/any-hub/artifact-proxy/internal/server"
	"github.com/any-hub/artifact-proxy/internal/server/routes"
)

// proxyEnv 在真实监听端口上运行完整的代理栈：Fiber app + Engine + SQLite + 锁目录。
type proxyEnv struct {
	cfg     *config.Config
	app     *fiber.App
	meta    *metadata.Store
	locks   *lock.Registry
	baseURL string
	client  *http.Client
}

func newProxyEnv(t *testing.T, mutate func(*config.Config), origins ...config.OriginConfig) *proxyEnv {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:           5000,
			StoragePath:          t.TempDir(),
			ChunkSize:            config.ByteSize(4 * 1024),
			FollowerPollInterval: config.Duration(10 * time.Millisecond),
			FollowerStallTimeout: config.Duration(10 * time.Second),
			ClientWriteTimeout:   config.Duration(5 * time.Second),
		},
		Origins: origins,
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	files, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("init cache store: %v", err)
	}
	locks, err := lock.Open(cfg.Global.LockDir())
	if err != nil {
		t.Fatalf("open lock dir: %v", err)
	}
	meta, err := metadata.Open(cfg.Global.EffectiveMetadataPath())
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Metadata:           meta,
		Files:              files,
		Locks:              locks,
		Client:             server.NewUpstreamClient(cfg, nil),
		Logger:             logger,
		Metrics:            metrics.New(reg),
		ChunkSize:          cfg.Global.ChunkSize.Int(),
		PollInterval:       cfg.Global.FollowerPollInterval.DurationValue(),
		StallTimeout:       cfg.Global.FollowerStallTimeout.DurationValue(),
		ClientWriteTimeout: cfg.Global.ClientWriteTimeout.DurationValue(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		_ = eng.Close()
		_ = meta.Close()
		_ = locks.Close()
	})

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(eng, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registry:   registry,
		Stats:      meta,
		Gatherer:   reg,
		Logger:     logger,
		ListenPort: cfg.Global.ListenPort,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start proxy listener: %v", err)
	}
	go func() {
		_ = app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	// 注册在 Engine 清理之后，因此先于 Engine 关闭执行。
	t.Cleanup(func() {
		_ = app.ShutdownWithTimeout(5 * time.Second)
	})

	return &proxyEnv{
		cfg:     cfg,
		app:     app,
		meta:    meta,
		locks:   locks,
		baseURL: "http://" + listener.Addr().String(),
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{DisableCompression: true},
		},
	}
}

func originConfig(name, domain, upstream string) config.OriginConfig {
	return config.OriginConfig{Name: name, Domain: domain, Upstream: upstream}
}

// fetch 以指定 Host 头发送请求，header 可为空；可在非测试 goroutine 中调用。
func (e *proxyEnv) fetch(method, host, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequest(method, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Host = host
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return e.client.Do(req)
}

func (e *proxyEnv) do(t *testing.T, method, host, path string, header http.Header) *http.Response {
	t.Helper()
	resp, err := e.fetch(method, host, path, header)
	if err != nil {
		t.Fatalf("%s %s%s failed: %v", method, host, path, err)
	}
	return resp
}

func (e *proxyEnv) get(t *testing.T, host, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, host, path, nil)
}

// waitComplete 等待条目进入 COMPLETE 状态。
func (e *proxyEnv) waitComplete(t *testing.T, loc cache.Locator) metadata.Entry {
	t.Helper()
	var entry metadata.Entry
	waitFor(t, 10*time.Second, func() bool {
		found, ok, err := e.meta.Lookup(context.Background(), loc)
		if err != nil || !ok || !found.Complete() {
			return false
		}
		entry = found
		return true
	})
	return entry
}

// waitInProgress 等待条目出现 IN_PROGRESS 记录。
func (e *proxyEnv) waitInProgress(t *testing.T, loc cache.Locator) {
	t.Helper()
	waitFor(t, 10*time.Second, func() bool {
		found, ok, err := e.meta.Lookup(context.Background(), loc)
		return err == nil && ok && !found.Complete()
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

// artifact 生成可辨识内容的载荷，便于定位错位的字节。
func artifact(size int) []byte {
	var buf bytes.Buffer
	for i := 0; buf.Len() < size; i++ {
		fmt.Fprintf(&buf, "%08d\n", i)
	}
	return buf.Bytes()[:size]
}
