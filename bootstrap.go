package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
	"github.com/any-hub/artifact-proxy/internal/version"
)

// appRuntime 持有进程级资源，Close 按依赖的逆序释放。
type appRuntime struct {
	app     *fiber.App
	engine  *engine.Engine
	meta    *metadata.Store
	locks   *lock.Registry
	version string
}

// buildRuntime 打开存储、执行崩溃恢复并组装 Fiber 应用。失败时已打开的资源会被释放。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (rt *appRuntime, err error) {
	rt = &appRuntime{version: version.Full()}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	files, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return rt, fmt.Errorf("初始化缓存目录: %w", err)
	}

	// 锁目录先于元数据库打开：同一缓存目录只允许一个进程。
	rt.locks, err = lock.Open(cfg.Global.LockDir())
	if err != nil {
		if errors.Is(err, lock.ErrRootBusy) {
			return rt, fmt.Errorf("缓存目录 %s 已被其他进程占用: %w", cfg.Global.StoragePath, err)
		}
		return rt, fmt.Errorf("初始化锁目录: %w", err)
	}

	rt.meta, err = metadata.Open(cfg.Global.EffectiveMetadataPath())
	if err != nil {
		return rt, fmt.Errorf("打开元数据库: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	rt.engine, err = engine.New(engine.Options{
		Metadata:           rt.meta,
		Files:              files,
		Locks:              rt.locks,
		Client:             server.NewUpstreamClient(cfg, nil),
		Logger:             logger,
		Metrics:            collector,
		ChunkSize:          cfg.Global.ChunkSize.Int(),
		PollInterval:       cfg.Global.FollowerPollInterval.DurationValue(),
		StallTimeout:       cfg.Global.FollowerStallTimeout.DurationValue(),
		ClientWriteTimeout: cfg.Global.ClientWriteTimeout.DurationValue(),
	})
	if err != nil {
		return rt, err
	}

	report, recoverErr := rt.engine.Recover(ctx)
	if recoverErr != nil {
		// 个别条目清理失败不阻止启动，后续请求持锁时会再次丢弃。
		logger.WithError(recoverErr).WithFields(logrus.Fields{
			"action":   "recovery",
			"failures": report.Failures,
		}).Error("recovery_incomplete")
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return rt, fmt.Errorf("构建 Origin 注册表: %w", err)
	}

	rt.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(rt.engine, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return rt, err
	}
	routes.RegisterDiagnosticsRoutes(rt.app, routes.DiagnosticsOptions{
		Registry:      registry,
		Stats:         rt.meta,
		Gatherer:      reg,
		Logger:        logger,
		ListenPort:    cfg.Global.ListenPort,
		AdvertiseHost: cfg.Global.AdvertiseHost,
	})
	return rt, nil
}

// Close 先取消进行中的回源（回滚未完成条目），再关闭元数据库与锁目录。
func (rt *appRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.engine != nil {
		_ = rt.engine.Close()
	}
	if rt.meta != nil {
		_ = rt.meta.Close()
	}
	if rt.locks != nil {
		_ = rt.locks.Close()
	}
}
