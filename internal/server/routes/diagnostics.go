package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/metadata"
	"github.com/any-hub/artifact-proxy/internal/server"
	"github.com/any-hub/artifact-proxy/internal/version"
)

// StatsSource 提供缓存条目统计，通常是 *metadata.Store。
type StatsSource interface {
	Stats(ctx context.Context) (metadata.Stats, error)
}

// DiagnosticsOptions 汇总诊断路由依赖；Gatherer 为空时不注册 /-/metrics。
type DiagnosticsOptions struct {
	Registry      *server.OriginRegistry
	Stats         StatsSource
	Gatherer      prometheus.Gatherer
	Logger        *logrus.Logger
	ListenPort    int
	AdvertiseHost string
}

// RegisterDiagnosticsRoutes 暴露 /proxy.pac、/-/stats 与 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Registry == nil {
		return
	}

	app.Get(pacPath, func(c fiber.Ctx) error {
		host := opts.AdvertiseHost
		if host == "" {
			host = requestHost(c.Hostname())
		}
		c.Set(fiber.HeaderContentType, pacContentType)
		return c.SendString(renderPAC(opts.Registry.List(), host, opts.ListenPort))
	})

	if opts.Stats != nil {
		app.Get("/-/stats", func(c fiber.Ctx) error {
			stats, err := opts.Stats.Stats(c.Context())
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WithError(err).WithField("action", "stats").Error("stats_query_failed")
				}
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
			}
			return c.JSON(statsPayload{
				Version: version.Full(),
				Entries: stats,
				Origins: encodeOrigins(opts.Registry.List()),
			})
		})
	}

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type statsPayload struct {
	Version string          `json:"version"`
	Entries metadata.Stats  `json:"entries"`
	Origins []originBinding `json:"origins"`
}

type originBinding struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Proxied  bool   `json:"proxied"`
}

func encodeOrigins(routes []server.OriginRoute) []originBinding {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originBinding, 0, len(routes))
	for _, route := range routes {
		result = append(result, originBinding{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			Proxied:  route.ProxyURL != nil,
		})
	}
	return result
}
