package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/engine"
	"github.com/any-hub/artifact-proxy/internal/logging"
	"github.com/any-hub/artifact-proxy/internal/server"
)

// Handler 把 Fiber 请求翻译为 engine.Request，并把 engine 的响应以流的方式写回客户端。
// 缓存命中、单次回源与跟随下载均由 engine 决定，Handler 只负责协议边界。
type Handler struct {
	engine *engine.Engine
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the shared engine/logger.
func NewHandler(eng *engine.Engine, logger *logrus.Logger) *Handler {
	return &Handler{
		engine: eng,
		logger: logger,
	}
}

// requestLog 是写完响应后输出日志所需的字段快照；流式写出发生在 handler 返回之后，
// 届时 fiber.Ctx 已被回收，不能再访问。
type requestLog struct {
	route     *server.OriginRoute
	upstream  string
	path      string
	requestID string
	rangeSpec string
	started   time.Time
}

// Handle 解析路径与 Range，调用 engine.Serve，并输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	cleanPath := normalizeRequestPath(requestPath(c))
	target := route.Target(cleanPath, string(c.Request().URI().QueryString()))

	rec := requestLog{
		route:     route,
		upstream:  target.String(),
		path:      cleanPath,
		requestID: requestID,
		rangeSpec: c.Get(fiber.HeaderRange),
		started:   started,
	}

	// Range 在任何存储操作之前校验，非法请求不会触发回源或建档。
	byteRange, err := engine.ParseRange(rec.rangeSpec)
	if err != nil {
		h.logResult(rec, "", fiber.StatusBadRequest, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_range")
	}

	parent := c.Context()
	if parent == nil {
		parent = context.Background()
	}
	// 跟随者可能在拿到响应头前等待很久，期间客户端断开要能提前放弃。
	ctx, stopWatch := watchClient(parent, c.RequestCtx().Conn(), clientCheckInterval)
	resp, err := h.engine.Serve(ctx, engine.Request{
		Locator:   cache.Locator{Origin: route.Config.Name, Path: cleanPath},
		Upstream:  target,
		Client:    route.Client,
		Range:     byteRange,
		RequestID: requestID,
	})
	stopWatch()
	if err != nil {
		status := h.writeEngineError(c, err)
		h.logResult(rec, "", status, err)
		return nil
	}

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	c.Status(resp.Status)

	// 正文经由管道交给 fasthttp 写出；客户端断开时 fasthttp 关闭读端，
	// Stream 随之收到写错误，而回源本身不受影响。
	pr, pw := io.Pipe()
	c.Response().SetBodyStream(pr, int(resp.ContentLength))
	go func() {
		streamErr := resp.Stream(pw)
		_ = pw.CloseWithError(streamErr)
		h.logResult(rec, resp.Disposition, resp.Status, streamErr)
	}()
	return nil
}

// writeEngineError 将 engine 错误映射为 HTTP 状态与 JSON 错误码，返回写出的状态码。
func (h *Handler) writeEngineError(c fiber.Ctx, err error) int {
	var (
		rangeErr  *engine.RangeError
		originErr *engine.OriginError
	)
	switch {
	case errors.Is(err, engine.ErrMalformedRange):
		_ = h.writeError(c, fiber.StatusBadRequest, "invalid_range")
		return fiber.StatusBadRequest
	case errors.As(err, &rangeErr):
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", rangeErr.Size))
		c.Set(fiber.HeaderAcceptRanges, "bytes")
		_ = h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
		return fiber.StatusRequestedRangeNotSatisfiable
	case errors.As(err, &originErr):
		status := originErr.Status
		if status < 400 || status > 599 {
			status = fiber.StatusBadGateway
		}
		_ = h.writeError(c, status, "upstream_failed")
		return status
	case errors.Is(err, engine.ErrStalled):
		_ = h.writeError(c, fiber.StatusGatewayTimeout, "upstream_stalled")
		return fiber.StatusGatewayTimeout
	case errors.Is(err, cache.ErrInvalidLocator):
		_ = h.writeError(c, fiber.StatusBadRequest, "invalid_path")
		return fiber.StatusBadRequest
	case errors.Is(err, context.Canceled):
		_ = h.writeError(c, fiber.StatusServiceUnavailable, "request_canceled")
		return fiber.StatusServiceUnavailable
	default:
		_ = h.writeError(c, fiber.StatusInternalServerError, "cache_unavailable")
		return fiber.StatusInternalServerError
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(rec requestLog, disposition engine.Disposition, status int, err error) {
	fields := logging.RequestFields(
		rec.route.Config.Name,
		rec.route.Config.Domain,
		rec.path,
		string(disposition),
	)
	fields["action"] = "proxy"
	fields["upstream"] = rec.upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(rec.started).Milliseconds()
	if rec.rangeSpec != "" {
		fields["range"] = rec.rangeSpec
	}
	if rec.requestID != "" {
		fields["request_id"] = rec.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, engine.ErrClientGone) {
			h.logger.WithFields(fields).Info("proxy_client_gone")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	if headers.Get(fiber.HeaderContentType) == "" {
		c.Response().Header.SetNoDefaultContentType(true)
	}
	for key, values := range headers {
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}
