package engine

import (
	"net/http"
	"net/textproto"
)

const (
	// HeaderCacheStatus 标记响应来自缓存命中、新抓取或跟随。
	HeaderCacheStatus = "X-Artifact-Proxy-Cache"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// volatileHeaders 由代理自行生成或按条目字段单独存储，不进入 headers 记录。
var volatileHeaders = map[string]struct{}{
	"Date":           {},
	"Server":         {},
	"Content-Length": {},
	"Content-Range":  {},
	"Accept-Ranges":  {},
	"Content-Type":   {},
	"Etag":           {},
	"Set-Cookie":     {},
	"Age":            {},
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// replayableHeaders 过滤出可以随缓存条目持久化并在命中时回放的源站头。
func replayableHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) {
			continue
		}
		if _, skip := volatileHeaders[canonical]; skip {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
	return dst
}

// responseHeader 组装下发给客户端的响应头。
func responseHeader(stored http.Header, contentType, etag string, disposition Disposition, plan rangePlan) http.Header {
	h := replayableHeaders(stored)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if etag != "" {
		h.Set("ETag", etag)
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set(HeaderCacheStatus, string(disposition))
	if plan.contentRange != "" {
		h.Set("Content-Range", plan.contentRange)
	}
	return h
}
