package engine

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedRange 表示 Range 头无法解析，请求在访问存储前即被拒绝。
	ErrMalformedRange = errors.New("malformed range header")
	// ErrOriginTruncated 表示源站正文短于（或长于）声明长度，或读取中途失败。
	ErrOriginTruncated = errors.New("origin stream truncated")
	// ErrClientGone 表示向客户端写入失败，仅终止该客户端的流。
	ErrClientGone = errors.New("client disconnected")
	// ErrStalled 表示跟随者在 FollowerStallTimeout 内未观察到任何进展。
	ErrStalled = errors.New("follower stalled")
	// ErrFetchAborted 表示跟随的抓取已回滚。
	ErrFetchAborted = errors.New("fetch aborted")

	errCorruptEntry     = errors.New("cache entry corrupt")
	errRetry            = errors.New("retry serve")
	errAlreadyStreamed  = errors.New("response already streamed")
	errEngineClosed     = errors.New("engine closed")
	errUpstreamRequired = errors.New("upstream url is required")
)

// RangeError 表示请求区间超出已知大小，应返回 416 与 `Content-Range: bytes */Size`。
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for %d bytes", e.Size)
}

// OriginError 表示源站返回非成功状态或网络失败（Status=502）。
type OriginError struct {
	Status int
	Err    error
}

func (e *OriginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("origin status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("origin status %d", e.Status)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

func originNetworkError(err error) *OriginError {
	return &OriginError{Status: http.StatusBadGateway, Err: err}
}
