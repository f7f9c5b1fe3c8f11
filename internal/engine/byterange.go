package engine

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ByteRange 是单个 `bytes=first-last` 区间，Last < 0 表示开放结尾。
type ByteRange struct {
	First int64
	Last  int64
}

// ParseRange 解析 Range 头。空头返回 nil；仅接受 `bytes=first-last` 与 `bytes=first-`。
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	firstRaw, lastRaw, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || strings.Contains(lastRaw, ",") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	first, err := parseOffset(firstRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	r := &ByteRange{First: first, Last: -1}
	if strings.TrimSpace(lastRaw) == "" {
		return r, nil
	}
	last, err := parseOffset(lastRaw)
	if err != nil || last < first {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	r.Last = last
	return r, nil
}

func parseOffset(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty offset")
	}
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("non-digit offset %q", raw)
		}
	}
	return strconv.ParseInt(raw, 10, 64)
}

// String 以请求头格式输出区间。
func (r *ByteRange) String() string {
	if r == nil {
		return ""
	}
	if r.Last < 0 {
		return fmt.Sprintf("bytes=%d-", r.First)
	}
	return fmt.Sprintf("bytes=%d-%d", r.First, r.Last)
}

// rangePlan 描述一次响应要输出的字节窗口。length < 0 表示长度未知，读到抓取结束为止。
type rangePlan struct {
	status       int
	first        int64
	length       int64
	contentRange string
}

func (p rangePlan) end() int64 {
	if p.length < 0 {
		return -1
	}
	return p.first + p.length
}

// planRange 将区间映射到大小为 size 的正文；known=false 时忽略区间并返回完整正文。
func planRange(r *ByteRange, size int64, known bool) (rangePlan, error) {
	if !known {
		return rangePlan{status: http.StatusOK, length: -1}, nil
	}
	full := rangePlan{status: http.StatusOK, length: size}
	if r == nil {
		return full, nil
	}
	if r.First >= size {
		return rangePlan{}, &RangeError{Size: size}
	}
	last := r.Last
	if last < 0 || last > size-1 {
		last = size - 1
	}
	// 只有 `bytes=0-` 视为完整请求；显式给出结尾的区间即使覆盖全部正文也回 206。
	if r.First == 0 && r.Last < 0 {
		return full, nil
	}
	return rangePlan{
		status:       http.StatusPartialContent,
		first:        r.First,
		length:       last - r.First + 1,
		contentRange: fmt.Sprintf("bytes %d-%d/%d", r.First, last, size),
	}, nil
}
