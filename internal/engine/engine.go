package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/lock"
	"github.com/any-hub/artifact-proxy/internal/logging"
	"github.com/any-hub/artifact-proxy/internal/metadata"
	"github.com/any-hub/artifact-proxy/internal/metrics"
)

const (
	defaultChunkSize          = 64 << 10
	defaultPollInterval       = 500 * time.Millisecond
	defaultStallTimeout       = 2 * time.Minute
	defaultClientWriteTimeout = 30 * time.Second

	maxServeAttempts = 4
)

// Disposition 描述响应的来源。
type Disposition string

const (
	DispositionHit    Disposition = "HIT"
	DispositionMiss   Disposition = "MISS"
	DispositionFollow Disposition = "FOLLOW"
)

// Options 汇总 Engine 依赖。Metadata/Files/Locks 必填，其余为空时使用默认值。
type Options struct {
	Metadata *metadata.Store
	Files    cache.Store
	Locks    *lock.Registry
	Client   *http.Client
	Logger   *logrus.Logger
	Metrics  *metrics.Collector

	ChunkSize          int
	PollInterval       time.Duration
	StallTimeout       time.Duration
	ClientWriteTimeout time.Duration
}

// Engine 协调缓存条目的生命周期：命中直读、单次回源 tee、跟随进行中的下载。
type Engine struct {
	meta    *metadata.Store
	files   cache.Store
	locks   *lock.Registry
	client  *http.Client
	logger  *logrus.Logger
	metrics *metrics.Collector

	chunkSize          int
	pollInterval       time.Duration
	stallTimeout       time.Duration
	clientWriteTimeout time.Duration

	progress *progressTable

	// 回源请求只受 Engine 生命周期约束，与客户端连接无关。
	baseCtx context.Context
	cancel  context.CancelFunc
	fetches sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Request 是一次制品请求。Range 已由前端解析。
type Request struct {
	Locator   cache.Locator
	Upstream  *url.URL
	Client    *http.Client
	Range     *ByteRange
	RequestID string
}

// Response 携带状态码与响应头；正文通过 Stream 写出，或以 Discard 放弃。
// 两者之一必须被调用，以释放打开的文件或让出 tee 队列。
type Response struct {
	Status        int
	Header        http.Header
	ContentLength int64 // -1 表示未知
	Disposition   Disposition

	engine  *Engine
	origin  string
	body    func(w io.Writer) (int64, error)
	release func()
	once    sync.Once
}

// Stream 将正文写入 w，仅可调用一次。w 的写错误会以 ErrClientGone 包装返回。
func (r *Response) Stream(w io.Writer) error {
	err := errAlreadyStreamed
	r.once.Do(func() {
		var n int64
		n, err = r.body(w)
		if r.release != nil {
			r.release()
		}
		r.engine.metrics.Served(r.origin, string(r.Disposition), n)
	})
	return err
}

// Discard 放弃正文。对新抓取而言只是让出 tee，抓取本身继续完成。
func (r *Response) Discard() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// New 构造 Engine。
func New(opts Options) (*Engine, error) {
	if opts.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock registry is required")
	}

	e := &Engine{
		meta:               opts.Metadata,
		files:              opts.Files,
		locks:              opts.Locks,
		client:             opts.Client,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		chunkSize:          opts.ChunkSize,
		pollInterval:       opts.PollInterval,
		stallTimeout:       opts.StallTimeout,
		clientWriteTimeout: opts.ClientWriteTimeout,
		progress:           newProgressTable(),
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.chunkSize <= 0 {
		e.chunkSize = defaultChunkSize
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.stallTimeout <= 0 {
		e.stallTimeout = defaultStallTimeout
	}
	if e.clientWriteTimeout <= 0 {
		e.clientWriteTimeout = defaultClientWriteTimeout
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Close 取消所有进行中的回源并等待其回滚完成。
func (e *Engine) Close() error {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()
	e.cancel()
	e.fetches.Wait()
	return nil
}

// Serve 解析请求对应条目的状态并返回响应：COMPLETE 直读，IN_PROGRESS 跟随，
// 未缓存时争抢锁，成功者回源，失败者跟随。
func (e *Engine) Serve(ctx context.Context, req Request) (*Response, error) {
	if req.Upstream == nil {
		return nil, errUpstreamRequired
	}
	if req.Locator.Origin == "" || req.Locator.Path == "" {
		return nil, cache.ErrInvalidLocator
	}
	if e.baseCtx.Err() != nil {
		return nil, errEngineClosed
	}

	for attempt := 0; attempt < maxServeAttempts; attempt++ {
		resp, err := e.serveOnce(ctx, req)
		if errors.Is(err, errRetry) {
			e.logger.WithFields(logging.RequestFields(req.Locator.Origin, req.Upstream.Host, req.Locator.Path, "")).
				WithField("attempt", attempt+1).
				Debug("serve_retry")
			continue
		}
		if err == nil {
			e.metrics.Request(req.Locator.Origin, string(resp.Disposition))
		}
		return resp, err
	}
	return nil, fmt.Errorf("%w: %s unresolved after %d attempts", ErrStalled, req.Locator, maxServeAttempts)
}

func (e *Engine) serveOnce(ctx context.Context, req Request) (*Response, error) {
	entry, ok, err := e.meta.Lookup(ctx, req.Locator)
	if err != nil {
		return nil, err
	}

	if ok && entry.Complete() {
		resp, err := e.serveComplete(ctx, req, entry, DispositionHit)
		if !errors.Is(err, errCorruptEntry) {
			return resp, err
		}
		e.logger.WithFields(logging.EntryFields(req.Locator.Origin, req.Locator.Path, entry.ContentLength)).
			WithError(err).
			Warn("corrupt_entry_detected")
	} else if ok && !e.staleInProgress(req.Locator) {
		return e.follow(ctx, req)
	}

	l, acquired, err := e.locks.TryAcquire(req.Locator)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return e.follow(ctx, req)
	}
	return e.coordinate(ctx, req, l)
}

// staleInProgress 判断 IN_PROGRESS 记录是否已无持有者：锁未被持有且没有登记进度。
// 这类记录只能来自清理失败的回滚，交给 coordinate 在持锁后丢弃并重新抓取。
func (e *Engine) staleInProgress(loc cache.Locator) bool {
	return !e.locks.Held(loc) && e.progress.get(loc.Key()) == nil
}

// serveComplete 直读 COMPLETE 条目；磁盘大小与记录不符时返回 errCorruptEntry。
func (e *Engine) serveComplete(ctx context.Context, req Request, entry metadata.Entry, disposition Disposition) (*Response, error) {
	result, err := e.files.Open(ctx, req.Locator)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("%w: file missing", errCorruptEntry)
	}
	if err != nil {
		return nil, err
	}
	if result.Entry.SizeBytes != entry.ContentLength {
		result.Reader.Close()
		return nil, fmt.Errorf("%w: file has %d bytes, expected %d", errCorruptEntry, result.Entry.SizeBytes, entry.ContentLength)
	}

	plan, err := planRange(req.Range, entry.ContentLength, true)
	if err != nil {
		result.Reader.Close()
		return nil, err
	}

	if err := e.meta.Touch(ctx, req.Locator, time.Now()); err != nil {
		e.logger.WithError(err).WithField("remote_path", req.Locator.Path).Warn("touch_failed")
	}

	reader := result.Reader
	return &Response{
		Status:        plan.status,
		Header:        responseHeader(entry.Headers, entry.ContentType, entry.ETag, disposition, plan),
		ContentLength: plan.length,
		Disposition:   disposition,
		engine:        e,
		origin:        req.Locator.Origin,
		body: func(w io.Writer) (int64, error) {
			return e.copyRange(w, reader, plan.first, plan.length)
		},
		release: func() { reader.Close() },
	}, nil
}

// discard 删除条目的文件与记录，调用方必须持有锁或处于启动恢复阶段。
func (e *Engine) discard(ctx context.Context, loc cache.Locator) error {
	fileErr := e.files.Remove(ctx, loc)
	metaErr := e.meta.Remove(ctx, loc)
	return errors.Join(fileErr, metaErr)
}

func (e *Engine) requestLogger(req Request, disposition Disposition) *logrus.Entry {
	host := ""
	if req.Upstream != nil {
		host = req.Upstream.Host
	}
	fields := logging.RequestFields(req.Locator.Origin, host, req.Locator.Path, string(disposition))
	if req.RequestID != "" {
		fields["request_id"] = req.RequestID
	}
	return e.logger.WithFields(fields)
}
