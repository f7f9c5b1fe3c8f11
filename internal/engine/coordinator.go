package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/lock"
	"github.com/any-hub/artifact-proxy/internal/logging"
	"github.com/any-hub/artifact-proxy/internal/metadata"
	"github.com/any-hub/artifact-proxy/internal/version"
)

// fetch 是一次正在进行的回源，由 drain 协程独占。
type fetch struct {
	req      Request
	lock     *lock.Lock
	body     io.ReadCloser
	writer   *cache.Writer
	progress *progress
	sink     *clientSink
	window   rangePlan
	expected int64
	started  time.Time
	finished func(outcome string, seconds float64)
	log      *logrus.Entry
}

// coordinate 在持有锁的前提下执行回源：HEAD 探测、GET、建档，随后交给 drain 协程 tee。
// 返回之前的任何失败都会释放锁且不留下文件或记录。
func (e *Engine) coordinate(ctx context.Context, req Request, l *lock.Lock) (*Response, error) {
	log := e.requestLogger(req, DispositionMiss)
	loc := req.Locator

	entry, ok, err := e.meta.Lookup(ctx, loc)
	if err != nil {
		e.releaseLock(l, log)
		return nil, err
	}
	if ok {
		if entry.Complete() {
			resp, err := e.serveComplete(ctx, req, entry, DispositionHit)
			if !errors.Is(err, errCorruptEntry) {
				e.releaseLock(l, log)
				return resp, err
			}
		}
		// 损坏的 COMPLETE 条目，或已无持有者的 IN_PROGRESS 条目。
		if err := e.discard(ctx, loc); err != nil {
			e.releaseLock(l, log)
			return nil, err
		}
		log.WithField("status", string(entry.Status)).Warn("stale_entry_discarded")
	}

	prog := e.progress.register(loc.Key())
	started := time.Now()
	finished := e.metrics.FetchStarted(loc.Origin)
	abort := func(cause error, outcome string) error {
		prog.finish(cause)
		e.progress.remove(loc.Key(), prog)
		finished(outcome, time.Since(started).Seconds())
		e.releaseLock(l, log)
		return cause
	}

	client := req.Client
	if client == nil {
		client = e.client
	}

	head, err := e.originRequest(client, http.MethodHead, req)
	if err != nil {
		log.WithError(err).Warn("origin_head_failed")
		return nil, abort(originNetworkError(err), "origin_error")
	}
	head.Body.Close()
	if head.StatusCode < 200 || head.StatusCode > 299 {
		log.WithField("upstream_status", head.StatusCode).Warn("origin_head_rejected")
		return nil, abort(&OriginError{Status: head.StatusCode}, "origin_error")
	}

	get, err := e.originRequest(client, http.MethodGet, req)
	if err != nil {
		log.WithError(err).Warn("origin_get_failed")
		return nil, abort(originNetworkError(err), "origin_error")
	}
	if get.StatusCode != http.StatusOK {
		get.Body.Close()
		log.WithField("upstream_status", get.StatusCode).Warn("origin_get_rejected")
		return nil, abort(&OriginError{Status: get.StatusCode}, "origin_error")
	}

	expected := int64(0)
	switch {
	case get.ContentLength > 0:
		expected = get.ContentLength
	case get.ContentLength < 0 && head.ContentLength > 0:
		expected = head.ContentLength
	}

	writer, err := e.files.Create(e.baseCtx, loc)
	if err != nil {
		get.Body.Close()
		log.WithError(err).Error("cache_create_failed")
		return nil, abort(err, "rollback")
	}
	contentType := get.Header.Get("Content-Type")
	etag := get.Header.Get("ETag")
	stored := replayableHeaders(get.Header)
	if _, err := e.meta.CreateInProgress(e.baseCtx, metadata.NewEntry{
		Locator:       loc,
		ETag:          etag,
		ContentLength: expected,
		ContentType:   contentType,
		Headers:       stored,
	}); err != nil {
		get.Body.Close()
		_ = writer.Abort()
		log.WithError(err).Error("metadata_create_failed")
		return nil, abort(err, "rollback")
	}
	prog.markReady()

	plan, planErr := planRange(req.Range, expected, expected > 0)
	f := &fetch{
		req:      req,
		lock:     l,
		body:     get.Body,
		writer:   writer,
		progress: prog,
		sink:     newClientSink(e.clientWriteTimeout),
		window:   plan,
		expected: expected,
		started:  started,
		finished: finished,
		log:      e.logger.WithFields(logging.EntryFields(loc.Origin, loc.Path, expected)),
	}
	if planErr != nil {
		f.sink.detach()
	}
	if !e.startFetch() {
		get.Body.Close()
		e.rollback(f, errEngineClosed, 0)
		return nil, errEngineClosed
	}
	f.log.WithField("request_id", req.RequestID).Info("fetch_start")
	go e.drain(f)

	if planErr != nil {
		return nil, planErr
	}
	return &Response{
		Status:        plan.status,
		Header:        responseHeader(stored, contentType, etag, DispositionMiss, plan),
		ContentLength: plan.length,
		Disposition:   DispositionMiss,
		engine:        e,
		origin:        loc.Origin,
		body: func(w io.Writer) (int64, error) {
			return e.streamSink(w, req, f)
		},
		release: f.sink.detach,
	}, nil
}

func (e *Engine) startFetch() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return false
	}
	e.fetches.Add(1)
	return true
}

func (e *Engine) originRequest(client *http.Client, method string, req Request) (*http.Response, error) {
	r, err := http.NewRequestWithContext(e.baseCtx, method, req.Upstream.String(), nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("User-Agent", version.UserAgent())
	// 禁止透明解压，保证落盘字节与源站声明的长度一致。
	r.Header.Set("Accept-Encoding", "identity")
	return client.Do(r)
}

// drain 把源站正文依次写入缓存文件、公布进度、投递给发起客户端。
// 客户端失败不影响抓取；源站或本地 I/O 失败则整体回滚。
func (e *Engine) drain(f *fetch) {
	defer e.fetches.Done()
	defer f.body.Close()

	buf := make([]byte, e.chunkSize)
	windowEnd := f.window.end()
	var (
		written int64
		failure error
		demoted bool
	)
	for {
		n, readErr := f.body.Read(buf)
		if n > 0 {
			if f.expected > 0 && written+int64(n) > f.expected {
				failure = fmt.Errorf("%w: origin sent more than %d bytes", ErrOriginTruncated, f.expected)
				break
			}
			if _, err := f.writer.Write(buf[:n]); err != nil {
				failure = fmt.Errorf("write cache file: %w", err)
				break
			}
			start := written
			written += int64(n)
			f.progress.publish(written)
			e.metrics.Fetched(f.req.Locator.Origin, n)

			if chunk := windowSlice(buf[:n], start, f.window.first, windowEnd); len(chunk) > 0 {
				if !f.sink.offer(chunk) && f.sink.slow && !demoted {
					demoted = true
					e.metrics.ClientDropped(f.req.Locator.Origin, "slow")
					f.log.WithField("request_id", f.req.RequestID).Warn("client_demoted")
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			failure = fmt.Errorf("%w: %w", ErrOriginTruncated, readErr)
			break
		}
	}

	if failure == nil && f.expected > 0 && written != f.expected {
		failure = fmt.Errorf("%w: got %d of %d bytes", ErrOriginTruncated, written, f.expected)
	}
	if failure == nil {
		failure = e.commit(f, written)
	}
	if failure != nil {
		e.rollback(f, failure, written)
		return
	}

	loc := f.req.Locator
	f.progress.finish(nil)
	e.progress.remove(loc.Key(), f.progress)
	f.sink.close(nil)
	f.finished("complete", time.Since(f.started).Seconds())
	f.log.WithFields(logrus.Fields{
		"bytes":      written,
		"elapsed_ms": time.Since(f.started).Milliseconds(),
	}).Info("fetch_complete")
	e.releaseLock(f.lock, f.log)
}

// commit 先 fsync 文件，再把记录迁移为 COMPLETE。
func (e *Engine) commit(f *fetch, written int64) error {
	if err := f.writer.Commit(); err != nil {
		return err
	}
	if _, err := e.meta.MarkComplete(context.Background(), f.req.Locator, written); err != nil {
		return err
	}
	return nil
}

// rollback 删除不完整的文件与记录，通知跟随者，最后释放锁。
func (e *Engine) rollback(f *fetch, cause error, written int64) {
	ctx := context.Background()
	loc := f.req.Locator
	if err := f.writer.Abort(); err != nil {
		f.log.WithError(err).Warn("cache_abort_failed")
	}
	if err := e.discard(ctx, loc); err != nil {
		f.log.WithError(err).Warn("rollback_cleanup_failed")
	}

	aborted := fmt.Errorf("%w: %w", ErrFetchAborted, cause)
	f.progress.finish(aborted)
	e.progress.remove(loc.Key(), f.progress)
	f.sink.close(aborted)
	f.finished("rollback", time.Since(f.started).Seconds())
	f.log.WithError(cause).WithField("bytes", written).Error("fetch_rollback")
	e.releaseLock(f.lock, f.log)
}

// streamSink 消费发起客户端的 tee 队列；被判定过慢后改为从磁盘跟随剩余字节。
func (e *Engine) streamSink(w io.Writer, req Request, f *fetch) (int64, error) {
	var delivered int64
	for chunk := range f.sink.ch {
		if _, err := w.Write(chunk); err != nil {
			f.sink.detach()
			e.metrics.ClientDropped(req.Locator.Origin, "disconnect")
			e.requestLogger(req, DispositionMiss).WithError(err).Warn("client_dropped")
			return delivered, fmt.Errorf("%w: %w", ErrClientGone, err)
		}
		delivered += int64(len(chunk))
		// 有界窗口写满即结束响应，抓取本身在后台继续。
		if f.window.length >= 0 && delivered >= f.window.length {
			f.sink.detach()
			return delivered, nil
		}
	}

	if !f.sink.slow {
		return delivered, f.sink.err
	}

	result, err := e.files.Open(context.Background(), req.Locator)
	if err != nil {
		return delivered, fmt.Errorf("%w: reopen after demotion: %w", ErrFetchAborted, err)
	}
	defer result.Reader.Close()

	end := f.window.end()
	n, err := e.followFile(w, req, &follower{
		loc:    req.Locator,
		reader: result.Reader,
		prog:   f.progress,
		first:  f.window.first + delivered,
		end:    end,
	})
	return delivered + n, err
}

// windowSlice 返回 p（位于 start 偏移处）与 [first, end) 的交集副本；end < 0 表示无上界。
func windowSlice(p []byte, start, first, end int64) []byte {
	lo := max(first, start)
	hi := start + int64(len(p))
	if end >= 0 {
		hi = min(hi, end)
	}
	if lo >= hi {
		return nil
	}
	return append([]byte(nil), p[lo-start:hi-start]...)
}

func (e *Engine) releaseLock(l *lock.Lock, log *logrus.Entry) {
	if err := l.Release(); err != nil {
		log.WithError(err).Warn("lock_release_failed")
	}
}
