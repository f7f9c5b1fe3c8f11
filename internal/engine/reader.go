package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/metadata"
)

// follower 描述一个从增长中的缓存文件读取的客户端。end < 0 表示读到抓取结束。
type follower struct {
	loc    cache.Locator
	reader cache.ReadAtSeekCloser
	prog   *progress
	first  int64
	end    int64
}

type observation struct {
	available int64
	done      bool
	err       error
	changed   <-chan struct{}
}

// follow 为锁竞争失败或条目处于 IN_PROGRESS 的请求构造跟随响应。
// 记录尚未创建时等待其出现；抓取在建档前失败则把源站错误原样返回或要求重试。
func (e *Engine) follow(ctx context.Context, req Request) (*Response, error) {
	loc := req.Locator
	deadline := time.Now().Add(e.stallTimeout)
	sawReady := false

	for {
		entry, ok, err := e.meta.Lookup(ctx, loc)
		if err != nil {
			return nil, err
		}

		if ok && entry.Complete() {
			resp, err := e.serveComplete(ctx, req, entry, DispositionHit)
			if !errors.Is(err, errCorruptEntry) {
				return resp, err
			}
			if !e.locks.Held(loc) {
				return nil, errRetry
			}
		} else if ok {
			if e.staleInProgress(loc) {
				return nil, errRetry
			}
			return e.followEntry(ctx, req, entry)
		}

		prog := e.progress.get(loc.Key())
		if prog == nil && !e.locks.Held(loc) {
			return nil, errRetry
		}

		var changed <-chan struct{}
		if prog != nil {
			snap := prog.snapshot()
			if snap.done {
				var originErr *OriginError
				if errors.As(snap.err, &originErr) {
					return nil, originErr
				}
				return nil, errRetry
			}
			if snap.ready && !sawReady {
				sawReady = true
				continue
			}
			changed = snap.changed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: waiting for %s to start", ErrStalled, loc)
		}
		if err := e.wait(ctx, changed, min(e.pollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) followEntry(ctx context.Context, req Request, entry metadata.Entry) (*Response, error) {
	loc := req.Locator
	prog := e.progress.get(loc.Key())

	result, err := e.files.Open(ctx, loc)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, errRetry
	}
	if err != nil {
		return nil, err
	}

	plan, err := planRange(req.Range, entry.ContentLength, entry.ContentLength > 0)
	if err != nil {
		result.Reader.Close()
		return nil, err
	}

	f := &follower{
		loc:    loc,
		reader: result.Reader,
		prog:   prog,
		first:  plan.first,
		end:    plan.end(),
	}
	return &Response{
		Status:        plan.status,
		Header:        responseHeader(entry.Headers, entry.ContentType, entry.ETag, DispositionFollow, plan),
		ContentLength: plan.length,
		Disposition:   DispositionFollow,
		engine:        e,
		origin:        loc.Origin,
		body: func(w io.Writer) (int64, error) {
			return e.followFile(w, req, f)
		},
		release: func() { result.Reader.Close() },
	}, nil
}

// followFile 读取已公布的字节并写给客户端，直到窗口结束、抓取完成或回滚。
// 在 FollowerStallTimeout 内没有任何增长时返回 ErrStalled。
func (e *Engine) followFile(w io.Writer, req Request, f *follower) (int64, error) {
	buf := make([]byte, e.chunkSize)
	offset := f.first
	var sent int64
	lastGrowth := time.Now()

	for {
		if f.end >= 0 && offset >= f.end {
			return sent, nil
		}

		obs, err := e.observe(f)
		if err != nil {
			return sent, err
		}

		if offset < obs.available {
			limit := obs.available
			if f.end >= 0 && f.end < limit {
				limit = f.end
			}
			n := int(min(int64(len(buf)), limit-offset))
			read, readErr := f.reader.ReadAt(buf[:n], offset)
			if read > 0 {
				if _, err := w.Write(buf[:read]); err != nil {
					e.metrics.ClientDropped(req.Locator.Origin, "disconnect")
					e.requestLogger(req, DispositionFollow).WithError(err).Info("client_dropped")
					return sent, fmt.Errorf("%w: %w", ErrClientGone, err)
				}
				offset += int64(read)
				sent += int64(read)
				lastGrowth = time.Now()
			}
			if readErr != nil && !(errors.Is(readErr, io.EOF) && read == n) {
				if read == 0 && errors.Is(readErr, io.EOF) {
					return sent, fmt.Errorf("%w: file shorter than published length", errCorruptEntry)
				}
				return sent, fmt.Errorf("read cache file: %w", readErr)
			}
			continue
		}

		if obs.done {
			if obs.err != nil {
				e.metrics.ClientDropped(req.Locator.Origin, "aborted")
				return sent, obs.err
			}
			if f.end >= 0 && offset < f.end {
				return sent, fmt.Errorf("%w: entry ended at %d", ErrFetchAborted, offset)
			}
			return sent, nil
		}

		remaining := e.stallTimeout - time.Since(lastGrowth)
		if remaining <= 0 {
			e.metrics.ClientDropped(req.Locator.Origin, "stalled")
			e.requestLogger(req, DispositionFollow).WithField("offset", offset).Warn("follower_stalled")
			return sent, ErrStalled
		}
		if err := e.wait(context.Background(), obs.changed, min(e.pollInterval, remaining)); err != nil {
			return sent, err
		}
	}
}

// observe 返回当前可安全读取的长度。同进程抓取以进度广播为准；
// 否则退回元数据状态与文件大小。
func (e *Engine) observe(f *follower) (observation, error) {
	if f.prog != nil {
		snap := f.prog.snapshot()
		return observation{
			available: snap.written,
			done:      snap.done,
			err:       snap.err,
			changed:   snap.changed,
		}, nil
	}

	ctx := context.Background()
	entry, ok, err := e.meta.Lookup(ctx, f.loc)
	if err != nil {
		return observation{}, err
	}
	if !ok {
		return observation{done: true, err: ErrFetchAborted}, nil
	}
	if entry.Complete() {
		return observation{available: entry.ContentLength, done: true}, nil
	}
	stat, err := e.files.Stat(ctx, f.loc)
	if errors.Is(err, cache.ErrNotFound) {
		return observation{done: true, err: ErrFetchAborted}, nil
	}
	if err != nil {
		return observation{}, err
	}
	return observation{available: stat.SizeBytes}, nil
}

// wait 阻塞到进度变化、超时或取消。changed 为 nil 时退化为纯轮询。
func (e *Engine) wait(ctx context.Context, changed <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.baseCtx.Done():
		return errEngineClosed
	}
	return nil
}

// copyRange 以 ChunkSize 为块从 first 起输出 length 字节。
func (e *Engine) copyRange(w io.Writer, r io.ReaderAt, first, length int64) (int64, error) {
	if length <= 0 {
		return 0, nil
	}
	buf := make([]byte, min(int64(e.chunkSize), length))
	var sent int64
	for sent < length {
		n := int(min(int64(len(buf)), length-sent))
		read, readErr := r.ReadAt(buf[:n], first+sent)
		if read > 0 {
			if _, err := w.Write(buf[:read]); err != nil {
				return sent, fmt.Errorf("%w: %w", ErrClientGone, err)
			}
			sent += int64(read)
		}
		if readErr != nil && !(errors.Is(readErr, io.EOF) && read == n) {
			return sent, fmt.Errorf("read cache file: %w", readErr)
		}
	}
	return sent, nil
}
