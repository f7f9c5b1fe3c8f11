package engine

import (
	"sync"
	"time"
)

const sinkQueueDepth = 16

// clientSink 是抓取协程与发起请求客户端之间的有界队列。
// 生产方（drain）从不在客户端上阻塞超过 timeout；超时即把客户端移出 tee，
// 客户端随后改为从磁盘跟随。
type clientSink struct {
	ch      chan []byte
	timeout time.Duration

	// 仅生产方写入，消费方在 ch 关闭后读取。
	closed bool
	slow   bool
	err    error

	gone     chan struct{}
	goneOnce sync.Once
}

func newClientSink(timeout time.Duration) *clientSink {
	return &clientSink{
		ch:      make(chan []byte, sinkQueueDepth),
		timeout: timeout,
		gone:    make(chan struct{}),
	}
}

// offer 投递一段字节；客户端已离开或被判定过慢时返回 false。
func (s *clientSink) offer(p []byte) bool {
	if s.closed {
		return false
	}
	select {
	case <-s.gone:
		s.close(nil)
		return false
	default:
	}
	select {
	case s.ch <- p:
		return true
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.ch <- p:
		return true
	case <-s.gone:
		s.close(nil)
		return false
	case <-timer.C:
		s.slow = true
		s.close(nil)
		return false
	}
}

// close 由生产方调用，结束消费方的读取。可重复调用。
func (s *clientSink) close(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// detach 由消费方调用，表示客户端已不再读取。
func (s *clientSink) detach() {
	s.goneOnce.Do(func() { close(s.gone) })
}
