package proxy

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// clientCheckInterval 是等待响应头期间检查客户端连接的间隔。
const clientCheckInterval = 200 * time.Millisecond

// watchClient 在拿到响应头之前周期性检查客户端连接，对端关闭时取消返回的 ctx。
// fasthttp 不会通知断开，这里直接窥探套接字：MSG_PEEK 不消费数据，读到 0 字节即为 EOF。
// stop 结束检查并释放 ctx；正文阶段的断开由写错误发现，不再需要检查。
func watchClient(parent context.Context, conn net.Conn, interval time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return ctx, cancel
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return ctx, cancel
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if peerClosed(raw) {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		<-exited
		cancel()
	}
}

// peerClosed 非阻塞地窥探一个字节；EAGAIN 视为连接仍在，EOF 与 RST 视为已断开。
func peerClosed(raw syscall.RawConn) bool {
	closed := false
	_ = raw.Read(func(fd uintptr) bool {
		var b [1]byte
		n, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		closed = (n == 0 && err == nil) || err == unix.ECONNRESET
		return true
	})
	return closed
}
