package engine

import "sync"

// progress 是单次抓取的进度广播：每次状态变化都关闭并替换 changed，
// 等待方持有旧通道即可被唤醒，无需持锁等待。
type progress struct {
	mu      sync.Mutex
	ready   bool
	written int64
	done    bool
	err     error
	changed chan struct{}
}

type progressSnapshot struct {
	ready   bool
	written int64
	done    bool
	err     error
	changed <-chan struct{}
}

func newProgress() *progress {
	return &progress{changed: make(chan struct{})}
}

func (p *progress) snapshot() progressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return progressSnapshot{
		ready:   p.ready,
		written: p.written,
		done:    p.done,
		err:     p.err,
		changed: p.changed,
	}
}

// markReady 表示 IN_PROGRESS 记录与缓存文件均已创建。
func (p *progress) markReady() {
	p.update(func() { p.ready = true })
}

// publish 公布已写入文件的字节数；跟随者不会读取超过该长度的内容。
func (p *progress) publish(written int64) {
	p.update(func() { p.written = written })
}

// finish 标记抓取结束，err 为 nil 表示已完成。
func (p *progress) finish(err error) {
	p.update(func() {
		p.done = true
		p.err = err
	})
}

func (p *progress) update(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	fn()
	close(p.changed)
	p.changed = make(chan struct{})
}

// progressTable 以 Locator 键索引进行中的抓取。
type progressTable struct {
	mu      sync.Mutex
	entries map[string]*progress
}

func newProgressTable() *progressTable {
	return &progressTable{entries: make(map[string]*progress)}
}

func (t *progressTable) register(key string) *progress {
	p := newProgress()
	t.mu.Lock()
	t.entries[key] = p
	t.mu.Unlock()
	return p
}

func (t *progressTable) get(key string) *progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}

func (t *progressTable) remove(key string, p *progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[key] == p {
		delete(t.entries, key)
	}
}
