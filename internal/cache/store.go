package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存文件。磁盘布局遵循：
//
//	<StoragePath>/<Origin>/<path>    # 实际正文，写入期间即可被读取
//
// 条目状态（进行中/已完成）由元数据库记录，Store 只关心字节。
type Store interface {
	// Open 返回一个可随机读取的缓存文件。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, locator Locator) (*ReadResult, error)

	// Create 截断并打开缓存文件供唯一写者追加写入。调用方必须持有该 Locator 的锁。
	Create(ctx context.Context, locator Locator) (*Writer, error)

	// Stat 返回当前磁盘上的文件信息，用于完整性校验与跨进程跟随。
	Stat(ctx context.Context, locator Locator) (Entry, error)

	// Remove 删除正文文件，用于回滚、损坏修复与崩溃恢复。不存在时不报错。
	Remove(ctx context.Context, locator Locator) error
}

// Locator 唯一定位一个缓存条目（Origin + 相对路径），路径均为 URL 路径风格。
type Locator struct {
	Origin string
	Path   string
}

// Key 返回 Locator 的字符串键，供锁表与进度表使用。
func (l Locator) Key() string {
	return l.Origin + "::" + l.Path
}

// String 便于日志输出。
func (l Locator) String() string {
	return l.Origin + l.Path
}

// Entry 表示磁盘上的缓存文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于读取端按偏移流式返回。
type ReadResult struct {
	Entry  Entry
	Reader ReadAtSeekCloser
}

// ReadAtSeekCloser 是 *os.File 的只读子集，读取端按偏移读取而不改变共享游标。
type ReadAtSeekCloser interface {
	io.ReaderAt
	io.ReadSeekCloser
}

// ErrNotFound 表示缓存文件不存在。
var ErrNotFound = errors.New("cache file not found")

// ErrInvalidLocator 表示 Locator 无法映射到缓存根目录内的路径。
var ErrInvalidLocator = errors.New("invalid cache locator")
