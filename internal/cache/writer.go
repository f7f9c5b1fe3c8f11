package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// Writer 是某个缓存文件唯一的追加写者。Write 返回后字节即对同机读取端可见；
// Commit 负责 fsync，Abort 负责删除不完整的文件。
type Writer struct {
	file     *os.File
	locator  Locator
	filePath string

	written int64
	once    sync.Once
}

// Write 追加字节并累计写入量。
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err == nil && n < len(p) {
		err = fmt.Errorf("cache write %s: short write", w.locator)
	}
	return n, err
}

// Written 返回已追加的字节数。
func (w *Writer) Written() int64 {
	return w.written
}

// Locator 返回写入目标。
func (w *Writer) Locator() Locator {
	return w.locator
}

// Commit 刷盘并关闭文件，之后文件内容即为完整条目。
func (w *Writer) Commit() error {
	var err error
	w.once.Do(func() {
		if syncErr := w.file.Sync(); syncErr != nil {
			err = fmt.Errorf("sync cache file: %w", syncErr)
		}
		if closeErr := w.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close cache file: %w", closeErr)
		}
	})
	return err
}

// Abort 关闭并删除文件。已打开该文件的读取端仍可读完已写入的前缀。
func (w *Writer) Abort() error {
	var err error
	w.once.Do(func() {
		w.file.Close()
		if rmErr := os.Remove(w.filePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}
