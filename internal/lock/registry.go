// Package lock 提供按 Locator 互斥的单次抓取锁，并在磁盘上留下标记文件供崩溃恢复。
package lock

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/any-hub/artifact-proxy/internal/cache"
)

const (
	ownerFileName = ".owner"
	markerSuffix  = ".lock"
)

var (
	// ErrRootBusy 表示另一个进程正在使用同一缓存根目录。
	ErrRootBusy = errors.New("cache root is locked by another process")
	// ErrClosed 表示 Registry 已关闭。
	ErrClosed = errors.New("lock registry closed")
)

// Marker 是持久化在磁盘上的锁记录。
type Marker struct {
	Origin     string    `json:"origin"`
	Path       string    `json:"path"`
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`

	// OwnerAlive 仅在 Recover 时填充：记录的 PID 当时是否仍存活。
	OwnerAlive bool   `json:"-"`
	File       string `json:"-"`
}

// Locator 返回标记对应的缓存条目。
func (m Marker) Locator() cache.Locator {
	return cache.Locator{Origin: m.Origin, Path: m.Path}
}

// Registry 在进程内维护 Locator -> 持有者 映射，并以 flock 独占缓存根目录。
type Registry struct {
	dir   string
	owner *os.File
	pid   int

	mu     sync.Mutex
	held   map[string]*Lock
	closed bool
}

// Lock 代表一次抓取对某个 Locator 的持有权。
type Lock struct {
	registry *Registry
	locator  cache.Locator
	token    string
	file     string
	once     sync.Once
}

// Open 创建标记目录并对 <dir>/.owner 加非阻塞排他 flock。
func Open(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("lock dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	owner, err := os.OpenFile(filepath.Join(dir, ownerFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open owner file: %w", err)
	}
	if err := unix.Flock(int(owner.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrRootBusy, dir)
		}
		return nil, fmt.Errorf("flock owner file: %w", err)
	}

	pid := os.Getpid()
	if err := owner.Truncate(0); err == nil {
		_, _ = owner.WriteAt([]byte(fmt.Sprintf("%d\n", pid)), 0)
	}

	return &Registry{
		dir:   dir,
		owner: owner,
		pid:   pid,
		held:  make(map[string]*Lock),
	}, nil
}

// TryAcquire 非阻塞地获取锁；第二个返回值为 false 表示已有抓取在进行。
func (r *Registry) TryAcquire(loc cache.Locator) (*Lock, bool, error) {
	key := loc.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrClosed
	}
	if _, ok := r.held[key]; ok {
		return nil, false, nil
	}

	l := &Lock{
		registry: r,
		locator:  loc,
		token:    uuid.NewString(),
		file:     r.markerPath(key),
	}
	marker := Marker{
		Origin:     loc.Origin,
		Path:       loc.Path,
		PID:        r.pid,
		Token:      l.token,
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeMarker(l.file, marker); err != nil {
		return nil, false, err
	}

	r.held[key] = l
	return l, true, nil
}

// Held 判断 Locator 当前是否被本进程持有。
func (r *Registry) Held(loc cache.Locator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[loc.Key()]
	return ok
}

// Recover 回收所有不属于当前持有者的标记文件并返回它们，调用方负责清理对应文件与元数据。
func (r *Registry) Recover() ([]Marker, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var reclaimed []Marker
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markerSuffix) {
			continue
		}
		file := filepath.Join(r.dir, entry.Name())
		marker, err := readMarker(file)
		if err != nil {
			// 无法解析的标记同样视为崩溃残留。
			marker = Marker{File: file}
		}
		if current, ok := r.held[marker.Locator().Key()]; ok && current.token == marker.Token {
			continue
		}
		marker.OwnerAlive = marker.PID > 0 && marker.PID != r.pid && processAlive(marker.PID)
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return reclaimed, fmt.Errorf("remove stale marker: %w", err)
		}
		reclaimed = append(reclaimed, marker)
	}
	return reclaimed, nil
}

// Close 释放根目录 flock。仍被持有的锁在 Release 时照常清理标记。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = unix.Flock(int(r.owner.Fd()), unix.LOCK_UN)
	return r.owner.Close()
}

func (r *Registry) markerPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:])+markerSuffix)
}

func (r *Registry) release(l *Lock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := l.locator.Key()
	if current, ok := r.held[key]; ok && current == l {
		delete(r.held, key)
	}
	if err := os.Remove(l.file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// Locator 返回被锁定的条目。
func (l *Lock) Locator() cache.Locator {
	return l.locator
}

// Token 返回本次持有的唯一标识。
func (l *Lock) Token() string {
	return l.token
}

// Release 释放锁，可重复调用。
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.registry.release(l)
	})
	return err
}

func writeMarker(file string, marker Marker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode lock marker: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create lock marker: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(file)
		return fmt.Errorf("write lock marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(file)
		return fmt.Errorf("sync lock marker: %w", err)
	}
	return f.Close()
}

func readMarker(file string) (Marker, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return Marker{}, err
	}
	var marker Marker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return Marker{}, err
	}
	marker.File = file
	return marker, nil
}

// processAlive 通过 signal 0 探测进程是否存在；EPERM 说明进程存在但属于其他用户。
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
