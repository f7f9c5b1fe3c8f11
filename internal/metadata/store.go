package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/metadata/migrations"
)

// Status 表示条目生命周期。NOT_CACHED 以“无记录”表示，不落库。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

var (
	// ErrDuplicateEntry 表示该 Locator 已存在记录。
	ErrDuplicateEntry = errors.New("metadata entry already exists")
	// ErrInvalidTransition 表示状态迁移不合法（记录不存在、已完成或长度不符）。
	ErrInvalidTransition = errors.New("invalid metadata transition")
)

// Entry 是持久化的缓存条目记录。
type Entry struct {
	Locator       cache.Locator
	Status        Status
	ETag          string
	ContentLength int64
	ContentType   string
	Headers       http.Header
	FirstSeen     time.Time
	LastSeen      time.Time
}

// Complete 判断条目是否已完成。
func (e Entry) Complete() bool {
	return e.Status == StatusComplete
}

// NewEntry 是创建 IN_PROGRESS 记录所需的源站信息。
type NewEntry struct {
	Locator       cache.Locator
	ETag          string
	ContentLength int64
	ContentType   string
	Headers       http.Header
}

// Stats 汇总各状态条目数量，供诊断接口使用。
type Stats struct {
	Complete      int64         `json:"complete"`
	InProgress    int64         `json:"in_progress"`
	CompleteBytes int64         `json:"complete_bytes"`
	Origins       []OriginStats `json:"origins"`
}

// OriginStats 是单个 origin 的统计。
type OriginStats struct {
	Origin        string `json:"origin"`
	Complete      int64  `json:"complete"`
	InProgress    int64  `json:"in_progress"`
	CompleteBytes int64  `json:"complete_bytes"`
}

// Store 基于 SQLite 持久化条目状态，所有写操作均为单条自动提交语句。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（必要时创建）元数据库并执行迁移。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("metadata path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	dsn := "file:" + cleanPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 释放数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const entryColumns = `origin, remote_path, status, etag, content_length, content_type, headers, first_seen, last_seen`

// Lookup 只读查询，第二个返回值表示记录是否存在。
func (s *Store) Lookup(ctx context.Context, loc cache.Locator) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE origin = ? AND remote_path = ?`,
		loc.Origin, loc.Path,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", loc, err)
	}
	return entry, true, nil
}

// CreateInProgress 新建 IN_PROGRESS 记录；已有记录时返回 ErrDuplicateEntry。
func (s *Store) CreateInProgress(ctx context.Context, in NewEntry) (Entry, error) {
	if in.Locator.Origin == "" || in.Locator.Path == "" {
		return Entry{}, fmt.Errorf("create entry: %w", cache.ErrInvalidLocator)
	}
	if in.ContentLength < 0 {
		in.ContentLength = 0
	}
	headers, err := encodeHeaders(in.Headers)
	if err != nil {
		return Entry{}, err
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO cache_entries (`+entryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (origin, remote_path) DO NOTHING`,
		in.Locator.Origin,
		in.Locator.Path,
		string(StatusInProgress),
		in.ETag,
		in.ContentLength,
		in.ContentType,
		headers,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("create entry %s: %w", in.Locator, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("create entry %s: %w", in.Locator, err)
	}
	if affected == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateEntry, in.Locator)
	}

	return Entry{
		Locator:       in.Locator,
		Status:        StatusInProgress,
		ETag:          in.ETag,
		ContentLength: in.ContentLength,
		ContentType:   in.ContentType,
		Headers:       cloneHeader(in.Headers),
		FirstSeen:     time.UnixMilli(now.UnixMilli()).UTC(),
		LastSeen:      time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// MarkComplete 将 IN_PROGRESS 迁移为 COMPLETE 并记录最终大小。
// 已知的 content_length 与 size 不一致时拒绝迁移。
func (s *Store) MarkComplete(ctx context.Context, loc cache.Locator, size int64) (Entry, error) {
	if size < 0 {
		return Entry{}, fmt.Errorf("%w: negative size %d", ErrInvalidTransition, size)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE cache_entries
SET status = ?, content_length = ?, last_seen = ?
WHERE origin = ? AND remote_path = ? AND status = ?
  AND (content_length = 0 OR content_length = ?)`,
		string(StatusComplete),
		size,
		s.now().UTC().UnixMilli(),
		loc.Origin,
		loc.Path,
		string(StatusInProgress),
		size,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("mark complete %s: %w", loc, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("mark complete %s: %w", loc, err)
	}
	if affected == 0 {
		return Entry{}, s.transitionError(ctx, loc, size)
	}

	entry, ok, err := s.Lookup(ctx, loc)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s removed concurrently", ErrInvalidTransition, loc)
	}
	return entry, nil
}

func (s *Store) transitionError(ctx context.Context, loc cache.Locator, size int64) error {
	entry, ok, err := s.Lookup(ctx, loc)
	switch {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("%w: %s not found", ErrInvalidTransition, loc)
	case entry.Complete():
		return fmt.Errorf("%w: %s already complete", ErrInvalidTransition, loc)
	default:
		return fmt.Errorf("%w: %s expected %d bytes, got %d", ErrInvalidTransition, loc, entry.ContentLength, size)
	}
}

// Remove 删除记录，不存在时不报错。
func (s *Store) Remove(ctx context.Context, loc cache.Locator) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE origin = ? AND remote_path = ?`,
		loc.Origin, loc.Path,
	); err != nil {
		return fmt.Errorf("remove %s: %w", loc, err)
	}
	return nil
}

// Touch 更新 last_seen，供后续容量淘汰参考。
func (s *Store) Touch(ctx context.Context, loc cache.Locator, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_seen = ? WHERE origin = ? AND remote_path = ?`,
		at.UTC().UnixMilli(), loc.Origin, loc.Path,
	); err != nil {
		return fmt.Errorf("touch %s: %w", loc, err)
	}
	return nil
}

// ListByStatus 列出指定状态的全部记录，按 origin/path 排序。
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE status = ? ORDER BY origin, remote_path`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s entries: %w", status, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Stats 汇总每个 origin 的条目数量与已完成字节数。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT origin,
       SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'complete' THEN content_length ELSE 0 END)
FROM cache_entries
GROUP BY origin
ORDER BY origin`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Origins: []OriginStats{}}
	for rows.Next() {
		var item OriginStats
		if err := rows.Scan(&item.Origin, &item.Complete, &item.InProgress, &item.CompleteBytes); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Complete += item.Complete
		stats.InProgress += item.InProgress
		stats.CompleteBytes += item.CompleteBytes
		stats.Origins = append(stats.Origins, item)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		status    string
		headers   string
		firstSeen int64
		lastSeen  int64
	)
	if err := row.Scan(
		&entry.Locator.Origin,
		&entry.Locator.Path,
		&status,
		&entry.ETag,
		&entry.ContentLength,
		&entry.ContentType,
		&headers,
		&firstSeen,
		&lastSeen,
	); err != nil {
		return Entry{}, err
	}
	entry.Status = Status(status)
	entry.FirstSeen = time.UnixMilli(firstSeen).UTC()
	entry.LastSeen = time.UnixMilli(lastSeen).UTC()
	decoded, err := decodeHeaders(headers)
	if err != nil {
		return Entry{}, err
	}
	entry.Headers = decoded
	return entry, nil
}

func encodeHeaders(h http.Header) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return string(raw), nil
}

func decodeHeaders(raw string) (http.Header, error) {
	h := http.Header{}
	if raw == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
