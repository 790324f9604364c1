package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"MetaHost/deploy/migrations"
	"MetaHost/internal/events"
)

// HistoryRepository 抽象插件生命周期历史的持久化接口。
type HistoryRepository interface {
	Append(ctx context.Context, record events.Record) error
	List(ctx context.Context, opts ...ListOption) ([]events.Record, error)
	Close() error
}

// ListOptions 控制历史查询的筛选条件。
type ListOptions struct {
	Limit    int
	Offset   int
	PluginID int32
	Kind     string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Kind = strings.TrimSpace(opts.Kind)
}

func (opts ListOptions) matches(record events.Record) bool {
	if opts.PluginID != 0 && record.PluginID != opts.PluginID {
		return false
	}
	if opts.Kind != "" && record.Kind != opts.Kind {
		return false
	}
	return true
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回的记录条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithPlugin 只返回指定插件的记录。
func WithPlugin(id int32) ListOption {
	return func(opts *ListOptions) { opts.PluginID = id }
}

// WithKind 只返回指定类型的事件。
func WithKind(kind string) ListOption {
	return func(opts *ListOptions) { opts.Kind = kind }
}

func buildOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()
	return o
}

// MemoryHistoryRepository 在内存中保留最近的历史，可选地以 JSON 行追加到本地文件。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	capacity int
	records  []events.Record
}

// NewMemoryHistoryRepository 创建内存历史仓库。dataDir 为空时不落盘。
func NewMemoryHistoryRepository(dataDir string, capacity int) (*MemoryHistoryRepository, error) {
	if capacity <= 0 {
		capacity = 512
	}
	repo := &MemoryHistoryRepository{capacity: capacity}
	if dataDir == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.dataFile = filepath.Join(dataDir, "plugin_history.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录事件。
func (m *MemoryHistoryRepository) Append(_ context.Context, record events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		if err := m.appendToDisk(record); err != nil {
			return err
		}
	}

	m.records = append([]events.Record{record}, m.records...)
	if len(m.records) > m.capacity {
		m.records = m.records[:m.capacity]
	}
	return nil
}

// List 返回最近的事件，按时间倒序排列。
func (m *MemoryHistoryRepository) List(_ context.Context, opts ...ListOption) ([]events.Record, error) {
	o := buildOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]events.Record, 0, o.Limit)
	skipped := 0
	for _, record := range m.records {
		if !o.matches(record) {
			continue
		}
		if skipped < o.Offset {
			skipped++
			continue
		}
		results = append(results, record)
		if len(results) == o.Limit {
			break
		}
	}
	return results, nil
}

// Close implements HistoryRepository.
func (m *MemoryHistoryRepository) Close() error { return nil }

func (m *MemoryHistoryRepository) appendToDisk(record events.Record) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开历史日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化历史记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入历史日志失败: %w", err)
	}
	return nil
}

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取历史日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []events.Record
	for scanner.Scan() {
		var record events.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]events.Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析历史日志失败: %w", err)
	}

	if len(restored) > m.capacity {
		restored = restored[:m.capacity]
	}
	m.records = restored
	return nil
}

// SQLHistoryRepository 使用 MySQL 存储插件生命周期历史。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并执行迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, migrations.FS()); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLHistoryRepository{db: db}, nil
}

const insertHistorySQL = `INSERT INTO plugin_history
        (event_id, kind, plugin_id, path, status, origin, message, forced, fingerprint, signature, signer, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectHistorySQL = `SELECT event_id, kind, plugin_id, path, status, origin, message, forced, fingerprint, signature, signer, created_at
        FROM plugin_history`

// Append 将事件写入 MySQL。
func (s *SQLHistoryRepository) Append(ctx context.Context, record events.Record) error {
	if _, err := s.db.ExecContext(ctx, insertHistorySQL,
		record.ID,
		record.Kind,
		record.PluginID,
		record.Path,
		record.Status,
		record.Origin,
		record.Message,
		record.Forced,
		record.Fingerprint,
		record.Signature,
		record.Signer,
		record.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// List 查询最近的若干条历史记录。
func (s *SQLHistoryRepository) List(ctx context.Context, opts ...ListOption) ([]events.Record, error) {
	query, args := buildListQuery(buildOptions(opts))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	defer rows.Close()

	var records []events.Record
	for rows.Next() {
		var (
			record  events.Record
			message sql.NullString
			created int64
		)
		if err := rows.Scan(&record.ID, &record.Kind, &record.PluginID, &record.Path, &record.Status, &record.Origin,
			&message, &record.Forced, &record.Fingerprint, &record.Signature, &record.Signer, &created); err != nil {
			return nil, fmt.Errorf("解析历史记录失败: %w", err)
		}
		record.Message = message.String
		record.Timestamp = time.UnixMilli(created).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历历史记录失败: %w", err)
	}
	return records, nil
}

func buildListQuery(o ListOptions) (string, []any) {
	var (
		b     strings.Builder
		where []string
		args  []any
	)
	b.WriteString(selectHistorySQL)
	if o.PluginID != 0 {
		where = append(where, "plugin_id = ?")
		args = append(args, o.PluginID)
	}
	if o.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, o.Kind)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id DESC LIMIT ? OFFSET ?")
	args = append(args, o.Limit, o.Offset)
	return b.String(), args
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
