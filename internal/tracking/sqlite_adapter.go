package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agrichat-dispatch/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    endpoint TEXT DEFAULT '',
    model TEXT DEFAULT '',
    status TEXT NOT NULL,
    error_kind TEXT DEFAULT '',
    status_code INTEGER DEFAULT 0,
    attempts INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_records_created_at ON dispatch_records(created_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_records_endpoint ON dispatch_records(endpoint);
`

// SQLiteAdapter SQLite数据库适配器实现
type SQLiteAdapter struct {
	cfg *config.DatabaseBackendConfig
	db  *sql.DB
}

// NewSQLiteAdapter 创建SQLite适配器实例
func NewSQLiteAdapter(cfg *config.DatabaseBackendConfig) *SQLiteAdapter {
	return &SQLiteAdapter{cfg: cfg}
}

// Open 建立SQLite数据库连接
func (s *SQLiteAdapter) Open() error {
	dbPath := s.cfg.Path
	if dbPath == "" {
		dbPath = "data/dispatch.db"
	}

	// 确保数据库目录存在
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// WAL对内存库无意义，只给落盘库加
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite写操作需要单一连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s.db = db
	slog.Info(fmt.Sprintf("✅ [使用跟踪] SQLite数据库连接成功: %s", dbPath))
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteAdapter) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	return s.db.PingContext(ctx)
}

// DB 获取数据库连接
func (s *SQLiteAdapter) DB() *sql.DB {
	return s.db
}

// InitSchema 初始化数据库表结构
func (s *SQLiteAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}
	return nil
}

// Type 返回数据库类型标识
func (s *SQLiteAdapter) Type() string {
	return "sqlite"
}
