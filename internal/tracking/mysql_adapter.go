package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"agrichat-dispatch/config"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS dispatch_records (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    request_id VARCHAR(64) NOT NULL,
    endpoint VARCHAR(255) DEFAULT '',
    model VARCHAR(255) DEFAULT '',
    status VARCHAR(32) NOT NULL,
    error_kind VARCHAR(64) DEFAULT '',
    status_code INT DEFAULT 0,
    attempts INT DEFAULT 0,
    duration_ms BIGINT DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_dispatch_records_created_at (created_at),
    INDEX idx_dispatch_records_endpoint (endpoint)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	cfg *config.DatabaseBackendConfig
	db  *sql.DB
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(cfg *config.DatabaseBackendConfig) *MySQLAdapter {
	return &MySQLAdapter{cfg: cfg}
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	port := m.cfg.Port
	if port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		m.cfg.Username, m.cfg.Password, m.cfg.Host, port, m.cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	slog.Info(fmt.Sprintf("✅ [使用跟踪] MySQL数据库连接成功: %s:%d/%s", m.cfg.Host, port, m.cfg.Database))
	return nil
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

// DB 获取数据库连接
func (m *MySQLAdapter) DB() *sql.DB {
	return m.db
}

// InitSchema 初始化数据库表结构
// MySQL驱动不支持一次执行多条语句，按分号拆分逐条执行
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range strings.Split(mysqlSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize MySQL schema: %w", err)
		}
	}
	return nil
}

// Type 返回数据库类型标识
func (m *MySQLAdapter) Type() string {
	return "mysql"
}
