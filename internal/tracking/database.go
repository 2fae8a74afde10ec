package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrichat-dispatch/config"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让跟踪器无需关心具体实现
type DatabaseAdapter interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error
	DB() *sql.DB
	InitSchema() error
	Type() string
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(cfg *config.DatabaseBackendConfig) (DatabaseAdapter, error) {
	switch cfg.Type {
	case "sqlite", "":
		return NewSQLiteAdapter(cfg), nil
	case "mysql":
		return NewMySQLAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// DispatchRecord 一次调度的最终结果记录
type DispatchRecord struct {
	RequestID  string    `json:"request_id"`
	Endpoint   string    `json:"endpoint"`
	Model      string    `json:"model"`
	Status     string    `json:"status"` // "success" | "failure" | "cancelled"
	ErrorKind  string    `json:"error_kind,omitempty"`
	StatusCode int       `json:"status_code"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

const insertRecordSQL = `
INSERT INTO dispatch_records
    (request_id, endpoint, model, status, error_kind, status_code, attempts, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// insertBatch 在单个事务里批量写入记录
func insertBatch(ctx context.Context, db *sql.DB, records []DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.RequestID, rec.Endpoint, rec.Model, rec.Status, rec.ErrorKind,
			rec.StatusCode, rec.Attempts, rec.DurationMS, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.RequestID, err)
		}
	}

	return tx.Commit()
}
