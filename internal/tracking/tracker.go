// Package tracking 异步记录每次调度的最终结果，用于使用统计
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agrichat-dispatch/config"
)

// Tracker 调度结果跟踪器
// Record是非阻塞的：记录先进内存缓冲，后台协程按批落库；
// 缓冲满时丢弃新记录并记日志，调度路径永不被数据库拖慢。
type Tracker struct {
	cfg     config.TrackingConfig
	adapter DatabaseAdapter

	recordChan chan DispatchRecord
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewTracker creates the tracker and opens the configured database backend.
// A disabled config returns a no-op tracker.
func NewTracker(cfg config.TrackingConfig) (*Tracker, error) {
	t := &Tracker{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	adapter, err := NewDatabaseAdapter(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	t.adapter = adapter
	t.recordChan = make(chan DispatchRecord, cfg.BufferSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.writeLoop()

	slog.Info(fmt.Sprintf("📊 [使用跟踪] 跟踪器已启动 (后端: %s, 缓冲: %d, 批量: %d, 刷新间隔: %s)",
		adapter.Type(), cfg.BufferSize, cfg.BatchSize, cfg.FlushInterval))
	return t, nil
}

// Enabled reports whether records are being persisted.
func (t *Tracker) Enabled() bool {
	return t.cfg.Enabled && t.adapter != nil
}

// Record enqueues a dispatch record. Never blocks.
func (t *Tracker) Record(rec DispatchRecord) {
	if !t.Enabled() {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	select {
	case t.recordChan <- rec:
	default:
		t.mu.Lock()
		t.dropped++
		dropped := t.dropped
		t.mu.Unlock()
		slog.Warn(fmt.Sprintf("⚠️ [使用跟踪] 缓冲区已满，丢弃记录: %s (累计丢弃: %d)", rec.RequestID, dropped))
	}
}

// Dropped returns the count of records discarded due to a full buffer.
func (t *Tracker) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// HealthCheck pings the database backend.
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.adapter.Ping(ctx)
}

// Close flushes buffered records and closes the database.
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}

	t.cancel()
	t.wg.Wait()

	// 关闭后排空通道里残留的记录
	close(t.recordChan)
	var remaining []DispatchRecord
	for rec := range t.recordChan {
		remaining = append(remaining, rec)
	}
	if len(remaining) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := insertBatch(ctx, t.adapter.DB(), remaining); err != nil {
			slog.Error(fmt.Sprintf("❌ [使用跟踪] 关闭时刷新记录失败: %v", err))
		}
	}

	slog.Info("📊 [使用跟踪] 跟踪器已关闭")
	return t.adapter.Close()
}

// writeLoop 批量落库：攒够batch_size或到达flush_interval就写一批
func (t *Tracker) writeLoop() {
	defer t.wg.Done()

	batch := make([]DispatchRecord, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := insertBatch(ctx, t.adapter.DB(), batch); err != nil {
			slog.Error(fmt.Sprintf("❌ [使用跟踪] 批量写入失败 (%d 条): %v", len(batch), err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-t.ctx.Done():
			flush()
			return
		case rec := <-t.recordChan:
			batch = append(batch, rec)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
