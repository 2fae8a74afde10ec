package tracking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-dispatch/config"
)

func memoryConfig(batchSize int, flushInterval time.Duration) config.TrackingConfig {
	return config.TrackingConfig{
		Enabled:       true,
		Database:      &config.DatabaseBackendConfig{Type: "sqlite", Path: ":memory:"},
		BufferSize:    64,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
	}
}

func waitForTotal(t *testing.T, tracker *Tracker, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := tracker.Summary(context.Background())
		require.NoError(t, err)
		if summary.TotalRequests >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records", want)
}

func TestDisabledTrackerIsNoop(t *testing.T) {
	tracker, err := NewTracker(config.TrackingConfig{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tracker.Enabled())
	tracker.Record(DispatchRecord{RequestID: "ignored"})
	require.NoError(t, tracker.HealthCheck(context.Background()))

	summary, err := tracker.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.TotalRequests)

	require.NoError(t, tracker.Close())
}

func TestRecordAndQuery(t *testing.T) {
	tracker, err := NewTracker(memoryConfig(2, 50*time.Millisecond))
	require.NoError(t, err)
	defer tracker.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker.Record(DispatchRecord{
		RequestID: "req-1", Endpoint: "primary", Model: "claude-sonnet-4",
		Status: "success", StatusCode: 200, Attempts: 1, DurationMS: 120, CreatedAt: base,
	})
	tracker.Record(DispatchRecord{
		RequestID: "req-2", Endpoint: "backup", Model: "gpt-4o",
		Status: "failure", ErrorKind: "all_backends_exhausted", Attempts: 5, DurationMS: 900,
		CreatedAt: base.Add(time.Second),
	})
	tracker.Record(DispatchRecord{
		RequestID: "req-3", Status: "cancelled", ErrorKind: "cancelled",
		CreatedAt: base.Add(2 * time.Second),
	})

	waitForTotal(t, tracker, 3)

	summary, err := tracker.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.SuccessRequests)
	assert.Equal(t, int64(1), summary.FailureRequests)
	assert.Equal(t, int64(1), summary.CancelledRequests)

	// 端点统计只聚合有端点名的记录
	stats, err := tracker.EndpointStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, int64(1), s.RequestCount)
	}

	recent, err := tracker.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "req-3", recent[0].RequestID)
	assert.Equal(t, "req-2", recent[1].RequestID)

	assert.Zero(t, tracker.Dropped())
	require.NoError(t, tracker.HealthCheck(context.Background()))
}

func TestCloseFlushesRemaining(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	cfg := config.TrackingConfig{
		Enabled:       true,
		Database:      &config.DatabaseBackendConfig{Type: "sqlite", Path: dbPath},
		BufferSize:    64,
		BatchSize:     1000,
		FlushInterval: time.Hour, // 批量与定时都不会触发，只有Close会刷
	}

	tracker, err := NewTracker(cfg)
	require.NoError(t, err)
	tracker.Record(DispatchRecord{RequestID: "pending-1", Endpoint: "primary", Status: "success"})
	tracker.Record(DispatchRecord{RequestID: "pending-2", Endpoint: "primary", Status: "failure"})
	require.NoError(t, tracker.Close())

	// 重新打开数据库验证落盘
	adapter := NewSQLiteAdapter(&config.DatabaseBackendConfig{Type: "sqlite", Path: dbPath})
	require.NoError(t, adapter.Open())
	defer adapter.Close()

	var count int64
	row := adapter.DB().QueryRow("SELECT COUNT(*) FROM dispatch_records")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, int64(2), count)
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	adapter := NewSQLiteAdapter(&config.DatabaseBackendConfig{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, adapter.Open())
	require.NoError(t, adapter.InitSchema())
	defer adapter.Close()

	// 不启动writeLoop，缓冲区只装得下一条
	tracker := &Tracker{
		cfg:        config.TrackingConfig{Enabled: true},
		adapter:    adapter,
		recordChan: make(chan DispatchRecord, 1),
	}

	tracker.Record(DispatchRecord{RequestID: "kept"})
	tracker.Record(DispatchRecord{RequestID: "dropped-1"})
	tracker.Record(DispatchRecord{RequestID: "dropped-2"})

	assert.Equal(t, int64(2), tracker.Dropped())
}

func TestNewDatabaseAdapter(t *testing.T) {
	adapter, err := NewDatabaseAdapter(&config.DatabaseBackendConfig{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", adapter.Type())

	adapter, err = NewDatabaseAdapter(&config.DatabaseBackendConfig{Type: "mysql"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", adapter.Type())

	_, err = NewDatabaseAdapter(&config.DatabaseBackendConfig{Type: "postgres"})
	require.Error(t, err)
}
