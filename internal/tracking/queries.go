package tracking

import (
	"context"
	"fmt"
)

// UsageSummary 全局调度统计
type UsageSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessRequests   int64   `json:"success_requests"`
	FailureRequests   int64   `json:"failure_requests"`
	CancelledRequests int64   `json:"cancelled_requests"`
	AvgDurationMS     float64 `json:"avg_duration_ms"`
	AvgAttempts       float64 `json:"avg_attempts"`
}

// EndpointUsage 按端点聚合的统计
type EndpointUsage struct {
	Endpoint      string  `json:"endpoint"`
	RequestCount  int64   `json:"request_count"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	LastUsedAt    string  `json:"last_used_at"`
}

// Summary returns aggregate stats over all recorded dispatches.
func (t *Tracker) Summary(ctx context.Context) (*UsageSummary, error) {
	if !t.Enabled() {
		return &UsageSummary{}, nil
	}

	query := `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
    COALESCE(AVG(duration_ms), 0),
    COALESCE(AVG(attempts), 0)
FROM dispatch_records`

	var s UsageSummary
	row := t.adapter.DB().QueryRowContext(ctx, query)
	if err := row.Scan(&s.TotalRequests, &s.SuccessRequests, &s.FailureRequests,
		&s.CancelledRequests, &s.AvgDurationMS, &s.AvgAttempts); err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return &s, nil
}

// EndpointStats returns per-endpoint aggregates ordered by request count.
func (t *Tracker) EndpointStats(ctx context.Context) ([]EndpointUsage, error) {
	if !t.Enabled() {
		return nil, nil
	}

	query := `
SELECT
    endpoint,
    COUNT(*),
    COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0),
    COALESCE(AVG(duration_ms), 0),
    COALESCE(MAX(created_at), '')
FROM dispatch_records
WHERE endpoint != ''
GROUP BY endpoint
ORDER BY COUNT(*) DESC`

	rows, err := t.adapter.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint stats: %w", err)
	}
	defer rows.Close()

	var stats []EndpointUsage
	for rows.Next() {
		var u EndpointUsage
		if err := rows.Scan(&u.Endpoint, &u.RequestCount, &u.SuccessCount,
			&u.FailureCount, &u.AvgDurationMS, &u.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint stats: %w", err)
		}
		stats = append(stats, u)
	}
	return stats, rows.Err()
}

// Recent returns the most recent dispatch records, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if !t.Enabled() {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
SELECT request_id, endpoint, model, status, error_kind, status_code, attempts, duration_ms, created_at
FROM dispatch_records
ORDER BY created_at DESC, id DESC
LIMIT ?`

	rows, err := t.adapter.DB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		if err := rows.Scan(&rec.RequestID, &rec.Endpoint, &rec.Model, &rec.Status,
			&rec.ErrorKind, &rec.StatusCode, &rec.Attempts, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
