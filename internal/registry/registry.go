// Package registry 维护每个模型端点的健康状态，并按优先级链选择可用端点
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthState is the tagged state of one endpoint record.
type HealthState int

const (
	// StateHealthy means the endpoint is usable.
	StateHealthy HealthState = iota
	// StateRateLimited means the endpoint is excluded until the cooldown expires.
	StateRateLimited
	// StateUnavailable means the endpoint is excluded until an explicit reset.
	// 用于404类永久失败，不会自愈
	StateUnavailable
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateRateLimited:
		return "rate_limited"
	default:
		return "unavailable"
	}
}

// Record is the health record of one endpoint.
type Record struct {
	ID    string      `json:"id"`
	State HealthState `json:"state"`
	Until time.Time   `json:"until,omitempty"` // 限流到期时间，仅rate_limited有效
}

// HealthRegistry tracks endpoint health records keyed by endpoint name.
// Records are created lazily on first reference and never destroyed; the
// population is bounded by the configured chain length.
type HealthRegistry struct {
	mutex   sync.RWMutex
	records map[string]*Record
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		records: make(map[string]*Record),
	}
}

// record returns the record for id, creating a healthy one if absent.
// 调用方必须持有写锁
func (r *HealthRegistry) record(id string) *Record {
	rec, ok := r.records[id]
	if !ok {
		rec = &Record{ID: id, State: StateHealthy}
		r.records[id] = rec
	}
	return rec
}

// NextAvailable returns the first endpoint in chain order that is healthy,
// or rate-limited with an expired cooldown (in which case the record is
// reset to healthy before returning). The boolean is false when every
// endpoint is unavailable or still cooling down.
func (r *HealthRegistry) NextAvailable(chain []string, now time.Time) (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, id := range chain {
		rec := r.record(id)
		switch rec.State {
		case StateHealthy:
			return id, true
		case StateRateLimited:
			if !rec.Until.After(now) {
				// 冷却到期，自动恢复
				rec.State = StateHealthy
				rec.Until = time.Time{}
				slog.Info(fmt.Sprintf("🌡️ [端点注册表] 端点冷却结束，自动恢复: %s", id))
				return id, true
			}
		case StateUnavailable:
			// 粘性不可用，只能显式reset
		}
	}

	return "", false
}

// MarkRateLimited puts the endpoint into cooldown until now+cooldown.
// Overwrites any prior state, including Unavailable.
func (r *HealthRegistry) MarkRateLimited(id string, now time.Time, cooldown time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(id)
	rec.State = StateRateLimited
	rec.Until = now.Add(cooldown)

	slog.Warn(fmt.Sprintf("🚦 [端点注册表] 端点被限流: %s - 冷却至 %s", id, rec.Until.Format("15:04:05")))
}

// MarkUnavailable marks the endpoint as permanently unavailable.
// Sticky until Reset or ResetAll.
func (r *HealthRegistry) MarkUnavailable(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(id)
	rec.State = StateUnavailable
	rec.Until = time.Time{}

	slog.Warn(fmt.Sprintf("⛔ [端点注册表] 端点标记为不可用(粘性): %s", id))
}

// MarkHealthy clears any rate-limit or unavailable marker.
// Called on a confirmed successful response.
func (r *HealthRegistry) MarkHealthy(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(id)
	if rec.State != StateHealthy {
		slog.Info(fmt.Sprintf("✅ [端点注册表] 端点恢复健康: %s (原状态: %s)", id, rec.State))
	}
	rec.State = StateHealthy
	rec.Until = time.Time{}
}

// Reset administratively clears the record for one endpoint.
func (r *HealthRegistry) Reset(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec := r.record(id)
	rec.State = StateHealthy
	rec.Until = time.Time{}

	slog.Info(fmt.Sprintf("🔄 [端点注册表] 端点状态已重置: %s", id))
}

// ResetAll clears every record. Used by tests and long-lived session restarts.
func (r *HealthRegistry) ResetAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, rec := range r.records {
		rec.State = StateHealthy
		rec.Until = time.Time{}
	}

	slog.Info("🔄 [端点注册表] 全部端点状态已重置")
}

// StateOf returns the current state of one endpoint, evaluating cooldown
// expiry against now without mutating the record.
func (r *HealthRegistry) StateOf(id string, now time.Time) HealthState {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return StateHealthy
	}
	if rec.State == StateRateLimited && !rec.Until.After(now) {
		return StateHealthy
	}
	return rec.State
}

// Snapshot returns a copy of all records for the observability surface.
func (r *HealthRegistry) Snapshot() []Record {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
