package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 调度生命周期事件
	EventDispatchStarted   EventType = "dispatch_started"
	EventDispatchCompleted EventType = "dispatch_completed"
	EventDispatchFailed    EventType = "dispatch_failed"

	// 端点健康事件
	EventEndpointRateLimited EventType = "endpoint_rate_limited"
	EventEndpointUnavailable EventType = "endpoint_unavailable"
	EventEndpointRecovered   EventType = "endpoint_recovered"

	// 连通性事件
	EventConnectivityChanged EventType = "connectivity_changed"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                        // 延迟处理，如调度完成
	PriorityHigh                          // 立即处理，如健康状态变化
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}
