// Package dispatch 把端点注册表、传输层和重试编排串成AI后端调用链路
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/events"
	"agrichat-dispatch/internal/registry"
	"agrichat-dispatch/internal/tracking"
)

// CallResult is the transport-level outcome of one endpoint call.
type CallResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Caller is the transport primitive supplied by the HTTP client layer.
type Caller interface {
	Call(ctx context.Context, endpoint config.EndpointConfig, payload []byte) (*CallResult, error)
}

// Response is a successful dispatch result.
type Response struct {
	RequestID  string        `json:"request_id"`
	Endpoint   string        `json:"endpoint"`
	Model      string        `json:"model,omitempty"`
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"-"`
	Body       []byte        `json:"-"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// Coordinator drives the endpoint chain for one logical backend call:
// select next usable endpoint, attempt, classify, update health, repeat
// until success, exhaustion or the overall deadline.
type Coordinator struct {
	registry *registry.HealthRegistry
	caller   Caller

	mutex       sync.RWMutex
	chain       []string
	endpoints   map[string]config.EndpointConfig
	timeout     time.Duration
	maxAttempts int
	cooldown    time.Duration

	tracker  *tracking.Tracker
	eventBus events.EventBus

	// 测试注入用时钟
	now func() time.Time
}

// NewCoordinator creates a coordinator over the configured endpoint chain.
func NewCoordinator(cfg *config.Config, reg *registry.HealthRegistry, caller Caller) *Coordinator {
	c := &Coordinator{
		registry: reg,
		caller:   caller,
		now:      time.Now,
	}
	c.UpdateConfig(cfg)
	return c
}

// SetTracker wires the usage tracker. Optional.
func (c *Coordinator) SetTracker(t *tracking.Tracker) {
	c.mutex.Lock()
	c.tracker = t
	c.mutex.Unlock()
}

// SetEventBus wires the event bus. Optional.
func (c *Coordinator) SetEventBus(bus events.EventBus) {
	c.mutex.Lock()
	c.eventBus = bus
	c.mutex.Unlock()
}

// UpdateConfig swaps in a reloaded configuration.
func (c *Coordinator) UpdateConfig(cfg *config.Config) {
	endpoints := make(map[string]config.EndpointConfig, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints[ep.Name] = ep
	}

	c.mutex.Lock()
	c.chain = cfg.Chain()
	c.endpoints = endpoints
	c.timeout = cfg.Dispatch.Timeout
	c.maxAttempts = cfg.Dispatch.MaxAttempts
	c.cooldown = cfg.Dispatch.Cooldown
	c.mutex.Unlock()
}

// Chain returns the current priority-ordered endpoint names.
func (c *Coordinator) Chain() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]string, len(c.chain))
	copy(out, c.chain)
	return out
}

// Send dispatches the payload across the endpoint chain, bounded by the
// overall deadline. The deadline is raced against the attempt sequence;
// whichever finishes first wins and the loser is cancelled.
func (c *Coordinator) Send(ctx context.Context, payload []byte) (*Response, error) {
	c.mutex.RLock()
	timeout := c.timeout
	c.mutex.RUnlock()

	requestID := uuid.NewString()[:8]
	start := c.now()

	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.publish(events.EventDispatchStarted, events.PriorityNormal, map[string]interface{}{
		"request_id": requestID,
		"payload":    len(payload),
	})

	type sendResult struct {
		resp *Response
		err  error
	}
	resultCh := make(chan sendResult, 1)

	go func() {
		resp, err := c.dispatch(dispatchCtx, requestID, payload, start)
		resultCh <- sendResult{resp: resp, err: err}
	}()

	var resp *Response
	var err error

	select {
	case r := <-resultCh:
		resp, err = r.resp, r.err
	case <-dispatchCtx.Done():
		// 计时器先到：败方（调度序列）被cancel掉，调用完成后结果丢弃
		if ctx.Err() != nil {
			err = &DispatchError{Kind: KindCancelled, Err: ctx.Err()}
		} else {
			err = &DispatchError{
				Kind: KindTransient,
				Err:  fmt.Errorf("dispatch deadline exceeded after %s", timeout),
			}
			slog.WarnContext(ctx, fmt.Sprintf("⏰ [调度协调] [%s] 整体截止时间已到 (%s)，放弃调度", requestID, timeout))
		}
	}

	c.finish(requestID, resp, err, c.now().Sub(start))
	return resp, err
}

// dispatch runs the endpoint-chain loop.
func (c *Coordinator) dispatch(ctx context.Context, requestID string, payload []byte, start time.Time) (*Response, error) {
	c.mutex.RLock()
	chain := c.chain
	endpoints := c.endpoints
	maxAttempts := c.maxAttempts
	cooldown := c.cooldown
	c.mutex.RUnlock()

	var lastErr error
	attempts := 0

	for attempts < maxAttempts {
		if ctx.Err() != nil {
			return nil, c.interrupted(ctx, lastErr)
		}

		endpointID, ok := c.registry.NextAvailable(chain, c.now())
		if !ok {
			slog.ErrorContext(ctx, fmt.Sprintf("💥 [调度协调] [%s] 端点链已耗尽 (已尝试 %d 次) - 最后错误: %v",
				requestID, attempts, lastErr))
			return nil, &DispatchError{Kind: KindAllBackendsExhausted, Err: lastErr}
		}

		ep, exists := endpoints[endpointID]
		if !exists {
			// 注册表里有记录但配置已删掉该端点，标记后换下一个
			c.registry.MarkUnavailable(endpointID)
			continue
		}

		attempts++
		slog.InfoContext(ctx, fmt.Sprintf("🎯 [调度协调] [%s] 选择端点: %s (第 %d/%d 次尝试)",
			requestID, endpointID, attempts, maxAttempts))

		result, callErr := c.caller.Call(ctx, ep, payload)

		if callErr != nil {
			if ctx.Err() != nil {
				return nil, c.interrupted(ctx, lastErr)
			}
			// 传输层错误：瞬时失败，不动端点健康状态
			lastErr = &DispatchError{Kind: KindTransient, Endpoint: endpointID, Err: callErr}
			slog.WarnContext(ctx, fmt.Sprintf("❌ [调度协调] [%s] 端点网络错误: %s - %v", requestID, endpointID, callErr))
			continue
		}

		if result.StatusCode >= 200 && result.StatusCode < 300 {
			prev := c.registry.StateOf(endpointID, c.now())
			c.registry.MarkHealthy(endpointID)
			if prev != registry.StateHealthy {
				c.publish(events.EventEndpointRecovered, events.PriorityHigh, map[string]interface{}{
					"endpoint": endpointID,
				})
			}
			slog.InfoContext(ctx, fmt.Sprintf("✅ [调度协调] [%s] 调度成功: %s (状态码: %d, 尝试 %d 次)",
				requestID, endpointID, result.StatusCode, attempts))
			return &Response{
				RequestID:  requestID,
				Endpoint:   endpointID,
				Model:      ep.Model,
				StatusCode: result.StatusCode,
				Header:     result.Header,
				Body:       result.Body,
				Attempts:   attempts,
				Duration:   c.now().Sub(start),
			}, nil
		}

		kind := ClassifyStatus(result.StatusCode)
		lastErr = &DispatchError{Kind: kind, StatusCode: result.StatusCode, Endpoint: endpointID}

		switch kind {
		case KindRateLimited:
			// 限流：冷却该端点，换链上下一个
			c.registry.MarkRateLimited(endpointID, c.now(), cooldown)
			c.publish(events.EventEndpointRateLimited, events.PriorityHigh, map[string]interface{}{
				"endpoint": endpointID,
				"cooldown": cooldown.String(),
			})
		case KindPermanentEndpoint:
			// 404类：粘性不可用，只能显式重置
			c.registry.MarkUnavailable(endpointID)
			c.publish(events.EventEndpointUnavailable, events.PriorityHigh, map[string]interface{}{
				"endpoint":    endpointID,
				"status_code": result.StatusCode,
			})
		default:
			// 其他非成功状态码：通用失败，不改端点健康
			slog.WarnContext(ctx, fmt.Sprintf("🔄 [调度协调] [%s] 端点返回 %d，尝试下一个端点: %s",
				requestID, result.StatusCode, endpointID))
		}
	}

	slog.ErrorContext(ctx, fmt.Sprintf("💥 [调度协调] [%s] 达到全链尝试上限 %d - 最后错误: %v",
		requestID, maxAttempts, lastErr))
	if lastErr == nil {
		lastErr = &DispatchError{Kind: KindAllBackendsExhausted}
	}
	return nil, lastErr
}

// interrupted maps a context interruption onto the dispatch error taxonomy.
func (c *Coordinator) interrupted(ctx context.Context, lastErr error) error {
	if ctx.Err() == context.Canceled {
		return &DispatchError{Kind: KindCancelled, Err: ctx.Err()}
	}
	return &DispatchError{
		Kind: KindTransient,
		Err:  fmt.Errorf("dispatch interrupted: %w", ctx.Err()),
	}
}

// finish records the terminal outcome to tracking and the event bus.
func (c *Coordinator) finish(requestID string, resp *Response, err error, duration time.Duration) {
	c.mutex.RLock()
	tracker := c.tracker
	c.mutex.RUnlock()

	rec := tracking.DispatchRecord{
		RequestID:  requestID,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  c.now(),
	}

	if err == nil && resp != nil {
		rec.Endpoint = resp.Endpoint
		rec.Model = resp.Model
		rec.Status = "success"
		rec.StatusCode = resp.StatusCode
		rec.Attempts = resp.Attempts
		c.publish(events.EventDispatchCompleted, events.PriorityNormal, map[string]interface{}{
			"request_id": requestID,
			"endpoint":   resp.Endpoint,
			"attempts":   resp.Attempts,
			"duration":   duration.String(),
		})
	} else {
		kind := KindOf(err)
		if kind == KindCancelled {
			rec.Status = "cancelled"
		} else {
			rec.Status = "failure"
		}
		rec.ErrorKind = kind.String()
		var de *DispatchError
		if errors.As(err, &de) {
			rec.Endpoint = de.Endpoint
			rec.StatusCode = de.StatusCode
		}
		c.publish(events.EventDispatchFailed, events.PriorityHigh, map[string]interface{}{
			"request_id": requestID,
			"error_kind": rec.ErrorKind,
			"duration":   duration.String(),
		})
	}

	if tracker != nil {
		tracker.Record(rec)
	}
}

// publish sends an event when a bus is wired.
func (c *Coordinator) publish(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	c.mutex.RLock()
	bus := c.eventBus
	c.mutex.RUnlock()

	if bus == nil {
		return
	}
	bus.Publish(events.Event{
		Type:     eventType,
		Source:   "dispatch_coordinator",
		Priority: priority,
		Data:     data,
	})
}
