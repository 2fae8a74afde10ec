// Package retry 通用重试编排器
// 在退避策略下执行任意异步操作，可选地受连通性门控、取消和并发上限约束
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"agrichat-dispatch/internal/connectivity"
)

// StatusSource is the connectivity contract the orchestrator consults
// when a policy requires live connectivity.
type StatusSource interface {
	Current() connectivity.Snapshot
	Subscribe() <-chan connectivity.Snapshot
	Unsubscribe(<-chan connectivity.Snapshot)
}

// MetricsRecorder receives attempt/outcome notifications.
// 由monitoring中间件实现，编排器本身不依赖prometheus
type MetricsRecorder interface {
	RecordRetryAttempt(operationID string)
	RecordRetryOutcome(status string)
}

// Operation is a caller-supplied asynchronous operation.
type Operation[T any] func(ctx context.Context) (T, error)

// BatchOperation pairs an operation with its caller-supplied id.
type BatchOperation[T any] struct {
	ID string
	Op Operation[T]
}

// ErrDuplicateOperation is returned when an operation id is already in flight.
var ErrDuplicateOperation = fmt.Errorf("operation id already active")

// handle is the live record of one in-flight retry sequence.
type handle struct {
	id        string
	policy    Policy
	startedAt time.Time
	cancel    context.CancelFunc

	mutex   sync.Mutex
	attempt int
}

func (h *handle) setAttempt(n int) {
	h.mutex.Lock()
	h.attempt = n
	h.mutex.Unlock()
}

func (h *handle) currentAttempt() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.attempt
}

// OperationView is an externally observable snapshot of an in-flight
// retry sequence, for progress surfaces. Observers never mutate it.
type OperationView struct {
	ID             string    `json:"id"`
	CurrentAttempt int       `json:"current_attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	StartedAt      time.Time `json:"started_at"`
}

// Orchestrator owns the active-operation set and the connectivity gate.
// Any number of retry sequences may be in flight concurrently.
type Orchestrator struct {
	source  StatusSource
	metrics MetricsRecorder

	mutex  sync.Mutex
	active map[string]*handle
}

// NewOrchestrator creates an orchestrator. source may be nil, in which
// case connectivity gating degrades to a no-op (always connected).
func NewOrchestrator(source StatusSource) *Orchestrator {
	return &Orchestrator{
		source: source,
		active: make(map[string]*handle),
	}
}

// SetMetricsRecorder wires the monitoring middleware.
func (o *Orchestrator) SetMetricsRecorder(m MetricsRecorder) {
	o.metrics = m
}

// Active returns snapshots of all in-flight retry sequences, oldest first.
func (o *Orchestrator) Active() []OperationView {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	out := make([]OperationView, 0, len(o.active))
	for _, h := range o.active {
		out = append(out, OperationView{
			ID:             h.id,
			CurrentAttempt: h.currentAttempt(),
			MaxAttempts:    h.policy.MaxAttempts,
			StartedAt:      h.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel signals the cancel token of the identified operation. The
// sequence observes it at its next suspension point; an in-flight call is
// allowed to finish but its result is discarded. Returns false when no
// such operation is active.
func (o *Orchestrator) Cancel(operationID string) bool {
	o.mutex.Lock()
	h, ok := o.active[operationID]
	o.mutex.Unlock()

	if !ok {
		return false
	}

	slog.Info(fmt.Sprintf("🛑 [重试编排] 操作已请求取消: %s (当前尝试: %d)", operationID, h.currentAttempt()))
	h.cancel()
	return true
}

// register creates the handle and the cancellable operation context.
func (o *Orchestrator) register(ctx context.Context, id string, policy Policy) (context.Context, *handle, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if _, exists := o.active[id]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, id)
	}

	opCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		id:        id,
		policy:    policy,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	o.active[id] = h
	return opCtx, h, nil
}

// unregister removes the handle and releases its context.
func (o *Orchestrator) unregister(id string) {
	o.mutex.Lock()
	h, ok := o.active[id]
	if ok {
		delete(o.active, id)
	}
	o.mutex.Unlock()

	if ok {
		h.cancel()
	}
}

// awaitConnectivity blocks until the network is reachable or the context
// is cancelled. Waiting here never consumes an attempt.
func (o *Orchestrator) awaitConnectivity(ctx context.Context, operationID string) bool {
	if o.source == nil {
		return ctx.Err() == nil
	}
	if ctx.Err() != nil {
		return false
	}
	if o.source.Current().Connected() {
		return true
	}

	ch := o.source.Subscribe()
	defer o.source.Unsubscribe(ch)

	// 订阅后复查，避免订阅前的状态切换被漏掉
	if o.source.Current().Connected() {
		return true
	}

	slog.Info(fmt.Sprintf("⏸️ [重试编排] 网络断开，操作挂起等待恢复: %s", operationID))

	for {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			if snap.Connected() {
				slog.Info(fmt.Sprintf("▶️ [重试编排] 网络恢复，操作继续: %s", operationID))
				return true
			}
		}
	}
}

// Do executes op under the policy with every error treated as retryable.
func Do[T any](ctx context.Context, o *Orchestrator, operationID string, policy Policy, op Operation[T]) Outcome[T] {
	return DoWithPredicate(ctx, o, operationID, policy, op, nil)
}

// DoWhenOnline is Do with RequiresConnectivity forced on regardless of
// the supplied policy.
func DoWhenOnline[T any](ctx context.Context, o *Orchestrator, operationID string, policy Policy, op Operation[T]) Outcome[T] {
	policy.RequiresConnectivity = true
	return DoWithPredicate(ctx, o, operationID, policy, op, nil)
}

// DoWithPredicate executes op under the policy. retryable decides whether
// a given error is worth another attempt; nil means everything is.
//
// 一次调用内attempt严格串行：上一次的结果分类完、延迟走完之前，
// 下一次尝试不会开始。取消在每个挂起点检查，并优先于未决失败。
func DoWithPredicate[T any](
	ctx context.Context,
	o *Orchestrator,
	operationID string,
	policy Policy,
	op Operation[T],
	retryable func(error) bool,
) Outcome[T] {
	policy = policy.normalized()

	opCtx, h, err := o.register(ctx, operationID, policy)
	if err != nil {
		return FailureOutcome[T](err, 0)
	}
	defer o.unregister(operationID)

	recordOutcome := func(out Outcome[T]) Outcome[T] {
		if o.metrics != nil {
			o.metrics.RecordRetryOutcome(out.Status.String())
		}
		return out
	}

	var lastErr error
	attempt := 0

	for attempt < policy.MaxAttempts {
		// 连通性门控：挂起不消耗尝试次数
		if policy.RequiresConnectivity {
			if !o.awaitConnectivity(opCtx, operationID) {
				return recordOutcome(CancelledOutcome[T](attempt))
			}
		}

		attempt++
		h.setAttempt(attempt)
		if o.metrics != nil {
			o.metrics.RecordRetryAttempt(operationID)
		}

		value, opErr := op(opCtx)

		// 取消优先：进行中的调用允许完成，但结果丢弃
		if opCtx.Err() != nil {
			return recordOutcome(CancelledOutcome[T](attempt))
		}

		if opErr == nil {
			return recordOutcome(SuccessOutcome(value, attempt))
		}

		lastErr = opErr

		if retryable != nil && !retryable(opErr) {
			slog.Warn(fmt.Sprintf("❌ [重试编排] 不可重试错误，终止: %s (尝试 %d/%d) - %v",
				operationID, attempt, policy.MaxAttempts, opErr))
			return recordOutcome(FailureOutcome[T](opErr, attempt))
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempt)
		slog.Info(fmt.Sprintf("⏳ [重试编排] 操作 %s 第%d次尝试失败，%s后重试 - %v",
			operationID, attempt, delay, opErr))

		select {
		case <-opCtx.Done():
			return recordOutcome(CancelledOutcome[T](attempt))
		case <-time.After(delay):
		}
	}

	slog.Warn(fmt.Sprintf("💥 [重试编排] 操作 %s 全部 %d 次尝试均失败 - %v", operationID, attempt, lastErr))
	return recordOutcome(FailureOutcome[T](lastErr, attempt))
}

// DoBatch runs the individual retry sequences concurrently, admitting at
// most maxConcurrent in flight at any time. The result map is keyed by
// operation id and is complete only once every operation terminated;
// completion order is not guaranteed.
func DoBatch[T any](
	ctx context.Context,
	o *Orchestrator,
	ops []BatchOperation[T],
	policy Policy,
	maxConcurrent int,
) map[string]Outcome[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make(map[string]Outcome[T], len(ops))
	var mutex sync.Mutex
	var wg sync.WaitGroup

	for _, bo := range ops {
		wg.Add(1)
		go func(bo BatchOperation[T]) {
			defer wg.Done()

			// 准入闸门：等待槽位也是一个可取消的挂起点
			if err := sem.Acquire(ctx, 1); err != nil {
				mutex.Lock()
				results[bo.ID] = CancelledOutcome[T](0)
				mutex.Unlock()
				return
			}
			defer sem.Release(1)

			out := Do(ctx, o, bo.ID, policy, bo.Op)
			mutex.Lock()
			results[bo.ID] = out
			mutex.Unlock()
		}(bo)
	}

	wg.Wait()
	return results
}
