package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/retry"
)

// 单次聊天请求体上限，超出直接拒绝
const maxPayloadBytes = 10 << 20

// DispatchMetrics receives terminal dispatch outcomes.
type DispatchMetrics interface {
	RecordDispatch(endpoint, status string, duration time.Duration)
}

// FrontDoor is the POST /v1/messages handler. It layers the retry
// orchestrator over whole-chain dispatches: a transient chain failure is
// retried with backoff and connectivity gating before the caller sees it.
type FrontDoor struct {
	coordinator  *Coordinator
	orchestrator *retry.Orchestrator

	mutex  sync.RWMutex
	policy retry.Policy

	metrics DispatchMetrics
}

// NewFrontDoor creates the front door handler.
func NewFrontDoor(cfg *config.Config, coordinator *Coordinator, orchestrator *retry.Orchestrator) *FrontDoor {
	return &FrontDoor{
		coordinator:  coordinator,
		orchestrator: orchestrator,
		policy:       retry.PolicyFromConfig(cfg.Retry),
	}
}

// SetMetrics wires the metrics collector. Optional.
func (fd *FrontDoor) SetMetrics(m DispatchMetrics) {
	fd.mutex.Lock()
	fd.metrics = m
	fd.mutex.Unlock()
}

// UpdateConfig swaps in a reloaded retry policy.
func (fd *FrontDoor) UpdateConfig(cfg *config.Config) {
	fd.mutex.Lock()
	fd.policy = retry.PolicyFromConfig(cfg.Retry)
	fd.mutex.Unlock()
}

// ServeHTTP handles one chat dispatch request.
func (fd *FrontDoor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(payload) > maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	fd.mutex.RLock()
	policy := fd.policy
	metrics := fd.metrics
	fd.mutex.RUnlock()

	operationID := "chat-" + uuid.NewString()[:8]
	start := time.Now()

	outcome := retry.DoWithPredicate(r.Context(), fd.orchestrator, operationID, policy,
		func(ctx context.Context) (*Response, error) {
			return fd.coordinator.Send(ctx, payload)
		},
		Retryable,
	)

	duration := time.Since(start)

	switch outcome.Status {
	case retry.StatusSuccess:
		resp := outcome.Value
		if metrics != nil {
			metrics.RecordDispatch(resp.Endpoint, "success", duration)
		}
		copyUpstreamHeaders(w.Header(), resp.Header)
		w.Header().Set("X-Request-Id", resp.RequestID)
		w.Header().Set("X-Dispatch-Endpoint", resp.Endpoint)
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)

	case retry.StatusCancelled:
		if metrics != nil {
			metrics.RecordDispatch("", "cancelled", duration)
		}
		slog.Info(fmt.Sprintf("🛑 [前台入口] [%s] 请求已被客户端取消", operationID))
		// 客户端已断开，状态码只为日志与中间件统计
		writeError(w, 499, "request cancelled")

	default:
		kind := KindOf(outcome.Err)
		endpoint := ""
		var de *DispatchError
		if errors.As(outcome.Err, &de) {
			endpoint = de.Endpoint
		}
		if metrics != nil {
			metrics.RecordDispatch(endpoint, kind.String(), duration)
		}
		slog.Warn(fmt.Sprintf("❌ [前台入口] [%s] 调度失败 (%s, 尝试 %d 次): %v",
			operationID, kind, outcome.Attempts, outcome.Err))
		writeError(w, httpStatusFor(kind), outcome.Err.Error())
	}
}

// httpStatusFor maps an error kind onto the front door status code.
func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAllBackendsExhausted:
		return http.StatusBadGateway
	case KindPermanentEndpoint:
		return http.StatusBadGateway
	default:
		return http.StatusGatewayTimeout
	}
}

// copyUpstreamHeaders forwards content headers from the backend response.
func copyUpstreamHeaders(dst, src http.Header) {
	for _, key := range []string{"Content-Type", "Anthropic-Version"} {
		if value := src.Get(key); value != "" {
			dst.Set(key, value)
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error": {"message": %q}}`, message)
}
