package dispatch

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/registry"
	"agrichat-dispatch/internal/retry"
)

type capturedDispatch struct {
	endpoint string
	status   string
}

type fakeDispatchMetrics struct {
	mu       sync.Mutex
	captured []capturedDispatch
}

func (f *fakeDispatchMetrics) RecordDispatch(endpoint, status string, duration time.Duration) {
	f.mu.Lock()
	f.captured = append(f.captured, capturedDispatch{endpoint: endpoint, status: status})
	f.mu.Unlock()
}

func newFrontDoor(cfg *config.Config, caller Caller) *FrontDoor {
	coordinator := NewCoordinator(cfg, registry.NewHealthRegistry(), caller)
	orchestrator := retry.NewOrchestrator(nil)
	return NewFrontDoor(cfg, coordinator, orchestrator)
}

func frontDoorConfig() *config.Config {
	cfg := chainConfig()
	cfg.Retry = config.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
	return cfg
}

func postMessage(fd *FrontDoor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	fd.ServeHTTP(rec, req)
	return rec
}

func TestFrontDoorSuccess(t *testing.T) {
	caller := newScriptedCaller()
	caller.scripts["a"] = func() (*CallResult, error) {
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		header.Set("Anthropic-Version", "2023-06-01")
		return &CallResult{StatusCode: 200, Header: header, Body: []byte(`{"reply":"ok"}`)}, nil
	}

	fd := newFrontDoor(frontDoorConfig(), caller)
	metrics := &fakeDispatchMetrics{}
	fd.SetMetrics(metrics)

	rec := postMessage(fd, `{"q":"hello"}`)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"reply":"ok"}` {
		t.Fatalf("body not forwarded: %q", got)
	}
	if rec.Header().Get("X-Dispatch-Endpoint") != "a" {
		t.Fatalf("missing dispatch endpoint header: %v", rec.Header())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatal("upstream content type must be forwarded")
	}
	if rec.Header().Get("Anthropic-Version") != "2023-06-01" {
		t.Fatal("upstream api version must be forwarded")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.captured) != 1 || metrics.captured[0].status != "success" || metrics.captured[0].endpoint != "a" {
		t.Fatalf("unexpected metrics: %v", metrics.captured)
	}
}

func TestFrontDoorMethodNotAllowed(t *testing.T) {
	fd := newFrontDoor(frontDoorConfig(), newScriptedCaller())

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	fd.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestFrontDoorEmptyBody(t *testing.T) {
	fd := newFrontDoor(frontDoorConfig(), newScriptedCaller())

	if rec := postMessage(fd, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFrontDoorPayloadTooLarge(t *testing.T) {
	fd := newFrontDoor(frontDoorConfig(), newScriptedCaller())

	oversized := bytes.Repeat([]byte("x"), maxPayloadBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()
	fd.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestFrontDoorExhaustedChainMapsToBadGateway(t *testing.T) {
	caller := newScriptedCaller()
	caller.respond("a", 429, "")
	caller.respond("b", 429, "")
	caller.respond("c", 429, "")

	fd := newFrontDoor(frontDoorConfig(), caller)
	metrics := &fakeDispatchMetrics{}
	fd.SetMetrics(metrics)

	rec := postMessage(fd, "{}")

	// 链路耗尽是终态，不会被重试层放大
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if log := caller.callLog(); len(log) != 3 {
		t.Fatalf("expected one pass over the chain, got %v", log)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.captured) != 1 || metrics.captured[0].status != "all_backends_exhausted" {
		t.Fatalf("unexpected metrics: %v", metrics.captured)
	}
}

func TestFrontDoorRetriesTransientFailure(t *testing.T) {
	var calls int64
	caller := newScriptedCaller()
	caller.scripts["a"] = func() (*CallResult, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return &CallResult{StatusCode: 500, Header: http.Header{}}, nil
		}
		return &CallResult{StatusCode: 200, Header: http.Header{}, Body: []byte("{}")}, nil
	}

	cfg := frontDoorConfig()
	cfg.Dispatch.MaxAttempts = 1 // 单次调度只打一次，逼出瞬时失败走重试层

	rec := postMessage(newFrontDoor(cfg, caller), "{}")

	if rec.Code != 200 {
		t.Fatalf("expected retried success, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 retry), got %d", got)
	}
}

func TestFrontDoorTransientFailureMapsToGatewayTimeout(t *testing.T) {
	caller := newScriptedCaller()
	caller.respond("a", 500, "")
	caller.respond("b", 500, "")
	caller.respond("c", 500, "")

	cfg := frontDoorConfig()
	cfg.Dispatch.MaxAttempts = 1

	rec := postMessage(newFrontDoor(cfg, caller), "{}")

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if log := caller.callLog(); len(log) != 2 {
		t.Fatalf("expected retry.max_attempts dispatches, got %v", log)
	}
}

func TestFrontDoorUpdateConfig(t *testing.T) {
	caller := newScriptedCaller()
	caller.respond("a", 500, "")
	caller.respond("b", 500, "")
	caller.respond("c", 500, "")

	cfg := frontDoorConfig()
	cfg.Dispatch.MaxAttempts = 1
	fd := newFrontDoor(cfg, caller)

	// 热更新后重试上限变为1，瞬时失败不再重试
	updated := frontDoorConfig()
	updated.Retry.MaxAttempts = 1
	fd.UpdateConfig(updated)

	postMessage(fd, "{}")
	if log := caller.callLog(); len(log) != 1 {
		t.Fatalf("expected single dispatch after reload, got %v", log)
	}
}
