package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a dispatch failure.
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts and 5xx-class
	// responses. Always retryable.
	KindTransient ErrorKind = iota
	// KindRateLimited drives endpoint cooldown; retryable via the next
	// endpoint in the chain.
	KindRateLimited
	// KindPermanentEndpoint covers 404-class failures: sticky for that
	// endpoint, retryable via a different endpoint.
	KindPermanentEndpoint
	// KindCancelled is a control signal, not a user-facing failure.
	KindCancelled
	// KindAllBackendsExhausted is terminal: every endpoint in the chain
	// was unavailable or failed.
	KindAllBackendsExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanentEndpoint:
		return "permanent_endpoint"
	case KindCancelled:
		return "cancelled"
	default:
		return "all_backends_exhausted"
	}
}

// DispatchError is the tagged failure type crossing the coordinator's
// boundary. 协调器从不panic越过自身边界，所有失败都携带分类
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int    // 0 when no HTTP response was observed
	Endpoint   string // 端点名，链路耗尽时为空
	Err        error  // underlying cause, may be nil
}

func (e *DispatchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("dispatch %s (endpoint=%s, status=%d): %v", e.Kind, e.Endpoint, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("dispatch %s (endpoint=%s): %v", e.Kind, e.Endpoint, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("dispatch %s (endpoint=%s, status=%d)", e.Kind, e.Endpoint, e.StatusCode)
	default:
		return fmt.Sprintf("dispatch %s (endpoint=%s)", e.Kind, e.Endpoint)
	}
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to transient for plain errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	// 未分类错误（网络层、超时）一律按瞬时处理
	return KindTransient
}

// Retryable reports whether the outer retry layer should try the whole
// dispatch again. Cancellation and exhaustion are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCancelled, KindAllBackendsExhausted:
		return false
	default:
		return true
	}
}

// ClassifyStatus maps an HTTP status code to an error kind.
// 梯度与转发层一致: 429限流、404/405/501视为端点永久不支持、
// 其余非2xx按瞬时失败处理
func ClassifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == 429:
		return KindRateLimited
	case statusCode == 404 || statusCode == 405 || statusCode == 501:
		return KindPermanentEndpoint
	default:
		return KindTransient
	}
}
