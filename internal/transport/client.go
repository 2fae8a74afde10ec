package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/dispatch"
)

// HTTPCaller 用单个共享连接池向所有端点发起调用
type HTTPCaller struct {
	mu     sync.RWMutex
	client *http.Client
}

// NewHTTPCaller creates the outbound caller.
func NewHTTPCaller(cfg *config.Config) (*HTTPCaller, error) {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPCaller{
		// 超时由每次调用的context控制，客户端本身不设上限
		client: &http.Client{Transport: transport},
	}, nil
}

// UpdateConfig rebuilds the underlying transport after a config reload.
func (h *HTTPCaller) UpdateConfig(cfg *config.Config) error {
	transport, err := CreateTransport(cfg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.client = &http.Client{Transport: transport}
	h.mu.Unlock()
	return nil
}

// Call performs one request against the endpoint and reads the full body,
// transparently decoding gzip and brotli responses.
func (h *HTTPCaller) Call(ctx context.Context, ep config.EndpointConfig, payload []byte) (*dispatch.CallResult, error) {
	callCtx := ctx
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	target := strings.TrimSuffix(ep.URL, "/") + ep.Path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", ep.Name, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if ep.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Token)
	}
	if ep.ApiKey != "" {
		req.Header.Set("x-api-key", ep.ApiKey)
	}
	for key, value := range ep.Headers {
		req.Header.Set(key, value)
	}

	h.mu.RLock()
	client := h.client
	h.mu.RUnlock()

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed after %s: %w", ep.Name, time.Since(start), err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", ep.Name, err)
	}

	return &dispatch.CallResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// readBody 按Content-Encoding解码响应体
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	return io.ReadAll(reader)
}
