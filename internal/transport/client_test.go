package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-dispatch/config"
)

func newTestCaller(t *testing.T) *HTTPCaller {
	t.Helper()
	caller, err := NewHTTPCaller(&config.Config{})
	require.NoError(t, err)
	return caller
}

func TestCallForwardsHeadersAndPayload(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotAPIKey, gotVersion, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotContentType = r.Header.Get("Content-Type")
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer server.Close()

	ep := config.EndpointConfig{
		Name:   "primary",
		URL:    server.URL + "/", // 尾斜杠应被去掉
		Path:   "/v1/messages",
		Token:  "sk-test-token",
		ApiKey: "ak-test-key",
		Headers: map[string]string{
			"anthropic-version": "2023-06-01",
		},
	}

	result, err := newTestCaller(t).Call(context.Background(), ep, []byte(`{"q":"hello"}`))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "Bearer sk-test-token", gotAuth)
	assert.Equal(t, "ak-test-key", gotAPIKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"q":"hello"}`, string(gotBody))

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, `{"reply":"ok"}`, string(result.Body))
}

func TestCallDecodesGzipResponse(t *testing.T) {
	payload := `{"reply":"compressed"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(payload))
		gz.Close()
	}))
	defer server.Close()

	ep := config.EndpointConfig{Name: "gz", URL: server.URL}
	result, err := newTestCaller(t).Call(context.Background(), ep, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(result.Body))
}

func TestCallDecodesBrotliResponse(t *testing.T) {
	payload := `{"reply":"brotli"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		br := brotli.NewWriter(w)
		br.Write([]byte(payload))
		br.Close()
	}))
	defer server.Close()

	ep := config.EndpointConfig{Name: "br", URL: server.URL}
	result, err := newTestCaller(t).Call(context.Background(), ep, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(result.Body))
}

func TestCallNonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	ep := config.EndpointConfig{Name: "limited", URL: server.URL}
	result, err := newTestCaller(t).Call(context.Background(), ep, []byte("{}"))

	// 状态码的分类交给上层，传输层只负责把响应带回来
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, result.StatusCode)
	assert.Equal(t, `{"error":"rate limited"}`, string(result.Body))
}

func TestCallEndpointTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	ep := config.EndpointConfig{Name: "slow", URL: server.URL, Timeout: 30 * time.Millisecond}

	start := time.Now()
	_, err := newTestCaller(t).Call(context.Background(), ep, []byte("{}"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestCallTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 立即关掉，制造连接拒绝

	ep := config.EndpointConfig{Name: "dead", URL: server.URL}
	_, err := newTestCaller(t).Call(context.Background(), ep, []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead")
}

func TestCreateTransportRejectsBadProxy(t *testing.T) {
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			Enabled: true,
			Type:    "http",
			URL:     "://bad-url",
		},
	}
	_, err := CreateTransport(cfg)
	require.Error(t, err)
}

func TestUpdateConfigRebuildsClient(t *testing.T) {
	caller := newTestCaller(t)

	old := caller.client
	require.NoError(t, caller.UpdateConfig(&config.Config{}))
	assert.NotSame(t, old, caller.client)
}
