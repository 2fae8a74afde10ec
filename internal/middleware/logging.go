// Package middleware 提供前台HTTP入口的日志、鉴权和指标中间件
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agrichat-dispatch/internal/utils"
)

// LoggingMiddleware provides request/response logging for the front door.
type LoggingMiddleware struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// SetMetrics wires the Prometheus metrics collector. Optional.
func (lm *LoggingMiddleware) SetMetrics(m *Metrics) {
	lm.metrics = m
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Wrap wraps an HTTP handler with logging.
func (lm *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := getClientIP(r)
		userAgent := utils.TruncateString(r.UserAgent(), 50)

		rw := &responseWriter{ResponseWriter: w}

		lm.logger.Debug(fmt.Sprintf("📝 [请求接收] %s %s", r.Method, r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", userAgent,
			"content_length", r.ContentLength,
		)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		if lm.metrics != nil {
			lm.metrics.RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, duration, rw.bytes)
		}

		statusEmoji := getStatusEmoji(rw.statusCode)
		lm.logger.Debug(fmt.Sprintf("%s [请求详情] %s %s → %d (%s)",
			statusEmoji, r.Method, r.URL.Path, rw.statusCode, utils.FormatDuration(duration)),
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", rw.statusCode,
			"bytes_written", utils.FormatBytes(rw.bytes),
			"duration", utils.FormatDuration(duration),
			"client_ip", clientIP,
		)

		if duration > 10*time.Second {
			lm.logger.Warn(fmt.Sprintf("🐌 [慢请求] %s %s 耗时 %s", r.Method, r.URL.Path, utils.FormatDuration(duration)),
				"method", r.Method,
				"path", r.URL.Path,
				"duration", utils.FormatDuration(duration),
				"status_code", rw.statusCode,
			)
		}

		if rw.statusCode >= 400 {
			level := slog.LevelWarn
			emoji := "⚠️"
			if rw.statusCode >= 500 {
				level = slog.LevelError
				emoji = "❌"
			}
			lm.logger.Log(r.Context(), level, fmt.Sprintf("%s [错误响应] %s %s → %d", emoji, r.Method, r.URL.Path, rw.statusCode),
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", rw.statusCode,
				"duration", utils.FormatDuration(duration),
			)
		}
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func getStatusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "✅"
	case statusCode >= 400 && statusCode < 500:
		return "⚠️"
	case statusCode >= 500:
		return "❌"
	default:
		return "📄"
	}
}
