package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// AuthMiddleware enforces a bearer token on the front door when enabled.
type AuthMiddleware struct {
	enabled bool
	token   string
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(enabled bool, token string) *AuthMiddleware {
	return &AuthMiddleware{enabled: enabled, token: token}
}

// Wrap rejects requests without the expected bearer token.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.enabled {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || token == auth || token != am.token {
			slog.Warn("🔒 [鉴权失败] 请求缺少有效令牌", "path", r.URL.Path, "client_ip", getClientIP(r))
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
