// Package transport 负责到模型后端的出站HTTP调用，支持代理和压缩响应
package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"agrichat-dispatch/config"
)

// CreateTransport builds an http.Transport honoring the proxy configuration.
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if !cfg.Proxy.Enabled {
		return transport, nil
	}

	proxyURL, err := resolveProxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
		slog.Info(fmt.Sprintf("🌐 [出站代理] 已启用 %s 代理: %s", cfg.Proxy.Type, proxyURL.Host))
	case "socks5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			return nil, fmt.Errorf("socks5 dialer does not support context dialing")
		}
		slog.Info(fmt.Sprintf("🌐 [出站代理] 已启用 socks5 代理: %s", proxyURL.Host))
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return transport, nil
}

// resolveProxyURL 优先使用完整URL，否则由host/port拼出
func resolveProxyURL(cfg config.ProxyConfig) (*url.URL, error) {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		return u, nil
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("proxy enabled but neither url nor host/port configured")
	}
	u := &url.URL{Scheme: cfg.Type, Host: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u, nil
}
