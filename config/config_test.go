package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalYAML = `
endpoints:
  - name: primary
    url: https://api.anthropic.com
    priority: 1
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)

	assert.Equal(t, 12*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.Cooldown)

	assert.Equal(t, 15*time.Second, cfg.Connectivity.Interval)
	// 未配置probe_urls时用端点URL探测
	assert.Equal(t, []string{"https://api.anthropic.com"}, cfg.Connectivity.ProbeURLs)

	require.NotNil(t, cfg.Tracking.Database)
	assert.Equal(t, "sqlite", cfg.Tracking.Database.Type)
	assert.Equal(t, "data/dispatch.db", cfg.Tracking.Database.Path)
	assert.Equal(t, 1000, cfg.Tracking.BufferSize)

	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "/v1/messages", cfg.Endpoints[0].Path)
	assert.Equal(t, 60*time.Second, cfg.Endpoints[0].Timeout)
}

func TestLoadConfigFull(t *testing.T) {
	yaml := `
server:
  host: 0.0.0.0
  port: 9090
logging:
  level: debug
  format: json
connectivity:
  enabled: true
  probe_urls:
    - https://www.gstatic.com/generate_204
  interval: 10s
retry:
  max_attempts: 4
  base_delay: 500ms
  max_delay: 10s
  multiplier: 1.5
  jitter_fraction: 0.2
  requires_connectivity: true
dispatch:
  timeout: 8s
  max_attempts: 6
  cooldown: 45s
tracking:
  enabled: true
  database:
    type: mysql
    host: 127.0.0.1
    port: 3306
    database: agrichat
    username: root
endpoints:
  - name: primary
    url: https://api.anthropic.com
    model: claude-sonnet-4
    priority: 1
    token: sk-first
    timeout: 30s
    headers:
      anthropic-version: "2023-06-01"
  - name: backup
    url: https://api.openai.com
    path: /v1/chat/completions
    priority: 2
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Retry.RequiresConnectivity)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 8*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "mysql", cfg.Tracking.Database.Type)

	primary, ok := cfg.EndpointByName("primary")
	require.True(t, ok)
	assert.Equal(t, "2023-06-01", primary.Headers["anthropic-version"])

	// 未配置timeout的端点继承第一个端点的值
	backup, ok := cfg.EndpointByName("backup")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, backup.Timeout)
	assert.Equal(t, "/v1/chat/completions", backup.Path)
}

func TestChainOrderedByPriority(t *testing.T) {
	cfg := &Config{
		Endpoints: []EndpointConfig{
			{Name: "local", Priority: 3},
			{Name: "primary", Priority: 1},
			{Name: "backup", Priority: 2},
		},
	}
	assert.Equal(t, []string{"primary", "backup", "local"}, cfg.Chain())
}

func TestEndpointByNameMissing(t *testing.T) {
	cfg := &Config{Endpoints: []EndpointConfig{{Name: "primary"}}}
	_, ok := cfg.EndpointByName("nope")
	assert.False(t, ok)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no endpoints", `
server:
  port: 8080
`},
		{"missing name", `
endpoints:
  - url: https://a.test
    priority: 1
`},
		{"duplicate name", `
endpoints:
  - name: a
    url: https://a.test
    priority: 1
  - name: a
    url: https://b.test
    priority: 2
`},
		{"bad url scheme", `
endpoints:
  - name: a
    url: ftp://a.test
    priority: 1
`},
		{"bad logging level", `
logging:
  level: verbose
endpoints:
  - name: a
    url: https://a.test
    priority: 1
`},
		{"jitter out of range", `
retry:
  jitter_fraction: 1.5
endpoints:
  - name: a
    url: https://a.test
    priority: 1
`},
		{"multiplier below one", `
retry:
  multiplier: 0.5
endpoints:
  - name: a
    url: https://a.test
    priority: 1
`},
		{"mysql missing host", `
tracking:
  enabled: true
  database:
    type: mysql
endpoints:
  - name: a
    url: https://a.test
    priority: 1
`},
		{"proxy without target", `
proxy:
  enabled: true
  type: socks5
endpoints:
  - name: a
    url: https://a.test
    priority: 1
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
