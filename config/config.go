package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Retry        RetryConfig        `yaml:"retry"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Web          WebConfig          `yaml:"web"`   // Web observability interface
	Proxy        ProxyConfig        `yaml:"proxy"` // Outbound proxy for model endpoints
	Auth         AuthConfig         `yaml:"auth"`  // Front door authentication
	Endpoints    []EndpointConfig   `yaml:"endpoints"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// ConnectivityConfig 连通性探测配置
// 探测循环周期性访问probe_urls，得出连通状态和质量分级
type ConnectivityConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ProbeURLs         []string      `yaml:"probe_urls"`
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	DegradedThreshold time.Duration `yaml:"degraded_threshold"` // 平均延迟超过此值视为degraded
	PoorThreshold     time.Duration `yaml:"poor_threshold"`     // 平均延迟超过此值视为poor
	HistorySize       int           `yaml:"history_size"`       // 状态变化历史容量
}

type RetryConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Multiplier           float64       `yaml:"multiplier"`
	JitterFraction       float64       `yaml:"jitter_fraction"`       // [0,1] 乘性抖动幅度
	RequiresConnectivity bool          `yaml:"requires_connectivity"` // 断网时挂起而不消耗尝试次数
}

// DispatchConfig 调度协调器配置
// max_attempts是整条端点链上的总尝试上限，不是单端点上限
type DispatchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`      // 整体截止时间, default: 12s
	MaxAttempts int           `yaml:"max_attempts"` // 全链尝试上限, default: 5
	Cooldown    time.Duration `yaml:"cooldown"`     // 限流冷却时长, default: 60s
}

type TrackingConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Database      *DatabaseBackendConfig `yaml:"database,omitempty"`
	BufferSize    int                    `yaml:"buffer_size"`    // Event buffer size, default: 1000
	BatchSize     int                    `yaml:"batch_size"`     // Batch write size, default: 100
	FlushInterval time.Duration          `yaml:"flush_interval"` // Force flush interval, default: 30s
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"` // Bearer token for authentication
}

// EndpointConfig describes one model backend in the priority chain.
type EndpointConfig struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Path     string            `yaml:"path,omitempty"` // Request path, default: /v1/messages
	Model    string            `yaml:"model,omitempty"`
	Priority int               `yaml:"priority"`
	Token    string            `yaml:"token,omitempty"`
	ApiKey   string            `yaml:"api-key,omitempty"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	config.setDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Connectivity defaults
	if len(c.Connectivity.ProbeURLs) == 0 {
		// 默认用端点URL做探测目标
		for _, ep := range c.Endpoints {
			c.Connectivity.ProbeURLs = append(c.Connectivity.ProbeURLs, ep.URL)
		}
	}
	if c.Connectivity.Interval == 0 {
		c.Connectivity.Interval = 15 * time.Second
	}
	if c.Connectivity.Timeout == 0 {
		c.Connectivity.Timeout = 5 * time.Second
	}
	if c.Connectivity.DegradedThreshold == 0 {
		c.Connectivity.DegradedThreshold = 500 * time.Millisecond
	}
	if c.Connectivity.PoorThreshold == 0 {
		c.Connectivity.PoorThreshold = 2 * time.Second
	}
	if c.Connectivity.HistorySize == 0 {
		c.Connectivity.HistorySize = 50
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}

	// Dispatch defaults
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 12 * time.Second
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 5
	}
	if c.Dispatch.Cooldown == 0 {
		c.Dispatch.Cooldown = 60 * time.Second
	}

	// Tracking defaults
	if c.Tracking.Database == nil {
		c.Tracking.Database = &DatabaseBackendConfig{Type: "sqlite", Path: "data/dispatch.db"}
	}
	if c.Tracking.Database.Type == "" {
		c.Tracking.Database.Type = "sqlite"
	}
	if c.Tracking.Database.Type == "sqlite" && c.Tracking.Database.Path == "" {
		c.Tracking.Database.Path = "data/dispatch.db"
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 30 * time.Second
	}

	// Web defaults
	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	// Endpoint defaults: path + timeout inheritance from the first endpoint
	var defaultEndpoint *EndpointConfig
	if len(c.Endpoints) > 0 {
		defaultEndpoint = &c.Endpoints[0]
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Path == "" {
			c.Endpoints[i].Path = "/v1/messages"
		}
		if c.Endpoints[i].Priority == 0 {
			c.Endpoints[i].Priority = i + 1
		}
		if c.Endpoints[i].Timeout == 0 {
			if defaultEndpoint != nil && defaultEndpoint.Timeout != 0 {
				c.Endpoints[i].Timeout = defaultEndpoint.Timeout
			} else {
				c.Endpoints[i].Timeout = 60 * time.Second
			}
		}
		// Inherit api-key from first endpoint if not specified
		if c.Endpoints[i].ApiKey == "" && defaultEndpoint != nil && defaultEndpoint.ApiKey != "" {
			c.Endpoints[i].ApiKey = defaultEndpoint.ApiKey
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be configured")
	}

	seen := make(map[string]bool)
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoint %d: name is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("endpoint %d: duplicate name %q", i, ep.Name)
		}
		seen[ep.Name] = true
		if ep.URL == "" {
			return fmt.Errorf("endpoint %q: url is required", ep.Name)
		}
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("endpoint %q: url must start with http:// or https://", ep.Name)
		}
		if ep.Priority < 1 {
			return fmt.Errorf("endpoint %q: priority must be >= 1", ep.Name)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1]")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}

	if dbc := c.Tracking.Database; c.Tracking.Enabled && dbc != nil {
		switch dbc.Type {
		case "sqlite":
			if dbc.Path == "" {
				return fmt.Errorf("tracking.database.path is required for sqlite")
			}
		case "mysql":
			if dbc.Host == "" || dbc.Database == "" {
				return fmt.Errorf("tracking.database.host and database are required for mysql")
			}
		default:
			return fmt.Errorf("tracking.database.type must be \"sqlite\" or \"mysql\"")
		}
	}

	if c.Proxy.Enabled {
		switch c.Proxy.Type {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("proxy.type must be one of: http, https, socks5")
		}
		if c.Proxy.URL == "" && c.Proxy.Host == "" {
			return fmt.Errorf("proxy.url or proxy.host must be set when proxy is enabled")
		}
	}

	return nil
}

// Chain returns the endpoint names ordered by priority (ascending).
// 链的顺序固定，调度器每次都按此顺序选择端点
func (c *Config) Chain() []string {
	eps := make([]EndpointConfig, len(c.Endpoints))
	copy(eps, c.Endpoints)
	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].Priority < eps[j].Priority
	})

	names := make([]string, 0, len(eps))
	for _, ep := range eps {
		names = append(names, ep.Name)
	}
	return names
}

// EndpointByName returns the endpoint configuration with the given name.
func (c *Config) EndpointByName(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}
