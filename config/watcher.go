package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback 配置重载回调函数
type ReloadCallback func(newCfg *Config)

// ConfigWatcher watches the configuration file and reloads it on change.
// 编辑器写文件常见"先删后建"或多次write事件，这里用debounce合并
type ConfigWatcher struct {
	path      string
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	config    *Config
	callbacks []ReloadCallback
	mutex     sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewConfigWatcher creates a watcher and loads the initial configuration.
func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// 监听目录而不是文件本身，避免rename后事件丢失
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	cw := &ConfigWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		config:  cfg,
		done:    make(chan struct{}),
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration.
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback registers a callback invoked after each successful reload.
func (cw *ConfigWatcher) AddReloadCallback(cb ReloadCallback) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// UpdateLogger replaces the watcher's logger (used when logging is reconfigured).
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() error {
	var err error
	cw.closeOnce.Do(func() {
		close(cw.done)
		err = cw.watcher.Close()
	})
	return err
}

// watchLoop processes filesystem events with debouncing.
func (cw *ConfigWatcher) watchLoop() {
	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// 500ms内的连续事件合并为一次重载
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn(fmt.Sprintf("⚠️ [配置监听] 文件监听错误: %v", err))

		case <-debounceCh:
			cw.reload()
		}
	}
}

// reload re-reads the configuration file and notifies callbacks.
func (cw *ConfigWatcher) reload() {
	newCfg, err := LoadConfig(cw.path)
	if err != nil {
		// 配置无效时保留旧配置继续运行
		cw.logger.Error(fmt.Sprintf("❌ [配置重载] 配置文件无效，保持当前配置: %v", err))
		return
	}

	cw.mutex.Lock()
	cw.config = newCfg
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	cw.logger.Info(fmt.Sprintf("🔄 [配置重载] 配置文件已重新加载: %s (端点数: %d)", cw.path, len(newCfg.Endpoints)))

	for _, cb := range callbacks {
		cb(newCfg)
	}
}
