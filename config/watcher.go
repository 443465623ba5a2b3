package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"coinsync/logger"
)

// ReloadFunc 配置变更回调（仅热更新安全的字段会被应用）
type ReloadFunc func(newCfg *Config)

// ConfigWatcher 配置文件监控器
type ConfigWatcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	onReload   ReloadFunc
	mu         sync.Mutex
	isWatching bool
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, onReload ReloadFunc) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		cwd, err := os.Getwd()
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("获取当前目录失败: %w", err)
		}
		configPath = filepath.Join(cwd, filepath.Base(configPath))
	}

	return &ConfigWatcher{
		configPath: configPath,
		watcher:    watcher,
		onReload:   onReload,
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	cw.isWatching = true
	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

// watchLoop 监控循环
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != cw.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// 延迟处理，避免文件正在写入时读取
			time.Sleep(100 * time.Millisecond)
			cw.handleConfigChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("⚠️ 配置监控出错: %v", err)
		}
	}
}

// handleConfigChange 重新加载配置并通知回调
func (cw *ConfigWatcher) handleConfigChange() {
	newCfg, err := LoadConfig(cw.configPath)
	if err != nil {
		logger.Warn("⚠️ 配置热更新失败，保留旧配置: %v", err)
		return
	}

	logger.Info("🔄 配置文件已变更，应用热更新")
	if cw.onReload != nil {
		cw.onReload(newCfg)
	}
}
