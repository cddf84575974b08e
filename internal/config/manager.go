package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置热更新回调
type ChangeHandler func(old, updated *AnalyzerConfig)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *AnalyzerConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 指定配置文件，为空时按搜索路径查找 analyzer.yaml
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置
func (cm *ConfigManager) Load() (*AnalyzerConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	v := newViper(cm.configPath)
	config, err := loadConfig(v)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	cm.config = config
	cm.viper = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}
	return config, nil
}

// Get 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*AnalyzerConfig, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// OnChange 注册热更新回调，重新加载成功后按注册顺序调用
func (cm *ConfigManager) OnChange(handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, handler)
}

// Reload 重新读取配置文件；校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	if cm.viper == nil {
		cm.mu.Unlock()
		return fmt.Errorf("配置尚未加载")
	}

	config, err := loadConfig(cm.viper)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	old := cm.config
	cm.config = config
	handlers := append([]ChangeHandler(nil), cm.handlers...)
	cm.mu.Unlock()

	for _, h := range handlers {
		h(old, config)
	}
	return nil
}

// ConfigFile 实际使用的配置文件，未找到时为空
func (cm *ConfigManager) ConfigFile() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.viper == nil {
		return ""
	}
	return cm.viper.ConfigFileUsed()
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := cm.Reload(); err != nil {
			log.Printf("Config reload ignored: %v", err)
			return
		}
		log.Printf("Config reloaded from %s", e.Name)
	})
	cm.viper.WatchConfig()
}

// Summary 获取配置摘要信息
func (cm *ConfigManager) Summary() (map[string]interface{}, error) {
	config, err := cm.Get()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"config_file":      cm.ConfigFile(),
		"server_addr":      config.Server.Addr,
		"classifier_mode":  config.Classifier.Mode,
		"database_enabled": config.Database.Enabled,
		"reaper_interval":  config.Reaper.Interval.String(),
		"reaper_timeout":   config.Reaper.Timeout.String(),
		"log_level":        config.Logging.Level,
	}, nil
}
