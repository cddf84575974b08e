package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"GoInterviewAnalyzer/internal/database"
	"GoInterviewAnalyzer/internal/protocol"
	"GoInterviewAnalyzer/internal/session"
)

// AnalyzerConfig 服务完整配置
type AnalyzerConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig HTTP / websocket 监听
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadLimitBytes int64         `mapstructure:"read_limit_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// SessionConfig 会话窗口参数
type SessionConfig struct {
	HistoryCapacity     int `mapstructure:"history_capacity"`
	SmoothingWindow     int `mapstructure:"smoothing_window"`
	SmoothingMinSamples int `mapstructure:"smoothing_min_samples"`
	TrendWindow         int `mapstructure:"trend_window"`
	NoSignalWindow      int `mapstructure:"no_signal_window"`
}

// ReaperConfig 空闲会话回收
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuditConfig 审计输出
type AuditConfig struct {
	LogPath                string `mapstructure:"log_path"`
	SummaryDir             string `mapstructure:"summary_dir"`
	TruncateOnSessionStart bool   `mapstructure:"truncate_on_session_start"`
}

// DatabaseConfig 总结入库，enabled=false 时只写文件
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ClassifierConfig 推理后端
type ClassifierConfig struct {
	Mode                  string            `mapstructure:"mode"` // onnx | mock
	ONNX                  ONNXConfig        `mapstructure:"onnx"`
	EmotionLabels         []string          `mapstructure:"emotion_labels"`
	LabelMap              map[string]string `mapstructure:"label_map"`
	ConfidenceThreshold   float64           `mapstructure:"confidence_threshold"`
	PosePresenceThreshold float64           `mapstructure:"pose_presence_threshold"`
}

// ONNXConfig 模型与运行时路径
type ONNXConfig struct {
	LibraryPath  string `mapstructure:"library_path"`
	EmotionModel string `mapstructure:"emotion_model"`
	PoseModel    string `mapstructure:"pose_model"`
}

// FeedbackConfig 反馈文案表，为空使用内置表
type FeedbackConfig struct {
	TablePath string `mapstructure:"table_path"`
}

// BatchConfig 离线批处理
type BatchConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	DefaultFPS     float64       `mapstructure:"default_fps"`
	MaxUploadMB    int64         `mapstructure:"max_upload_mb"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

const (
	ClassifierONNX = "onnx"
	ClassifierMock = "mock"
)

// setDefaultValues 所有键的默认值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_limit_bytes", 6<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.write_timeout", 5*time.Second)

	v.SetDefault("session.history_capacity", session.DefaultHistoryCapacity)
	v.SetDefault("session.smoothing_window", session.DefaultSmoothingWindow)
	v.SetDefault("session.smoothing_min_samples", session.DefaultSmoothingMinSamples)
	v.SetDefault("session.trend_window", session.DefaultTrendWindow)
	v.SetDefault("session.no_signal_window", session.DefaultNoSignalWindow)

	v.SetDefault("reaper.interval", 60*time.Second)
	v.SetDefault("reaper.timeout", 300*time.Second)

	v.SetDefault("audit.log_path", "feedback_log.csv")
	v.SetDefault("audit.summary_dir", "summaries")
	v.SetDefault("audit.truncate_on_session_start", false)

	db := database.DefaultConfig()
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("database.dbname", db.DBName)
	v.SetDefault("database.sslmode", db.SSLMode)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)

	v.SetDefault("classifier.mode", ClassifierONNX)
	v.SetDefault("classifier.onnx.library_path", "")
	v.SetDefault("classifier.onnx.emotion_model", "models/emotion.onnx")
	v.SetDefault("classifier.onnx.pose_model", "models/pose_landmarks.onnx")
	v.SetDefault("classifier.confidence_threshold", 0.0)
	v.SetDefault("classifier.pose_presence_threshold", 0.5)

	v.SetDefault("feedback.table_path", "")

	v.SetDefault("batch.sample_interval", time.Second)
	v.SetDefault("batch.default_fps", 30.0)
	v.SetDefault("batch.max_upload_mb", 200)

	v.SetDefault("logging.level", "info")
}

// newViper 搜索路径与环境变量映射：ANALYZER_SERVER_ADDR -> server.addr
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("analyzer")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ANALYZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// loadConfig 读取并校验，找不到配置文件时使用默认值
func loadConfig(v *viper.Viper) (*AnalyzerConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AnalyzerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Classifier.Mode = strings.ToLower(strings.TrimSpace(cfg.Classifier.Mode))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *AnalyzerConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// 小于一帧最大图像的 base64 消息长度时，合法帧会直接断开连接
	if c.Server.ReadLimitBytes < protocol.MaxMessageSize {
		return fmt.Errorf("invalid server.read_limit_bytes: %d (must be at least %d)",
			c.Server.ReadLimitBytes, protocol.MaxMessageSize)
	}

	s := c.Session
	if s.HistoryCapacity < 1 || s.SmoothingWindow < 1 || s.TrendWindow < 1 || s.NoSignalWindow < 1 {
		return fmt.Errorf("session windows must be positive: %+v", s)
	}
	if s.SmoothingMinSamples < 1 || s.SmoothingMinSamples > s.SmoothingWindow {
		return fmt.Errorf("invalid session.smoothing_min_samples: %d (window %d)",
			s.SmoothingMinSamples, s.SmoothingWindow)
	}
	if s.TrendWindow > s.HistoryCapacity || s.NoSignalWindow > s.HistoryCapacity {
		return fmt.Errorf("session trend/no-signal windows exceed history capacity %d", s.HistoryCapacity)
	}

	if c.Reaper.Interval <= 0 || c.Reaper.Timeout <= 0 {
		return fmt.Errorf("invalid reaper interval/timeout: %v/%v", c.Reaper.Interval, c.Reaper.Timeout)
	}

	if c.Audit.LogPath == "" {
		return fmt.Errorf("audit.log_path is required")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("database.host and database.dbname are required when database.enabled")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database.port: %d", c.Database.Port)
		}
	}

	switch c.Classifier.Mode {
	case ClassifierMock:
	case ClassifierONNX:
		if c.Classifier.ONNX.EmotionModel == "" || c.Classifier.ONNX.PoseModel == "" {
			return fmt.Errorf("classifier.onnx.emotion_model and pose_model are required in onnx mode")
		}
	default:
		return fmt.Errorf("invalid classifier.mode: %q (onnx|mock)", c.Classifier.Mode)
	}
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid classifier.confidence_threshold: %f (must be between 0 and 1)",
			c.Classifier.ConfidenceThreshold)
	}
	if c.Classifier.PosePresenceThreshold < 0 || c.Classifier.PosePresenceThreshold > 1 {
		return fmt.Errorf("invalid classifier.pose_presence_threshold: %f (must be between 0 and 1)",
			c.Classifier.PosePresenceThreshold)
	}

	if c.Batch.SampleInterval <= 0 || c.Batch.DefaultFPS <= 0 || c.Batch.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid batch config: %+v", c.Batch)
	}
	return nil
}

// SessionOptions 转为注册表参数
func (c *AnalyzerConfig) SessionOptions() session.Options {
	return session.Options{
		HistoryCapacity:     c.Session.HistoryCapacity,
		SmoothingWindow:     c.Session.SmoothingWindow,
		SmoothingMinSamples: c.Session.SmoothingMinSamples,
		TrendWindow:         c.Session.TrendWindow,
		NoSignalWindow:      c.Session.NoSignalWindow,
	}
}

// PoolConfig 转为连接池参数
func (c *AnalyzerConfig) PoolConfig() *database.Config {
	return &database.Config{
		Host:           c.Database.Host,
		Port:           c.Database.Port,
		User:           c.Database.User,
		Password:       c.Database.Password,
		DBName:         c.Database.DBName,
		SSLMode:        c.Database.SSLMode,
		ConnectTimeout: c.Database.ConnectTimeout,
	}
}
