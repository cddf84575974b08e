package logger

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level 日志级别
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 未知取值按 info 处理
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLevel 运行时调整级别（配置热更新）
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// Enabled 该级别是否输出
func Enabled(l Level) bool {
	return int32(l) >= minLevel.Load()
}

// InitLogger 初始化日志器
func InitLogger(level string) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	SetLevel(ParseLevel(level))
	log.Printf("Logger initialized (level=%s)", ParseLevel(level))
}
