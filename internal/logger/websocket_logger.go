package logger

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run 启动WebSocket日志器，Stop 后返回
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.done:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			n := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志流客户端已连接，当前连接数: %d", n)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			n := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志流客户端已断开，当前连接数: %d", n)

		case message := <-wsl.broadcast:
			wsl.send(message)
		}
	}
}

// send 写超时或失败的客户端直接移除
func (wsl *WebSocketLogger) send(message LogMessage) {
	wsl.mu.Lock()
	defer wsl.mu.Unlock()
	for client := range wsl.clients {
		client.SetWriteDeadline(time.Now().Add(time.Second))
		if err := client.WriteJSON(message); err != nil {
			log.Printf("发送日志消息失败: %v", err)
			delete(wsl.clients, client)
			client.Close()
		}
	}
}

// Stop 停止广播并关闭所有客户端
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() { close(wsl.done) })
}

// ClientCount 当前订阅数
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

// Log 输出到控制台并广播；通道满时丢弃，不阻塞调用方
func (wsl *WebSocketLogger) Log(level Level, module, sessionID, message string) {
	if !Enabled(level) {
		return
	}
	logMsg := LogMessage{
		Level:     level.String(),
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}

	if sessionID != "" {
		log.Printf("[%s] [%s] %s: %s", logMsg.Level, sessionID, module, message)
	} else {
		log.Printf("[%s] %s: %s", logMsg.Level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, sessionID, message string) {
	wsl.Log(LevelInfo, module, sessionID, message)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, sessionID, message string) {
	wsl.Log(LevelWarning, module, sessionID, message)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, sessionID, message string) {
	wsl.Log(LevelError, module, sessionID, message)
}

// LogDebug 记录调试日志
func (wsl *WebSocketLogger) LogDebug(module, sessionID, message string) {
	wsl.Log(LevelDebug, module, sessionID, message)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理 /ws/logs 连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	select {
	case wsl.register <- conn:
	case <-wsl.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.done:
		}
	}()

	// 只读，用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志流连接错误: %v", err)
			}
			return
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数：未初始化全局日志器时只写控制台
func logf(level Level, module, sessionID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if GlobalLogger != nil {
		GlobalLogger.Log(level, module, sessionID, msg)
		return
	}
	if Enabled(level) {
		log.Printf("[%s] %s: %s", level, module, msg)
	}
}

func Infof(module, sessionID, format string, args ...interface{}) {
	logf(LevelInfo, module, sessionID, format, args...)
}

func Warnf(module, sessionID, format string, args ...interface{}) {
	logf(LevelWarning, module, sessionID, format, args...)
}

func Errorf(module, sessionID, format string, args ...interface{}) {
	logf(LevelError, module, sessionID, format, args...)
}

func Debugf(module, sessionID, format string, args ...interface{}) {
	logf(LevelDebug, module, sessionID, format, args...)
}
