// Package wsserver 实时分析的 websocket 传输层
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoInterviewAnalyzer/internal/pipeline"
	"GoInterviewAnalyzer/internal/protocol"
)

// Config websocket 配置
type Config struct {
	ReadLimit       int64         // 单条消息上限，不应小于 protocol.MaxMessageSize
	ReadTimeout     time.Duration // 连接空闲超时
	WriteTimeout    time.Duration
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadLimit:       protocol.MaxMessageSize,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    5 * time.Second,
		MaxConnections:  1000,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	FramesProcessed  atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Connection 一个 websocket 连接，同时也是一个会话身份
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Stats *ConnectionStats

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Server websocket 处理器，挂载到 /ws
type Server struct {
	config   *Config
	analyzer *pipeline.Analyzer
	upgrader websocket.Upgrader

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	closed           atomic.Bool
	startTime        time.Time
}

// New 创建 websocket 服务
func New(config *Config, analyzer *pipeline.Analyzer) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:   config,
		analyzer: analyzer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		startTime: time.Now(),
	}
}

// ServeHTTP 升级连接并处理到断开为止
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:    connID,
		Conn:  wsConn,
		Stats: &ConnectionStats{ConnectedAt: time.Now()},
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(connID, conn)
	s.connCount.Add(1)
	s.analyzer.Connect(connID)
	log.Printf("New connection: %s from %s", connID, r.RemoteAddr)

	s.connWg.Add(1)
	defer s.connWg.Done()
	s.readLoop(r.Context(), conn)
}

// readLoop 同一连接的事件按到达顺序逐个处理
func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	defer s.closeConnection(conn, "Connection ended")

	conn.Conn.SetReadLimit(s.config.ReadLimit)

	for {
		conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		messageType, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Connection %s read error: %v", conn.ID, err)
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.LastActivity.Store(time.Now().UnixNano())
		s.totalMessages.Add(1)

		if messageType != websocket.TextMessage {
			s.sendError(conn, protocol.CodeInvalidPayload, "expected text message")
			continue
		}
		s.handleMessage(ctx, conn, rawData)
	}
}

// handleMessage 分发一条事件
func (s *Server) handleMessage(ctx context.Context, conn *Connection, rawData []byte) {
	env, err := protocol.Decode(rawData)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidPayload, err.Error())
		return
	}

	switch env.Event {
	case protocol.EventStartSession:
		id, started := s.analyzer.StartSession(conn.ID)
		if started {
			s.send(conn, protocol.EventSessionStarted, protocol.SessionStartedPayload{SessionID: id})
		}

	case protocol.EventEndSession:
		if summary, ok := s.analyzer.EndSession(ctx, conn.ID); ok {
			s.send(conn, protocol.EventSessionSummary, summary)
		}

	case protocol.EventFrame:
		payload, err := protocol.DecodeFramePayload(env)
		if err != nil {
			s.sendError(conn, protocol.CodeInvalidPayload, err.Error())
			return
		}
		res := s.analyzer.ProcessFrame(ctx, conn.ID, payload.Image)
		if res.Dropped() {
			return
		}
		conn.Stats.FramesProcessed.Add(1)
		if res.Error != nil {
			s.send(conn, protocol.EventError, res.Error)
			return
		}
		s.send(conn, protocol.EventFeedback, res.Feedback)
		if res.Summary != nil {
			s.send(conn, protocol.EventSessionSummary, res.Summary)
		}

	default:
		s.sendError(conn, protocol.CodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (s *Server) sendError(conn *Connection, code, message string) {
	s.send(conn, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}

// send 发送事件，写失败只记录日志，读循环会感知断开
func (s *Server) send(conn *Connection, event string, data interface{}) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			log.Printf("Send %s to %s failed: %v", event, conn.ID, err)
		}
		return
	}
	conn.Stats.MessagesSent.Add(1)
}

// closeConnection 关闭连接并从注册表移除会话（不做隐式结束）
func (s *Server) closeConnection(conn *Connection, reason string) {
	conn.closeOnce.Do(func() {
		s.connections.Delete(conn.ID)
		s.connCount.Add(-1)
		s.analyzer.Disconnect(conn.ID)

		conn.writeMu.Lock()
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
		conn.writeMu.Unlock()

		log.Printf("Connection closed: %s, reason: %s", conn.ID, reason)
	})
}

// Shutdown 关闭所有连接并等待读循环退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "Server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
	}
}
