package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"GoInterviewAnalyzer/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventHandler 服务端事件处理器
type EventHandler func(env *protocol.Envelope)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	// ResumeSession 重连后自动重新 start_session（服务端会分配新的会话ID）
	ResumeSession bool
	UserAgent     string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		ResumeSession:     true,
		UserAgent:         "GoInterviewAnalyzer/1.0",
	}
}

// Client 分析服务的 websocket 客户端，支持自动重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onEvent       EventHandler
	onStateChange StateChangeHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	sessionID      atomic.Value // string
	wantSession    atomic.Bool
	reconnectCount atomic.Int32
	reconnects     atomic.Int32
	framesSent     atomic.Uint64
	eventsReceived atomic.Uint64
}

// New 创建新的WebSocket客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	client.sessionID.Store("")
	client.setState(StateDisconnected)
	return client
}

// SetEventHandler 设置事件处理器，需在 Connect 之前调用
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接到服务器
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.pingLoop()
	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// StartSession 请求开始会话
func (c *Client) StartSession() error {
	c.wantSession.Store(true)
	return c.send(protocol.EventStartSession, nil)
}

// EndSession 请求结束会话
func (c *Client) EndSession() error {
	c.wantSession.Store(false)
	return c.send(protocol.EventEndSession, nil)
}

// SendFrame 发送一帧 JPEG
func (c *Client) SendFrame(jpeg []byte) error {
	err := c.send(protocol.EventFrame, protocol.FramePayload{Image: protocol.EncodeImagePayload(jpeg)})
	if err == nil {
		c.framesSent.Add(1)
	}
	return err
}

// SendRaw 发送原始文本消息（测试畸形输入）
func (c *Client) SendRaw(data []byte) error {
	return c.write(data)
}

// SessionID 最近一次 session_started 中的会话ID
func (c *Client) SessionID() string {
	return c.sessionID.Load().(string)
}

func (c *Client) send(event string, data interface{}) error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}
	msg, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) write(msg []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// pingLoop 控制帧保活
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("Send ping failed: %v", err)
				c.triggerReconnect()
			}
		}
	}
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if c.getState() != StateConnected {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.getState() == StateClosed {
				return
			}
			log.Printf("Read message failed: %v", err)
			c.triggerReconnect()
			continue
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("Decode event failed: %v", err)
			continue
		}
		c.handleEvent(env)
	}
}

// handleEvent 处理服务端事件
func (c *Client) handleEvent(env *protocol.Envelope) {
	c.eventsReceived.Add(1)

	switch env.Event {
	case protocol.EventSessionStarted:
		var p protocol.SessionStartedPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.sessionID.Store(p.SessionID)
		}
	case protocol.EventSessionSummary:
		c.wantSession.Store(false)
	}

	if c.onEvent != nil {
		c.onEvent(env)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 执行重连
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := backoff.Retry(func() error {
		return c.doConnect(ctx)
	}, backoff.WithContext(backOff, ctx))

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		return // 期间被关闭
	}
	log.Printf("Reconnected successfully")
	c.reconnectCount.Store(0)
	c.reconnects.Add(1)

	// 新连接上服务端是全新的 Idle 会话
	if c.config.ResumeSession && c.wantSession.Load() {
		if err := c.send(protocol.EventStartSession, nil); err != nil {
			log.Printf("Resume session failed: %v", err)
		}
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连成功次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"session_id":      c.SessionID(),
		"frames_sent":     c.framesSent.Load(),
		"events_received": c.eventsReceived.Load(),
		"reconnect_count": c.reconnectCount.Load(),
		"reconnects":      c.reconnects.Load(),
	}
}
