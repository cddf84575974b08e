package protocol

import (
	"encoding/json"
	"fmt"
)

// 事件名 - websocket 文本消息 {"event": ..., "data": ...}
const (
	// 客户端 -> 服务端
	EventFrame        = "frame"
	EventStartSession = "start_session"
	EventEndSession   = "end_session"

	// 服务端 -> 客户端
	EventSessionStarted = "session_started"
	EventFeedback       = "feedback"
	EventSessionSummary = "session_summary"
	EventError          = "error"
)

// 错误码
const (
	CodeInvalidPayload  = "invalid_payload"
	CodeDecodeError     = "decode_error"
	CodeProcessingError = "processing_error"
	CodeUnknownEvent    = "unknown_event"
)

// IsClientEvent 检查是否为客户端可发送的事件
func IsClientEvent(name string) bool {
	switch name {
	case EventFrame, EventStartSession, EventEndSession:
		return true
	default:
		return false
	}
}

// Envelope 事件信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FramePayload frame 事件数据
type FramePayload struct {
	Image string `json:"image"`
}

// SessionStartedPayload session_started 事件数据
type SessionStartedPayload struct {
	SessionID string `json:"session_id"`
}

// FeedbackPayload feedback 事件数据
type FeedbackPayload struct {
	Emotion       string             `json:"emotion"`
	Posture       string             `json:"posture"`
	Feedback      []string           `json:"feedback"`
	EmotionTrend  map[string]float64 `json:"emotion_trend"`
	SessionActive bool               `json:"session_active"`
}

// ErrorPayload error 事件数据
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode 编码事件
func Encode(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload failed: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode 解码事件信封
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}
	return &env, nil
}

// DecodeFramePayload 解析 frame 事件的数据部分
func DecodeFramePayload(env *Envelope) (*FramePayload, error) {
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing frame data", ErrInvalidPayload)
	}
	var p FramePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Image == "" {
		return nil, fmt.Errorf("%w: missing image", ErrInvalidPayload)
	}
	return &p, nil
}
