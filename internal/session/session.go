package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State 会话状态，只能按 Idle -> Active -> Ended 推进
type State int32

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultHistoryCapacity     = 100
	DefaultSmoothingWindow     = 10
	DefaultSmoothingMinSamples = 10
	DefaultTrendWindow         = 30
	DefaultNoSignalWindow      = 30

	// NoSignalEmotion 检测不到人脸时写入情绪历史的哨兵标签
	NoSignalEmotion = "No Face Detected"
	// NoSignalPosture 检测不到姿态时的标签
	NoSignalPosture = "No Pose Detected"

	// TimeLayout 审计日志和摘要中的时间格式
	TimeLayout = "2006-01-02 15:04:05"
)

// Options 会话的各个有界序列容量
type Options struct {
	HistoryCapacity     int // 情绪/姿态历史容量
	SmoothingWindow     int // 单帧去噪窗口容量
	SmoothingMinSamples int // 去噪窗口达到该数量前原样透传
	TrendWindow         int // 趋势快照取最近N条
	NoSignalWindow      int // 连续N条无信号则自动结束
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		HistoryCapacity:     DefaultHistoryCapacity,
		SmoothingWindow:     DefaultSmoothingWindow,
		SmoothingMinSamples: DefaultSmoothingMinSamples,
		TrendWindow:         DefaultTrendWindow,
		NoSignalWindow:      DefaultNoSignalWindow,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = d.HistoryCapacity
	}
	if o.SmoothingWindow <= 0 {
		o.SmoothingWindow = d.SmoothingWindow
	}
	if o.SmoothingMinSamples <= 0 || o.SmoothingMinSamples > o.SmoothingWindow {
		o.SmoothingMinSamples = o.SmoothingWindow
	}
	if o.TrendWindow <= 0 {
		o.TrendWindow = d.TrendWindow
	}
	if o.NoSignalWindow <= 0 {
		o.NoSignalWindow = d.NoSignalWindow
	}
	if o.NoSignalWindow > o.HistoryCapacity {
		o.NoSignalWindow = o.HistoryCapacity
	}
	return o
}

// NewID 生成会话ID：时间戳 + uuid前缀，保证同一秒内多次开始也不重复
func NewID(now time.Time) string {
	return now.Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

// Session 单个连接上的一次交互。
// frameMu 串行化同一连接上的帧处理，mu 保护其余可变字段。
type Session struct {
	ConnID string

	opts    Options
	frameMu sync.Mutex

	mu           sync.Mutex
	id           string
	state        State
	startTime    time.Time
	endTime      time.Time
	lastActivity time.Time
	emotions     *History
	postures     *History
	smoother     *Smoother
	frameCount   int
}

// newSession 唯一的"全新会话"工厂，返回 Idle 状态
func newSession(connID string, opts Options, now time.Time) *Session {
	opts = opts.normalized()
	return &Session{
		ConnID:       connID,
		opts:         opts,
		state:        StateIdle,
		lastActivity: now,
		emotions:     NewHistory(opts.HistoryCapacity),
		postures:     NewHistory(opts.HistoryCapacity),
		smoother:     NewSmoother(opts.SmoothingWindow, opts.SmoothingMinSamples),
	}
}

// Snapshot 会话字段的一致性副本
type Snapshot struct {
	ConnID         string
	ID             string
	State          State
	StartTime      time.Time
	EndTime        time.Time
	LastActivity   time.Time
	EmotionHistory []string
	PostureHistory []string
	FrameCount     int
}

// Active 是否处于活跃状态
func (s Snapshot) Active() bool { return s.State == StateActive }

// Snapshot 获取一致性快照
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ConnID:         s.ConnID,
		ID:             s.id,
		State:          s.state,
		StartTime:      s.startTime,
		EndTime:        s.endTime,
		LastActivity:   s.lastActivity,
		EmotionHistory: s.emotions.Values(),
		PostureHistory: s.postures.Values(),
		FrameCount:     s.frameCount,
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID 当前会话ID，Idle 时为空
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LockFrames 串行化同一会话上的帧处理
func (s *Session) LockFrames()   { s.frameMu.Lock() }
func (s *Session) UnlockFrames() { s.frameMu.Unlock() }

// tryActivate 仅在 Idle 时激活，返回激活前的状态
func (s *Session) tryActivate(id string, now time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev == StateIdle {
		s.id = id
		s.state = StateActive
		s.startTime = now
		s.lastActivity = now
	}
	return prev
}

// ActiveID 帧处理入口检查：活跃时返回会话ID
func (s *Session) ActiveID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return "", false
	}
	return s.id, true
}

// Observation 一帧分类结果中会话需要的部分
type Observation struct {
	Emotion   string // 原始情绪标签
	NoSignal  bool   // 分类器明确报告检测不到人脸
	SkipEmote bool   // 不写入情绪历史（例如置信度不足）
	Posture   string
}

// FrameUpdate 一帧处理后的结果
type FrameUpdate struct {
	SessionID string
	Emotion   string // 平滑后的标签，未写入历史时为原始标签
	Trend     map[string]float64
	AutoEnded bool
	Final     Snapshot // AutoEnded 时为结束时刻的快照
}

// Record 把一帧观测写入会话。
// 会话已不再活跃或已被重新开始（ID变化）时返回 false，不做任何修改。
func (s *Session) Record(expectedID string, obs Observation, now time.Time) (FrameUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.id != expectedID {
		return FrameUpdate{}, false
	}

	stored := obs.Emotion
	switch {
	case obs.NoSignal:
		stored = NoSignalEmotion
		s.emotions.Push(stored)
	case obs.SkipEmote:
	default:
		stored = s.smoother.Smooth(obs.Emotion)
		s.emotions.Push(stored)
	}
	if obs.Posture != "" {
		s.postures.Push(obs.Posture)
	}

	s.frameCount++
	s.lastActivity = now

	update := FrameUpdate{
		SessionID: s.id,
		Emotion:   stored,
		Trend:     Trend(s.emotions, s.opts.TrendWindow),
	}

	if s.noSignalSustainedLocked() {
		s.state = StateEnded
		s.endTime = now
		update.AutoEnded = true
		update.Final = s.snapshotLocked()
	}
	return update, true
}

func (s *Session) noSignalSustainedLocked() bool {
	tail := s.emotions.Tail(s.opts.NoSignalWindow)
	if len(tail) < s.opts.NoSignalWindow {
		return false
	}
	for _, label := range tail {
		if label != NoSignalEmotion {
			return false
		}
	}
	return true
}

// End Active -> Ended，返回结束时刻的快照。非活跃时为 no-op。
func (s *Session) End(now time.Time) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return Snapshot{}, false
	}
	s.state = StateEnded
	s.endTime = now
	s.lastActivity = now
	return s.snapshotLocked(), true
}

// idleSinceLocked 回收判定的参考时间
func (s *Session) idleSinceLocked() time.Time {
	if !s.endTime.IsZero() {
		return s.endTime
	}
	return s.lastActivity
}
