// Package pipeline 把会话状态机、分类器、反馈表与审计串成逐帧分析流水线。
//
// 传输层（websocket、批处理）只调用 Analyzer 的方法，不直接触碰会话字段。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"GoInterviewAnalyzer/internal/audit"
	"GoInterviewAnalyzer/internal/classifier"
	"GoInterviewAnalyzer/internal/feedback"
	"GoInterviewAnalyzer/internal/logger"
	"GoInterviewAnalyzer/internal/protocol"
	"GoInterviewAnalyzer/internal/session"
)

const module = "pipeline"

// Deps 流水线依赖
type Deps struct {
	Registry  *session.Registry
	Emotions  classifier.EmotionClassifier
	Postures  classifier.PostureClassifier
	Feedback  *feedback.Table
	Audit     *audit.Logger
	Summaries *audit.SummaryWriter
}

// Options 流水线选项
type Options struct {
	// TruncateAuditOnStart 每次 start_session 时截断审计日志
	TruncateAuditOnStart bool
	// SampleInterval 批处理模式下的采样间隔（源视频时间）
	SampleInterval time.Duration
	// DefaultFPS 批处理上传未指定帧率时使用
	DefaultFPS float64
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		SampleInterval: time.Second,
		DefaultFPS:     30,
	}
}

// Analyzer 逐帧分析流水线
type Analyzer struct {
	registry  *session.Registry
	emotions  classifier.EmotionClassifier
	postures  classifier.PostureClassifier
	table     *feedback.Table
	audit     *audit.Logger
	summaries *audit.SummaryWriter
	opts      Options

	now       func() time.Time
	startedAt time.Time
}

// New 创建流水线
func New(deps Deps, opts Options) *Analyzer {
	if deps.Feedback == nil {
		deps.Feedback = feedback.Default()
	}
	if deps.Summaries == nil {
		deps.Summaries = audit.NewSummaryWriter()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.DefaultFPS <= 0 {
		opts.DefaultFPS = 30
	}
	return &Analyzer{
		registry:  deps.Registry,
		emotions:  deps.Emotions,
		postures:  deps.Postures,
		table:     deps.Feedback,
		audit:     deps.Audit,
		summaries: deps.Summaries,
		opts:      opts,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// Registry 会话注册表
func (a *Analyzer) Registry() *session.Registry { return a.registry }

// Summaries 总结存储
func (a *Analyzer) Summaries() *audit.SummaryWriter { return a.summaries }

// Connect 新连接：创建 Idle 会话
func (a *Analyzer) Connect(connID string) {
	a.registry.Create(connID)
	logger.Debugf(module, "", "connection %s registered", connID)
}

// Disconnect 断开连接：无论状态直接移除，不做隐式结束
func (a *Analyzer) Disconnect(connID string) {
	if s, err := a.registry.Get(connID); err == nil && s.State() == session.StateActive {
		logger.Warnf(module, s.ID(), "connection %s dropped while session active, history discarded", connID)
	}
	a.registry.Remove(connID)
}

// StartSession 开始会话，已活跃时返回当前ID与 started=false
func (a *Analyzer) StartSession(connID string) (string, bool) {
	s, started := a.registry.Start(connID)
	snap := s.Snapshot()
	if !started {
		return snap.ID, false
	}

	if a.opts.TruncateAuditOnStart {
		if err := a.audit.Reset(); err != nil {
			logger.Errorf(module, snap.ID, "audit reset failed: %v", err)
		}
	}
	a.writeAudit(audit.Row{
		SessionID: snap.ID,
		Timestamp: snap.StartTime.Format(session.TimeLayout),
		Emotion:   audit.MarkSessionStart,
	})
	logger.Infof(module, snap.ID, "session started on %s", connID)
	return snap.ID, true
}

// EndSession 结束活跃会话并生成总结；没有活跃会话时返回 false
func (a *Analyzer) EndSession(ctx context.Context, connID string) (*session.Summary, bool) {
	s, err := a.registry.Get(connID)
	if err != nil {
		return nil, false
	}
	now := a.now()
	snap, ok := s.End(now)
	if !ok {
		return nil, false
	}
	return a.finalize(ctx, snap, now), true
}

// finalize 生成并持久化总结，写 SESSION_END 行
func (a *Analyzer) finalize(ctx context.Context, snap session.Snapshot, end time.Time) *session.Summary {
	summary := session.Summarize(snap, end)

	if err := a.summaries.Persist(ctx, summary); err != nil {
		logger.Errorf(module, snap.ID, "summary persist failed, will retry: %v", err)
	}
	a.writeAudit(audit.Row{
		SessionID: snap.ID,
		Timestamp: end.Format(session.TimeLayout),
		Emotion:   audit.MarkSessionEnd,
	})
	logger.Infof(module, snap.ID, "session ended after %s, %d frames, dominant %s/%s",
		summary.Duration, summary.TotalFramesAnalyzed, summary.DominantEmotion, summary.DominantPosture)
	return summary
}

func (a *Analyzer) writeAudit(row audit.Row) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Write(row); err != nil {
		logger.Errorf(module, row.SessionID, "audit write failed, will retry: %v", err)
	}
}

// FrameResult 一帧的处理结果。三个字段都为空表示该帧被静默丢弃。
type FrameResult struct {
	Feedback *protocol.FeedbackPayload
	Summary  *session.Summary // 本帧触发自动结束时的总结
	Error    *protocol.ErrorPayload
}

// Dropped 是否被静默丢弃
func (r FrameResult) Dropped() bool {
	return r.Feedback == nil && r.Summary == nil && r.Error == nil
}

func errorResult(code, msg string) FrameResult {
	return FrameResult{Error: &protocol.ErrorPayload{Code: code, Message: msg}}
}

// ProcessFrame 处理一帧 data URL 图像
func (a *Analyzer) ProcessFrame(ctx context.Context, connID, payload string) FrameResult {
	return a.process(ctx, connID, func() (image.Image, error) {
		return protocol.DecodeImagePayload(payload)
	})
}

// ProcessJPEG 处理一帧原始图像字节（批处理）
func (a *Analyzer) ProcessJPEG(ctx context.Context, connID string, raw []byte) FrameResult {
	return a.process(ctx, connID, func() (image.Image, error) {
		return protocol.DecodeImage(raw)
	})
}

func (a *Analyzer) process(ctx context.Context, connID string, decode func() (image.Image, error)) (result FrameResult) {
	s, err := a.registry.Get(connID)
	if err != nil {
		return FrameResult{}
	}

	// 同一连接的帧按到达顺序串行处理
	s.LockFrames()
	defer s.UnlockFrames()

	sessionID, ok := s.ActiveID()
	if !ok {
		return FrameResult{}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(module, sessionID, "panic in frame pipeline: %v\n%s", r, debug.Stack())
			result = errorResult(protocol.CodeProcessingError, "processing error")
		}
	}()

	img, err := decode()
	if err != nil {
		logger.Debugf(module, sessionID, "frame decode failed: %v", err)
		code := protocol.CodeDecodeError
		if errors.Is(err, protocol.ErrInvalidPayload) {
			code = protocol.CodeInvalidPayload
		}
		return errorResult(code, err.Error())
	}

	emotion, posture, err := a.classify(ctx, classifier.NewFrame(img))
	if err != nil {
		logger.Errorf(module, sessionID, "classification failed: %v", err)
		return errorResult(protocol.CodeProcessingError, "processing error")
	}

	obs := session.Observation{}
	switch emotion.Outcome {
	case classifier.OutcomeNoSignal:
		obs.NoSignal = true
	case classifier.OutcomeUncertain:
		obs.SkipEmote = true
		obs.Emotion = classifier.LabelUncertain
	default:
		obs.Emotion = emotion.Label
	}

	postureLabel := posture.Label
	switch posture.Outcome {
	case classifier.OutcomeNoSignal:
		postureLabel = session.NoSignalPosture
		obs.Posture = postureLabel
	case classifier.OutcomeOK:
		obs.Posture = postureLabel
	}

	now := a.now()
	update, ok := s.Record(sessionID, obs, now)
	if !ok {
		// 处理期间会话已结束，不复活
		return FrameResult{}
	}

	lines := a.table.Lines(update.Emotion, postureLabel)
	lines = append(lines, emotion.Quality()...)

	a.writeAudit(audit.Row{
		SessionID: update.SessionID,
		Timestamp: now.Format(session.TimeLayout),
		Emotion:   update.Emotion,
		Posture:   postureLabel,
		Feedback:  lines,
	})

	result.Feedback = &protocol.FeedbackPayload{
		Emotion:       update.Emotion,
		Posture:       postureLabel,
		Feedback:      lines,
		EmotionTrend:  update.Trend,
		SessionActive: !update.AutoEnded,
	}
	if update.AutoEnded {
		logger.Infof(module, sessionID, "no face detected for %d consecutive frames, ending session",
			a.registry.Options().NoSignalWindow)
		result.Summary = a.finalize(ctx, update.Final, now)
	}
	return result
}

// classify 情绪与姿态并发分类，任一方报错时取消另一方
func (a *Analyzer) classify(ctx context.Context, frame *classifier.Frame) (classifier.EmotionResult, classifier.PostureResult, error) {
	var (
		emotion classifier.EmotionResult
		posture classifier.PostureResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard("emotion", func() error {
		emotion = a.emotions.ClassifyEmotion(gctx, frame)
		if emotion.Outcome == classifier.OutcomeError {
			return fmt.Errorf("emotion: %w", outcomeErr(emotion.Err))
		}
		return nil
	}))
	g.Go(guard("posture", func() error {
		posture = a.postures.ClassifyPosture(gctx, frame)
		if posture.Outcome == classifier.OutcomeError {
			return fmt.Errorf("posture: %w", outcomeErr(posture.Err))
		}
		return nil
	}))
	err := g.Wait()
	return emotion, posture, err
}

// guard 分类器 panic 在各自的 goroutine 内转为错误
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s classifier panic: %v\n%s", name, r, debug.Stack())
			}
		}()
		return fn()
	}
}

func outcomeErr(err error) error {
	if err == nil {
		return errors.New("classifier error")
	}
	return err
}

// SessionStatus 状态查询中每个连接的条目
type SessionStatus struct {
	SessionActive bool   `json:"session_active"`
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	StartTime     string `json:"start_time,omitempty"`
	FeedbackCount int    `json:"feedback_count"`
	EmotionCount  int    `json:"emotion_count"`
	PostureCount  int    `json:"posture_count"`
}

// Status 按连接ID列出所有会话
func (a *Analyzer) Status() map[string]SessionStatus {
	out := make(map[string]SessionStatus)
	for _, snap := range a.registry.Snapshots() {
		st := SessionStatus{
			SessionActive: snap.Active(),
			SessionID:     snap.ID,
			State:         snap.State.String(),
			FeedbackCount: snap.FrameCount,
			EmotionCount:  len(snap.EmotionHistory),
			PostureCount:  len(snap.PostureHistory),
		}
		if !snap.StartTime.IsZero() {
			st.StartTime = snap.StartTime.Format(session.TimeLayout)
		}
		out[snap.ConnID] = st
	}
	return out
}

// Health 存活探针
type Health struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	TotalSessions  int    `json:"total_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Health 进程状态
func (a *Analyzer) Health() Health {
	return Health{
		Status:         "ok",
		ActiveSessions: a.registry.ActiveCount(),
		TotalSessions:  a.registry.Len(),
		UptimeSeconds:  int64(a.now().Sub(a.startedAt) / time.Second),
	}
}
