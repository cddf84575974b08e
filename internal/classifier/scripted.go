package classifier

import (
	"context"
	"sync"
)

// Scripted 按预设序列返回结果的分类器，用于 mock 模式和测试。
// 序列用完后循环。
type Scripted struct {
	mu       sync.Mutex
	emotions []EmotionResult
	postures []PostureResult
	ei, pi   int

	// CheckLighting 为 true 时根据真实画面计算光照提示
	CheckLighting bool
}

// NewScripted 创建脚本分类器
func NewScripted(emotions []EmotionResult, postures []PostureResult) *Scripted {
	return &Scripted{emotions: emotions, postures: postures}
}

// Emotions 由标签快速构造 OK 结果
func Emotions(labels ...string) []EmotionResult {
	out := make([]EmotionResult, len(labels))
	for i, l := range labels {
		out[i] = EmotionResult{Outcome: OutcomeOK, Label: l, Confidence: 1}
	}
	return out
}

// Postures 由标签快速构造 OK 结果
func Postures(labels ...string) []PostureResult {
	out := make([]PostureResult, len(labels))
	for i, l := range labels {
		out[i] = PostureResult{Outcome: OutcomeOK, Label: l}
	}
	return out
}

// NewMock 开发用的循环分类器
func NewMock() *Scripted {
	s := NewScripted(
		Emotions("calm", "calm", "confident", "calm", "nervous", "confident"),
		Postures(LabelUpright, LabelUpright, PostureSlouching, LabelUpright),
	)
	s.CheckLighting = true
	return s
}

// ClassifyEmotion 实现 EmotionClassifier
func (s *Scripted) ClassifyEmotion(ctx context.Context, frame *Frame) EmotionResult {
	if err := ctx.Err(); err != nil {
		return EmotionError(err)
	}

	s.mu.Lock()
	var res EmotionResult
	if len(s.emotions) > 0 {
		res = s.emotions[s.ei%len(s.emotions)]
		s.ei++
	} else {
		res = EmotionResult{Outcome: OutcomeNoSignal}
	}
	s.mu.Unlock()

	if s.CheckLighting && frame != nil && frame.Image != nil {
		res.Lighting = LightingFeedback(frame.Image)
	}
	return res
}

// ClassifyPosture 实现 PostureClassifier
func (s *Scripted) ClassifyPosture(ctx context.Context, frame *Frame) PostureResult {
	if err := ctx.Err(); err != nil {
		return PostureError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.postures) == 0 {
		return PostureResult{Outcome: OutcomeNoSignal}
	}
	res := s.postures[s.pi%len(s.postures)]
	s.pi++
	return res
}
