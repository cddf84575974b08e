// Package classifier 是帧分类模型的适配边界。
//
// 流水线只依赖 EmotionClassifier / PostureClassifier 两个接口，
// 分类失败以 Outcome 值返回，而不是 panic。
package classifier

import (
	"context"
	"errors"
	"image"
	"sync"
)

var ErrModelNotLoaded = errors.New("model not loaded")

// Outcome 单次分类的结果类型
type Outcome int

const (
	OutcomeOK        Outcome = iota // 得到有效标签
	OutcomeNoSignal                 // 画面中检测不到目标，不是错误
	OutcomeUncertain                // 置信度不足，不写入历史
	OutcomeError                    // 分类器内部错误
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeNoSignal:
		return "NO_SIGNAL"
	case OutcomeUncertain:
		return "UNCERTAIN"
	case OutcomeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	LabelUncertain = "Uncertain"
	LabelUnknown   = "Unknown"
	LabelUpright   = "Upright"
)

// Frame 解码后的帧
type Frame struct {
	Image image.Image

	// 姿态关键点每帧只推理一次，姿态分类与人脸定位共用
	lmOnce  sync.Once
	lm      []Landmark
	lmFound bool
	lmErr   error
}

// NewFrame 包装解码后的图像
func NewFrame(img image.Image) *Frame {
	return &Frame{Image: img}
}

// landmarks 首次调用时执行 compute，之后（包括并发调用方）返回同一结果
func (f *Frame) landmarks(compute func() ([]Landmark, bool, error)) ([]Landmark, bool, error) {
	f.lmOnce.Do(func() {
		f.lm, f.lmFound, f.lmErr = compute()
	})
	return f.lm, f.lmFound, f.lmErr
}

// Bounds 图像尺寸
func (f *Frame) Bounds() image.Rectangle {
	return f.Image.Bounds()
}

// EmotionResult 情绪分类结果
type EmotionResult struct {
	Outcome    Outcome
	Label      string
	Confidence float64
	Lighting   string   // 光照提示，可为空
	Centering  []string // 人脸居中提示，可为空
	Err        error
}

// Quality 光照与居中提示合并
func (r EmotionResult) Quality() []string {
	var out []string
	if r.Lighting != "" {
		out = append(out, r.Lighting)
	}
	return append(out, r.Centering...)
}

// PostureResult 姿态分类结果
type PostureResult struct {
	Outcome Outcome
	Label   string
	Err     error
}

// EmotionClassifier 情绪分类器，可能阻塞
type EmotionClassifier interface {
	ClassifyEmotion(ctx context.Context, frame *Frame) EmotionResult
}

// PostureClassifier 姿态分类器，可能阻塞
type PostureClassifier interface {
	ClassifyPosture(ctx context.Context, frame *Frame) PostureResult
}

// EmotionError 构造错误结果
func EmotionError(err error) EmotionResult {
	return EmotionResult{Outcome: OutcomeError, Label: LabelUnknown, Err: err}
}

// PostureError 构造错误结果
func PostureError(err error) PostureResult {
	return PostureResult{Outcome: OutcomeError, Label: LabelUnknown, Err: err}
}
