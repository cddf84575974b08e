package classifier

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/floats"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime 初始化 ONNX Runtime，进程内只执行一次
func InitRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// onnxModel 预分配张量的单输入模型。
// ONNX Runtime 会话不是线程安全的，Run 需要串行。
type onnxModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	size    int
}

func loadModel(path string, size int, inputName string, outputNames []string, outputShapes [][]int64) (*onnxModel, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for model: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("model %s: %w", absPath, err)
	}

	m := &onnxModel{size: size}

	m.input, err = ort.NewTensor([]int64{1, int64(size), int64(size), 3}, make([]float32, size*size*3))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputs := make([]ort.Value, 0, len(outputShapes))
	for _, shape := range outputShapes {
		n := int64(1)
		for _, d := range shape {
			n *= d
		}
		t, err := ort.NewTensor(shape, make([]float32, n))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		m.outputs = append(m.outputs, t)
		outputs = append(outputs, t)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	m.session, err = ort.NewAdvancedSession(
		absPath,
		[]string{inputName},
		outputNames,
		[]ort.Value{m.input},
		outputs,
		options,
	)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return m, nil
}

// run 把 rect 区域缩放到模型输入尺寸后推理，返回各输出的副本
func (m *onnxModel) run(ctx context.Context, img image.Image, rect image.Rectangle, bgr bool) ([][]float32, error) {
	if m == nil || m.session == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fillTensor(m.input.GetData(), img, rect, m.size, bgr)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run ONNX inference: %w", err)
	}

	out := make([][]float32, len(m.outputs))
	for i, t := range m.outputs {
		data := t.GetData()
		out[i] = make([]float32, len(data))
		copy(out[i], data)
	}
	return out, nil
}

// Close 释放 ONNX 资源
func (m *onnxModel) Close() error {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	for _, t := range m.outputs {
		t.Destroy()
	}
	return nil
}

// fillTensor 最近邻缩放到 size x size，NHWC，归一化到 [0,1]
func fillTensor(dst []float32, img image.Image, rect image.Rectangle, size int, bgr bool) {
	w, h := rect.Dx(), rect.Dy()
	idx := 0
	for y := 0; y < size; y++ {
		sy := rect.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			sx := rect.Min.X + x*w/size
			r, g, b, _ := img.At(sx, sy).RGBA()
			rf, gf, bf := float32(r>>8)/255, float32(g>>8)/255, float32(b>>8)/255
			if bgr {
				rf, bf = bf, rf
			}
			dst[idx], dst[idx+1], dst[idx+2] = rf, gf, bf
			idx += 3
		}
	}
}

// FaceLocator 在帧中定位人脸
type FaceLocator interface {
	LocateFace(ctx context.Context, frame *Frame) (image.Rectangle, bool, error)
}

const (
	poseInputSize    = 256
	poseValuesPerKey = 5
	poseKeypoints    = 39
)

// PoseModel BlazePose 风格的关键点模型：
// 输入 [1,256,256,3]，输出 Identity [1,195]（39×5，像素坐标）和 Identity_1 [1,1]（存在概率）
type PoseModel struct {
	model             *onnxModel
	presenceThreshold float64
	minVisibility     float64
}

// NewPoseModel 加载姿态模型
func NewPoseModel(path string, presenceThreshold float64) (*PoseModel, error) {
	m, err := loadModel(path, poseInputSize, "input_1",
		[]string{"Identity", "Identity_1"},
		[][]int64{{1, poseKeypoints * poseValuesPerKey}, {1, 1}})
	if err != nil {
		return nil, err
	}
	return &PoseModel{model: m, presenceThreshold: presenceThreshold, minVisibility: 0.5}, nil
}

// Landmarks 推理关键点；画面中没有人时返回 found=false。
// 结果缓存在 frame 上，同一帧重复调用不会再次推理。
func (p *PoseModel) Landmarks(ctx context.Context, frame *Frame) ([]Landmark, bool, error) {
	return frame.landmarks(func() ([]Landmark, bool, error) {
		return p.infer(ctx, frame)
	})
}

func (p *PoseModel) infer(ctx context.Context, frame *Frame) ([]Landmark, bool, error) {
	outs, err := p.model.run(ctx, frame.Image, frame.Bounds(), false)
	if err != nil {
		return nil, false, err
	}
	if float64(outs[1][0]) < p.presenceThreshold {
		return nil, false, nil
	}

	raw := outs[0]
	lm := make([]Landmark, PoseLandmarkCount)
	for i := range lm {
		v := raw[i*poseValuesPerKey : (i+1)*poseValuesPerKey]
		lm[i] = Landmark{
			X:          float64(v[0]) / poseInputSize,
			Y:          float64(v[1]) / poseInputSize,
			Z:          float64(v[2]) / poseInputSize,
			Visibility: sigmoid(float64(v[3])),
		}
	}
	return lm, true, nil
}

// ClassifyPosture 实现 PostureClassifier
func (p *PoseModel) ClassifyPosture(ctx context.Context, frame *Frame) PostureResult {
	lm, found, err := p.Landmarks(ctx, frame)
	if err != nil {
		return PostureError(err)
	}
	if !found {
		return PostureResult{Outcome: OutcomeNoSignal}
	}
	return PostureResult{Outcome: OutcomeOK, Label: ClassifyLandmarks(lm)}
}

// LocateFace 实现 FaceLocator
func (p *PoseModel) LocateFace(ctx context.Context, frame *Frame) (image.Rectangle, bool, error) {
	lm, found, err := p.Landmarks(ctx, frame)
	if err != nil || !found {
		return image.Rectangle{}, false, err
	}
	box, ok := FaceBox(lm, frame.Bounds(), p.minVisibility)
	return box, ok, nil
}

// Close 释放模型
func (p *PoseModel) Close() error { return p.model.Close() }

const emotionInputSize = 224

var DefaultEmotionLabels = []string{"happy", "sad", "angry", "neutral", "fear", "disgust", "surprise"}

// DefaultLabelMap 面试场景下的情绪映射
var DefaultLabelMap = map[string]string{
	"happy":   "confident",
	"fear":    "nervous",
	"sad":     "nervous",
	"neutral": "calm",
	"angry":   "frustrated",
}

// EmotionModelConfig 情绪模型配置
type EmotionModelConfig struct {
	Path                string
	Labels              []string
	LabelMap            map[string]string
	ConfidenceThreshold float64
}

// EmotionModel 输入 [1,224,224,3]（BGR），输出 [1,len(labels)]
type EmotionModel struct {
	model     *onnxModel
	faces     FaceLocator
	labels    []string
	labelMap  map[string]string
	threshold float64
}

// NewEmotionModel 加载情绪模型
func NewEmotionModel(cfg EmotionModelConfig, faces FaceLocator) (*EmotionModel, error) {
	labels := cfg.Labels
	if len(labels) == 0 {
		labels = DefaultEmotionLabels
	}
	labelMap := cfg.LabelMap
	if labelMap == nil {
		labelMap = DefaultLabelMap
	}

	m, err := loadModel(cfg.Path, emotionInputSize, "input", []string{"output"},
		[][]int64{{1, int64(len(labels))}})
	if err != nil {
		return nil, err
	}
	return &EmotionModel{
		model:     m,
		faces:     faces,
		labels:    labels,
		labelMap:  labelMap,
		threshold: cfg.ConfidenceThreshold,
	}, nil
}

// ClassifyEmotion 实现 EmotionClassifier
func (e *EmotionModel) ClassifyEmotion(ctx context.Context, frame *Frame) EmotionResult {
	lighting := LightingFeedback(frame.Image)

	box, found, err := e.faces.LocateFace(ctx, frame)
	if err != nil {
		res := EmotionError(err)
		res.Lighting = lighting
		return res
	}
	if !found {
		return EmotionResult{Outcome: OutcomeNoSignal, Lighting: lighting}
	}
	centering := CenteringFeedback(box, frame.Bounds())

	outs, err := e.model.run(ctx, frame.Image, box, true)
	if err != nil {
		res := EmotionError(err)
		res.Lighting = lighting
		return res
	}

	probs := softmax(outs[0])
	idx := floats.MaxIdx(probs)
	label := e.labels[idx]
	if mapped, ok := e.labelMap[label]; ok {
		label = mapped
	}

	res := EmotionResult{
		Outcome:    OutcomeOK,
		Label:      label,
		Confidence: probs[idx],
		Lighting:   lighting,
		Centering:  centering,
	}
	if probs[idx] < e.threshold {
		res.Outcome = OutcomeUncertain
		res.Label = LabelUncertain
	}
	return res
}

// Close 释放模型
func (e *EmotionModel) Close() error { return e.model.Close() }

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	maxV := floats.Max(out)
	for i := range out {
		out[i] = math.Exp(out[i] - maxV)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
