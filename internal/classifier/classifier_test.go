package classifier

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformImage(w, h int, v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: v, G: v, B: v, A: 255}}, image.Point{}, draw.Src)
	return img
}

func TestLightingFeedback(t *testing.T) {
	assert.Equal(t, MsgTooDark, LightingFeedback(uniformImage(8, 8, 10)))
	assert.Equal(t, MsgTooBright, LightingFeedback(uniformImage(8, 8, 240)))
	assert.Empty(t, LightingFeedback(uniformImage(8, 8, 128)))
	assert.InDelta(t, 128.0, MeanBrightness(uniformImage(4, 4, 128)), 0.5)
}

func TestCenteringFeedback(t *testing.T) {
	frame := image.Rect(0, 0, 100, 100)

	assert.Empty(t, CenteringFeedback(image.Rect(40, 30, 60, 60), frame))
	assert.Equal(t, []string{MsgNotCentered}, CenteringFeedback(image.Rect(0, 30, 20, 60), frame))
	assert.Equal(t, []string{MsgTooCloseToTop}, CenteringFeedback(image.Rect(40, 5, 60, 40), frame))
	assert.Equal(t, []string{MsgNotCentered, MsgTooCloseToTop}, CenteringFeedback(image.Rect(80, 0, 100, 30), frame))
}

func uprightLandmarks() []Landmark {
	lm := make([]Landmark, PoseLandmarkCount)
	for i := range lm {
		lm[i] = Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	lm[LandmarkNose] = Landmark{X: 0.5, Y: 0.3, Visibility: 1}
	lm[LandmarkLeftEye] = Landmark{X: 0.52, Y: 0.28, Visibility: 1}
	lm[LandmarkRightEye] = Landmark{X: 0.48, Y: 0.28, Visibility: 1}
	lm[LandmarkLeftEar] = Landmark{X: 0.55, Y: 0.3, Visibility: 1}
	lm[LandmarkRightEar] = Landmark{X: 0.45, Y: 0.3, Visibility: 1}
	lm[LandmarkLeftShoulder] = Landmark{X: 0.65, Y: 0.6, Visibility: 1}
	lm[LandmarkRightShoulder] = Landmark{X: 0.35, Y: 0.6, Visibility: 1}
	return lm
}

func TestClassifyLandmarks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(lm []Landmark)
		want   string
	}{
		{"upright", func(lm []Landmark) {}, LabelUpright},
		{"slouching", func(lm []Landmark) { lm[LandmarkLeftShoulder].Y = 0.75 }, PostureSlouching},
		{"tilted head", func(lm []Landmark) { lm[LandmarkLeftEar].X = 0.7 }, PostureTiltedHead},
		{"leaning forward", func(lm []Landmark) { lm[LandmarkNose].Z = -0.2 }, PostureLeaningForward},
		{"leaning back overrides slouch", func(lm []Landmark) {
			lm[LandmarkLeftShoulder].Y = 0.75
			lm[LandmarkNose].Z = 0.2
		}, PostureLeaningBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := uprightLandmarks()
			tt.mutate(lm)
			assert.Equal(t, tt.want, ClassifyLandmarks(lm))
		})
	}

	assert.Empty(t, ClassifyLandmarks(nil))
}

func TestFaceBox(t *testing.T) {
	frame := image.Rect(0, 0, 200, 100)
	box, ok := FaceBox(uprightLandmarks(), frame, 0.5)
	require.True(t, ok)
	assert.Equal(t, 90, box.Min.X)
	assert.Equal(t, 110, box.Max.X)
	assert.True(t, box.In(frame))

	hidden := uprightLandmarks()
	for _, idx := range []int{LandmarkNose, LandmarkLeftEye, LandmarkRightEye} {
		hidden[idx].Visibility = 0
	}
	_, ok = FaceBox(hidden, frame, 0.5)
	assert.False(t, ok)
}

func TestSoftmax(t *testing.T) {
	probs := softmax([]float32{1, 2, 3})
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[2], probs[1])
}

func TestScripted_CyclesResults(t *testing.T) {
	s := NewScripted(Emotions("happy", "sad"), Postures(LabelUpright))
	ctx := context.Background()

	assert.Equal(t, "happy", s.ClassifyEmotion(ctx, nil).Label)
	assert.Equal(t, "sad", s.ClassifyEmotion(ctx, nil).Label)
	assert.Equal(t, "happy", s.ClassifyEmotion(ctx, nil).Label)
	assert.Equal(t, LabelUpright, s.ClassifyPosture(ctx, nil).Label)

	empty := NewScripted(nil, nil)
	assert.Equal(t, OutcomeNoSignal, empty.ClassifyEmotion(ctx, nil).Outcome)
	assert.Equal(t, OutcomeNoSignal, empty.ClassifyPosture(ctx, nil).Outcome)
}

func TestScripted_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMock()
	assert.Equal(t, OutcomeError, s.ClassifyEmotion(ctx, nil).Outcome)
	assert.Equal(t, OutcomeError, s.ClassifyPosture(ctx, nil).Outcome)
}

func TestMock_ReportsLighting(t *testing.T) {
	res := NewMock().ClassifyEmotion(context.Background(), NewFrame(uniformImage(4, 4, 5)))
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, []string{MsgTooDark}, res.Quality())
}

func TestModelNotLoaded(t *testing.T) {
	var m *onnxModel
	_, err := m.run(context.Background(), uniformImage(2, 2, 0), image.Rect(0, 0, 2, 2), false)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestFrame_LandmarksComputedOnce(t *testing.T) {
	frame := NewFrame(uniformImage(4, 4, 128))
	var calls atomic.Int32
	compute := func() ([]Landmark, bool, error) {
		calls.Add(1)
		return uprightLandmarks(), true, nil
	}

	// 姿态分类与人脸定位在两个 goroutine 中同时请求同一帧
	var wg sync.WaitGroup
	results := make([][]Landmark, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lm, found, err := frame.landmarks(compute)
			assert.NoError(t, err)
			assert.True(t, found)
			results[i] = lm
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, results[0], results[1])

	_, _, err := frame.landmarks(func() ([]Landmark, bool, error) {
		t.Fatal("landmarks recomputed for the same frame")
		return nil, false, nil
	})
	assert.NoError(t, err)
}

func TestPoseModel_LandmarksUseFrameCache(t *testing.T) {
	pose := &PoseModel{model: &onnxModel{}, presenceThreshold: 0.5, minVisibility: 0.5}
	frame := NewFrame(uniformImage(100, 100, 128))
	frame.landmarks(func() ([]Landmark, bool, error) { return uprightLandmarks(), true, nil })

	// 模型未加载，只能命中缓存
	res := pose.ClassifyPosture(context.Background(), frame)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, LabelUpright, res.Label)

	_, _, err := pose.LocateFace(context.Background(), frame)
	assert.NoError(t, err)
}
