package classifier

import (
	"image"
	"math"
)

// Landmark 归一化坐标的人体关键点
type Landmark struct {
	X, Y, Z    float64
	Visibility float64
}

// BlazePose 关键点下标
const (
	LandmarkNose          = 0
	LandmarkLeftEye       = 2
	LandmarkRightEye      = 5
	LandmarkLeftEar       = 7
	LandmarkRightEar      = 8
	LandmarkLeftShoulder  = 11
	LandmarkRightShoulder = 12

	PoseLandmarkCount = 33
)

const (
	PostureSlouching      = "Slouching"
	PostureTiltedHead     = "Tilted Head"
	PostureLeaningForward = "Leaning Forward"
	PostureLeaningBack    = "Leaning Back"
)

// ClassifyLandmarks 基于关键点的规则分类，后面的规则覆盖前面的
func ClassifyLandmarks(lm []Landmark) string {
	if len(lm) < PoseLandmarkCount {
		return ""
	}
	ls, rs := lm[LandmarkLeftShoulder], lm[LandmarkRightShoulder]
	nose := lm[LandmarkNose]

	posture := LabelUpright
	if math.Abs(ls.Y-rs.Y) > 0.1 {
		posture = PostureSlouching
	}
	if math.Abs(lm[LandmarkLeftEar].X-lm[LandmarkRightEar].X) > 0.2 {
		posture = PostureTiltedHead
	}

	avgShoulderZ := (ls.Z + rs.Z) / 2
	switch {
	case nose.Z < avgShoulderZ-0.1:
		posture = PostureLeaningForward
	case nose.Z > avgShoulderZ+0.1:
		posture = PostureLeaningBack
	}
	return posture
}

// FaceBox 用鼻、眼、耳关键点估计人脸框（像素坐标）
func FaceBox(lm []Landmark, frame image.Rectangle, minVisibility float64) (image.Rectangle, bool) {
	if len(lm) < PoseLandmarkCount {
		return image.Rectangle{}, false
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	n := 0
	for _, idx := range []int{LandmarkNose, LandmarkLeftEye, LandmarkRightEye, LandmarkLeftEar, LandmarkRightEar} {
		p := lm[idx]
		if p.Visibility < minVisibility {
			continue
		}
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
		n++
	}
	if n < 3 {
		return image.Rectangle{}, false
	}

	// 耳间距近似脸宽，上下各补半个脸宽
	w, h := float64(frame.Dx()), float64(frame.Dy())
	width := (maxX - minX) * w
	pad := width / 2
	box := image.Rect(
		frame.Min.X+int(minX*w),
		frame.Min.Y+int(minY*h-pad),
		frame.Min.X+int(maxX*w),
		frame.Min.Y+int(maxY*h+pad),
	).Intersect(frame)

	return box, !box.Empty()
}
