package classifier

import (
	"image"
	"image/color"

	"gonum.org/v1/gonum/stat"
)

const (
	DarkThreshold   = 50.0
	BrightThreshold = 200.0

	MsgTooDark       = "Lighting is too dim. Please increase brightness or move to a well-lit area."
	MsgTooBright     = "Lighting is too bright. Reduce glare or adjust lighting."
	MsgNotCentered   = "Please center your face in the camera frame."
	MsgTooCloseToTop = "Your face is too close to the top. Adjust the camera to center your face."
)

// grayscale 逐像素灰度（0-255）
func grayscale(img image.Image) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out = append(out, float64(g.Y))
		}
	}
	return out
}

// MeanBrightness 平均亮度
func MeanBrightness(img image.Image) float64 {
	gray := grayscale(img)
	if len(gray) == 0 {
		return 0
	}
	return stat.Mean(gray, nil)
}

// LightingFeedback 过暗或过亮时返回提示
func LightingFeedback(img image.Image) string {
	mean := MeanBrightness(img)
	switch {
	case mean < DarkThreshold:
		return MsgTooDark
	case mean > BrightThreshold:
		return MsgTooBright
	default:
		return ""
	}
}

// CenteringFeedback 根据人脸框位置给出提示
func CenteringFeedback(face image.Rectangle, frame image.Rectangle) []string {
	w, h := float64(frame.Dx()), float64(frame.Dy())
	if w == 0 || h == 0 {
		return nil
	}

	var out []string
	xCenter := float64(face.Min.X-frame.Min.X) + float64(face.Dx())/2
	if xCenter < w*0.3 || xCenter > w*0.7 {
		out = append(out, MsgNotCentered)
	}
	if float64(face.Min.Y-frame.Min.Y) < h*0.2 {
		out = append(out, MsgTooCloseToTop)
	}
	return out
}
