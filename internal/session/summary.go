package session

import (
	"fmt"
	"time"
)

const (
	// NoDataLabel 历史为空时分布中的哨兵标签
	NoDataLabel = "No data"
	// UnknownDominant 历史为空时的主导标签
	UnknownDominant = "Unknown"
)

// Summary 会话结束报告，生成后不可变
type Summary struct {
	SessionID           string             `json:"session_id"`
	Duration            string             `json:"duration"`
	DurationSeconds     int64              `json:"duration_seconds"`
	TotalFramesAnalyzed int                `json:"total_frames_analyzed"`
	EmotionDistribution map[string]float64 `json:"emotion_summary"`
	PostureDistribution map[string]float64 `json:"posture_summary"`
	DominantEmotion     string             `json:"dominant_emotion"`
	DominantPosture     string             `json:"dominant_posture"`
	StartTime           string             `json:"start_time"`
	EndTime             string             `json:"end_time"`
}

// Summarize 从快照和结束时间生成报告（纯函数）
func Summarize(snap Snapshot, end time.Time) *Summary {
	elapsed := end.Sub(snap.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	elapsed = elapsed.Truncate(time.Second)

	return &Summary{
		SessionID:           snap.ID,
		Duration:            FormatDuration(elapsed),
		DurationSeconds:     int64(elapsed / time.Second),
		TotalFramesAnalyzed: snap.FrameCount,
		EmotionDistribution: summaryDistribution(snap.EmotionHistory),
		PostureDistribution: summaryDistribution(snap.PostureHistory),
		DominantEmotion:     dominant(snap.EmotionHistory),
		DominantPosture:     dominant(snap.PostureHistory),
		StartTime:           snap.StartTime.Format(TimeLayout),
		EndTime:             end.Format(TimeLayout),
	}
}

func summaryDistribution(history []string) map[string]float64 {
	if len(history) == 0 {
		return map[string]float64{NoDataLabel: 100}
	}
	return Distribution(history, 1)
}

func dominant(history []string) string {
	if len(history) == 0 {
		return UnknownDominant
	}
	return Majority(history)
}

// FormatDuration 格式化为 H:MM:SS
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
