package session

import "math"

// Smoother 单帧去噪：在小窗口内做多数投票
type Smoother struct {
	window     *History
	minSamples int
}

// NewSmoother 创建去噪器。窗口样本数少于 minSamples 时原样透传。
func NewSmoother(size, minSamples int) *Smoother {
	if minSamples <= 0 || minSamples > size {
		minSamples = size
	}
	return &Smoother{window: NewHistory(size), minSamples: minSamples}
}

// Smooth 追加原始标签并返回稳定后的标签
func (s *Smoother) Smooth(raw string) string {
	s.window.Push(raw)
	if s.window.Len() < s.minSamples {
		return raw
	}
	return Majority(s.window.Values())
}

// Majority 返回出现次数最多的标签，平票时取最先出现的
func Majority(labels []string) string {
	counts, order := countLabels(labels)
	best, bestCount := "", 0
	for _, label := range order {
		if counts[label] > bestCount {
			best, bestCount = label, counts[label]
		}
	}
	return best
}

// countLabels 计数，并按首次出现顺序返回不同标签
func countLabels(labels []string) (map[string]int, []string) {
	counts := make(map[string]int, len(labels))
	order := make([]string, 0, len(labels))
	for _, label := range labels {
		if _, seen := counts[label]; !seen {
			order = append(order, label)
		}
		counts[label]++
	}
	return counts, order
}

// Distribution 百分比分布，保留 decimals 位小数。空输入返回空 map。
func Distribution(labels []string, decimals int) map[string]float64 {
	counts, _ := countLabels(labels)
	out := make(map[string]float64, len(counts))
	total := float64(len(labels))
	for label, count := range counts {
		out[label] = roundTo(100*float64(count)/total, decimals)
	}
	return out
}

// Trend 最近 window 条情绪历史的分布快照
func Trend(h *History, window int) map[string]float64 {
	return Distribution(h.Tail(window), 2)
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
