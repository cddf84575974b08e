package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"GoInterviewAnalyzer/internal/logger"
	"GoInterviewAnalyzer/internal/protocol"
	"GoInterviewAnalyzer/internal/session"
)

var ErrNoFrames = errors.New("no frames in stream")

// BatchRequest 预录制流的批处理参数
type BatchRequest struct {
	Stream   io.Reader     // MJPEG 字节流
	FPS      float64       // 源帧率，<=0 时使用默认值
	Interval time.Duration // 采样间隔（源视频时间），<=0 时使用默认值
}

// SampleStep 每隔多少帧取一帧
func SampleStep(fps float64, interval time.Duration) int {
	step := int(math.Round(fps * interval.Seconds()))
	if step < 1 {
		step = 1
	}
	return step
}

// AnalyzeBatch 在独立的会话上同步跑完整条流水线，返回会话总结
func (a *Analyzer) AnalyzeBatch(ctx context.Context, req BatchRequest) (*session.Summary, error) {
	fps := req.FPS
	if fps <= 0 {
		fps = a.opts.DefaultFPS
	}
	interval := req.Interval
	if interval <= 0 {
		interval = a.opts.SampleInterval
	}
	step := SampleStep(fps, interval)

	connID := "batch_" + uuid.NewString()[:8]
	a.Connect(connID)
	defer a.Disconnect(connID)

	// 会话在解出第一帧时才开始，空流不写审计行也不落总结
	var sessionID string
	abort := func() {
		if sessionID != "" {
			a.EndSession(context.Background(), connID)
		}
	}

	dec := protocol.NewMJPEGDecoder()
	buf := make([]byte, 64*1024)
	index := 0
	sampled := 0

	for {
		if err := ctx.Err(); err != nil {
			abort()
			return nil, err
		}

		n, readErr := req.Stream.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}

		for {
			frame, err := dec.Next()
			if err != nil {
				logger.Warnf(module, sessionID, "skipping oversized frame: %v", err)
				continue
			}
			if frame == nil {
				break
			}
			if sessionID == "" {
				sessionID, _ = a.StartSession(connID)
				logger.Infof(module, sessionID, "batch analysis started (fps=%.1f, every %d frames)", fps, step)
			}
			if index%step == 0 {
				sampled++
				res := a.ProcessJPEG(ctx, connID, frame)
				if res.Error != nil {
					logger.Warnf(module, sessionID, "frame %d: %s", index, res.Error.Message)
				}
				if res.Summary != nil {
					return res.Summary, nil
				}
			}
			index++
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort()
			return nil, fmt.Errorf("failed to read stream: %w", readErr)
		}
	}

	if index == 0 {
		return nil, ErrNoFrames
	}
	summary, ok := a.EndSession(ctx, connID)
	if !ok {
		return nil, fmt.Errorf("batch session %s was not active", sessionID)
	}
	logger.Infof(module, sessionID, "batch analysis done: %d frames, %d sampled", index, sampled)
	return summary, nil
}
