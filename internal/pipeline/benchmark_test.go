package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"GoInterviewAnalyzer/internal/classifier"
)

// BenchmarkProcessFrame 单会话逐帧处理（解码、分类、平滑、审计）
func BenchmarkProcessFrame(b *testing.B) {
	mock := classifier.NewMock()
	f := newFixture(b, mock, mock, DefaultOptions())
	a := f.analyzer
	ctx := context.Background()

	a.Connect("bench")
	a.StartSession("bench")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := a.ProcessFrame(ctx, "bench", testFrame)
		if res.Summary != nil {
			// 无信号自动结束后重新开始，保持会话活跃
			a.StartSession("bench")
		}
	}
}

// BenchmarkProcessFrameParallel 多连接并发处理
func BenchmarkProcessFrameParallel(b *testing.B) {
	mock := classifier.NewMock()
	f := newFixture(b, mock, mock, DefaultOptions())
	a := f.analyzer
	ctx := context.Background()

	const numConns = 16
	for i := 0; i < numConns; i++ {
		connID := fmt.Sprintf("bench-%d", i)
		a.Connect(connID)
		a.StartSession(connID)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			connID := fmt.Sprintf("bench-%d", i%numConns)
			if res := a.ProcessFrame(ctx, connID, testFrame); res.Summary != nil {
				a.StartSession(connID)
			}
			i++
		}
	})
}

// BenchmarkAnalyzeBatch 批处理吞吐（每秒采样一帧）
func BenchmarkAnalyzeBatch(b *testing.B) {
	mock := classifier.NewMock()
	f := newFixture(b, mock, mock, DefaultOptions())
	stream := mjpegStream(300)

	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.analyzer.AnalyzeBatch(context.Background(), BatchRequest{
			Stream: bytes.NewReader(stream),
			FPS:    30,
		}); err != nil {
			b.Fatalf("AnalyzeBatch failed: %v", err)
		}
	}
}
