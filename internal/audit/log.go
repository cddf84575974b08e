// Package audit 会话审计：逐帧 CSV 行日志与会话总结存储
package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// 生命周期行在 Emotion 列写入的标记
const (
	MarkSessionStart = "SESSION_START"
	MarkSessionEnd   = "SESSION_END"
)

// Header CSV 表头
var Header = []string{"Session_ID", "Timestamp", "Emotion", "Posture", "Feedback"}

// 写入失败时最多保留的待重试行数
const maxPendingRows = 1024

// Row 一条审计记录
type Row struct {
	SessionID string
	Timestamp string
	Emotion   string
	Posture   string
	Feedback  []string
}

func (r Row) record() []string {
	return []string{r.SessionID, r.Timestamp, r.Emotion, r.Posture, strings.Join(r.Feedback, "; ")}
}

// Logger 进程级唯一写者，所有会话的行经同一把锁串行写入
type Logger struct {
	mu      sync.Mutex
	path    string
	out     io.WriteCloser
	pending [][]string
}

// OpenLogger 截断并重写表头（进程启动时调用）
func OpenLogger(path string) (*Logger, error) {
	l := &Logger{path: path}
	if err := l.reset(); err != nil {
		return nil, err
	}
	return l, nil
}

// newLogger 使用任意 writer，测试用
func newLogger(w io.WriteCloser) *Logger {
	return &Logger{out: w}
}

// Path 日志文件路径
func (l *Logger) Path() string { return l.path }

// Write 追加一行。写入失败的行保留在内存中，下一次写入时先行补写。
func (l *Logger) Write(row Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, row.record())
	if len(l.pending) > maxPendingRows {
		over := len(l.pending) - maxPendingRows
		l.pending = l.pending[over:]
		log.Printf("⚠️ audit log backlog full, dropped %d rows", over)
	}
	return l.flushLocked()
}

// Reset 截断日志并重写表头，待写行一并丢弃
func (l *Logger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reset()
}

// Pending 待补写的行数
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close 关闭文件
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

func (l *Logger) reset() error {
	if l.out != nil {
		l.out.Close()
		l.out = nil
	}
	l.pending = nil

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	l.out = f
	if err := l.writeRecords([][]string{Header}); err != nil {
		return fmt.Errorf("failed to write audit header: %w", err)
	}
	return nil
}

func (l *Logger) flushLocked() error {
	if l.out == nil {
		if l.path == "" {
			return fmt.Errorf("audit log closed")
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
		l.out = f
	}
	if err := l.writeRecords(l.pending); err != nil {
		return fmt.Errorf("audit write failed (%d rows pending): %w", len(l.pending), err)
	}
	l.pending = l.pending[:0]
	return nil
}

// writeRecords 先编码到缓冲区再一次写出，不会留下半行
func (l *Logger) writeRecords(records [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return err
	}
	_, err := l.out.Write(buf.Bytes())
	return err
}
