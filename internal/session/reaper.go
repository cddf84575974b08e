package session

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const (
	DefaultReapInterval = 60 * time.Second
	DefaultReapTimeout  = 300 * time.Second
)

// Reaper 周期性回收已结束且空闲超时的会话。
// 不触碰 Active / Idle 会话。
type Reaper struct {
	registry *Registry
	interval atomic.Int64
	timeout  atomic.Int64
	now      func() time.Time

	// OnReap 每回收一个会话回调一次（可选）
	OnReap func(connID, sessionID string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper 创建回收器
func NewReaper(registry *Registry, interval, timeout time.Duration) *Reaper {
	r := &Reaper{registry: registry, now: time.Now}
	r.SetInterval(interval)
	r.SetTimeout(timeout)
	return r
}

// SetInterval 运行时调整周期（配置热更新），下一轮生效
func (r *Reaper) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultReapInterval
	}
	r.interval.Store(int64(d))
}

// SetTimeout 运行时调整超时
func (r *Reaper) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultReapTimeout
	}
	r.timeout.Store(int64(d))
}

func (r *Reaper) Interval() time.Duration { return time.Duration(r.interval.Load()) }
func (r *Reaper) Timeout() time.Duration  { return time.Duration(r.timeout.Load()) }

// Sweep 执行一轮回收，返回被移除的连接ID
func (r *Reaper) Sweep(now time.Time) []string {
	timeout := r.Timeout()
	var removed []string

	for _, s := range r.registry.List() {
		// 先取会话锁再取注册表锁，确保与并发的 End / 帧写入互斥
		s.mu.Lock()
		if s.state == StateEnded && now.Sub(s.idleSinceLocked()) > timeout {
			if r.registry.removeIf(s.ConnID, s) {
				removed = append(removed, s.ConnID)
				if r.OnReap != nil {
					r.OnReap(s.ConnID, s.id)
				}
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Start 启动后台回收循环，ctx 取消或调用 Stop 时退出
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		current := r.Interval()
		ticker := time.NewTicker(current)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.Sweep(r.now()); len(removed) > 0 {
					log.Printf("Reaper removed %d ended session(s)", len(removed))
				}
				if next := r.Interval(); next != current {
					current = next
					ticker.Reset(current)
				}
			}
		}
	}()
}

// Stop 停止回收循环并等待退出。未启动时调用也安全。
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
