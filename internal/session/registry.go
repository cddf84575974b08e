package session

import (
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Registry 连接ID -> 会话 的并发安全存储。
//
// 锁顺序：registry.mu 持有期间从不获取 Session.mu；
// 需要同时持有两把锁的地方（回收）总是先会话锁后注册表锁。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	now      func() time.Time
}

// NewRegistry 创建注册表
func NewRegistry(opts Options) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts.normalized(),
		now:      time.Now,
	}
}

// Options 会话容量配置
func (r *Registry) Options() Options { return r.opts }

// Create 为连接创建全新的 Idle 会话，替换任何残留条目
func (r *Registry) Create(connID string) *Session {
	s := newSession(connID, r.opts, r.now())

	r.mu.Lock()
	r.sessions[connID] = s
	r.mu.Unlock()
	return s
}

// Get 获取连接当前的会话
func (r *Registry) Get(connID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove 删除连接的会话（不论状态）
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
}

// removeIf 仅当映射仍指向 s 时删除
func (r *Registry) removeIf(connID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[connID]; ok && cur == s {
		delete(r.sessions, connID)
		return true
	}
	return false
}

// swap 比较并替换，old 为 nil 表示期望不存在
func (r *Registry) swap(connID string, old, fresh *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[connID]
	if (old == nil && ok) || (old != nil && cur != old) {
		return false
	}
	r.sessions[connID] = fresh
	return true
}

// Start 开始会话。
// Idle 会话原地激活；Ended 或不存在时创建新的会话对象（新ID、空历史）并激活；
// 已经 Active 时为 no-op，返回 started=false。
func (r *Registry) Start(connID string) (s *Session, started bool) {
	for {
		cur, err := r.Get(connID)
		now := r.now()

		if err == nil {
			switch cur.tryActivate(NewID(now), now) {
			case StateIdle:
				return cur, true
			case StateActive:
				return cur, false
			}
		} else {
			cur = nil
		}

		fresh := newSession(connID, r.opts, now)
		fresh.tryActivate(NewID(now), now)
		if r.swap(connID, cur, fresh) {
			return fresh, true
		}
	}
}

// List 所有会话指针的快照
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshots 所有会话字段的一致性快照
func (r *Registry) Snapshots() []Snapshot {
	sessions := r.List()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len 会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount 活跃会话数
func (r *Registry) ActiveCount() int {
	n := 0
	for _, s := range r.List() {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}
