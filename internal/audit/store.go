package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"GoInterviewAnalyzer/internal/session"
)

var (
	ErrSummaryExists   = errors.New("summary already stored")
	ErrSummaryNotFound = errors.New("summary not found")
	ErrInvalidID       = errors.New("invalid session id")
)

// SummaryStore 每个会话ID只能写入一次
type SummaryStore interface {
	Save(ctx context.Context, s *session.Summary) error
	Load(ctx context.Context, sessionID string) (*session.Summary, error)
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// FileSummaryStore 每个会话一个 JSON 文件：<dir>/<id>_summary.json
type FileSummaryStore struct {
	dir string
}

// NewFileSummaryStore 创建目录
func NewFileSummaryStore(dir string) (*FileSummaryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create summary dir: %w", err)
	}
	return &FileSummaryStore{dir: dir}, nil
}

func (f *FileSummaryStore) path(id string) string {
	return filepath.Join(f.dir, id+"_summary.json")
}

// Save O_EXCL 创建，已存在返回 ErrSummaryExists
func (f *FileSummaryStore) Save(_ context.Context, s *session.Summary) error {
	if err := validateID(s.SessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	file, err := os.OpenFile(f.path(s.SessionID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSummaryExists
		}
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return file.Close()
}

// Load 读取总结
func (f *FileSummaryStore) Load(_ context.Context, id string) (*session.Summary, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to read summary file: %w", err)
	}
	var s session.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary file: %w", err)
	}
	return &s, nil
}

// Querier *pgxpool.Pool 满足该接口
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSummaryStore session_summaries 表
type PostgresSummaryStore struct {
	db Querier
}

// NewPostgresSummaryStore 表需已由 database.EnsureSchema 创建
func NewPostgresSummaryStore(db Querier) *PostgresSummaryStore {
	return &PostgresSummaryStore{db: db}
}

const insertSummarySQL = `
INSERT INTO session_summaries
	(session_id, duration_seconds, total_frames, dominant_emotion, dominant_posture, start_time, end_time, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING`

const selectSummarySQL = `SELECT payload FROM session_summaries WHERE session_id = $1`

// Save 主键冲突时返回 ErrSummaryExists
func (p *PostgresSummaryStore) Save(ctx context.Context, s *session.Summary) error {
	if err := validateID(s.SessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	tag, err := p.db.Exec(ctx, insertSummarySQL,
		s.SessionID, s.DurationSeconds, s.TotalFramesAnalyzed,
		s.DominantEmotion, s.DominantPosture, s.StartTime, s.EndTime, payload)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSummaryExists
	}
	return nil
}

// Load 读取总结
func (p *PostgresSummaryStore) Load(ctx context.Context, id string) (*session.Summary, error) {
	var payload []byte
	if err := p.db.QueryRow(ctx, selectSummarySQL, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	var s session.Summary
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary payload: %w", err)
	}
	return &s, nil
}

// SummaryWriter 把总结写入所有存储；失败的写入在下一次 Persist 时重试
type SummaryWriter struct {
	mu      sync.Mutex
	stores  []SummaryStore
	pending []pendingSummary
}

type pendingSummary struct {
	store   SummaryStore
	summary *session.Summary
}

// NewSummaryWriter 第一个存储作为查询首选
func NewSummaryWriter(stores ...SummaryStore) *SummaryWriter {
	return &SummaryWriter{stores: stores}
}

// Persist 写入一份总结。返回本次写入的第一个错误，已存在不算错误。
func (w *SummaryWriter) Persist(ctx context.Context, s *session.Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	retry := w.pending
	w.pending = nil
	for _, p := range retry {
		if err := p.store.Save(ctx, p.summary); err != nil && !errors.Is(err, ErrSummaryExists) {
			w.pending = append(w.pending, p)
		} else {
			log.Printf("summary %s persisted on retry", p.summary.SessionID)
		}
	}

	var firstErr error
	for _, store := range w.stores {
		err := store.Save(ctx, s)
		if err == nil || errors.Is(err, ErrSummaryExists) {
			continue
		}
		if !errors.Is(err, ErrInvalidID) {
			w.pending = append(w.pending, pendingSummary{store: store, summary: s})
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending 待重试的写入数
func (w *SummaryWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Load 按顺序查找
func (w *SummaryWriter) Load(ctx context.Context, id string) (*session.Summary, error) {
	var lastErr error = ErrSummaryNotFound
	for _, store := range w.stores {
		s, err := store.Load(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSummaryNotFound) {
			lastErr = err
		}
	}
	return nil, lastErr
}
