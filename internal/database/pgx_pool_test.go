package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	sql []string
	err error
}

func (r *recordingExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), r.err
}

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "db"
	cfg.Port = 6543
	assert.Equal(t, "postgres://postgres:postgres@db:6543/postgres?sslmode=disable", cfg.DSN())
}

func TestEnsureSchema(t *testing.T) {
	exec := &recordingExec{}
	require.NoError(t, EnsureSchema(context.Background(), exec))
	require.Len(t, exec.sql, 1)
	assert.Contains(t, exec.sql[0], "session_summaries")

	exec.err = errors.New("permission denied")
	assert.Error(t, EnsureSchema(context.Background(), exec))
}

func TestConnect_GivesUpAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1 // 无服务监听
	cfg.ConnectTimeout = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Connect(ctx, cfg)
	assert.Error(t, err)
}
