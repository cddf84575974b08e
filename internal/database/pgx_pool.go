package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config 数据库配置
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	ConnectTimeout time.Duration // 启动时重试连接的总时长
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           5432,
		User:           "postgres",
		Password:       "postgres",
		DBName:         "postgres",
		SSLMode:        "disable",
		ConnectTimeout: 30 * time.Second,
	}
}

// DSN 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Execer 建表所需的最小接口，*pgxpool.Pool 满足
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema 会话总结表
const Schema = `
CREATE TABLE IF NOT EXISTS session_summaries (
	session_id       TEXT PRIMARY KEY,
	duration_seconds BIGINT NOT NULL,
	total_frames     INTEGER NOT NULL,
	dominant_emotion TEXT NOT NULL,
	dominant_posture TEXT NOT NULL,
	start_time       TEXT NOT NULL,
	end_time         TEXT NOT NULL,
	payload          JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Connect 创建连接池，数据库未就绪时按指数退避重试
func Connect(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxElapsedTime = config.ConnectTimeout

	var pool *pgxpool.Pool
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			log.Printf("PostgreSQL not ready (attempt %d): %v", attempt, err)
			return fmt.Errorf("failed to ping database: %w", err)
		}
		pool = p
		return nil
	}, backoff.WithContext(backOff, ctx))
	if err != nil {
		return nil, err
	}

	log.Println("✅ PostgreSQL连接池创建成功")
	return pool, nil
}

// EnsureSchema 建表（幂等）
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Open 连接并建表
func Open(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	pool, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close 关闭连接池
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
		log.Println("✅ PostgreSQL连接池已关闭")
	}
}
