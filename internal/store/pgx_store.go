package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxConfig 数据库配置
type PgxConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultPgxConfig 默认配置
func DefaultPgxConfig() *PgxConfig {
	return &PgxConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "postgres",
		SSLMode:  "disable",
	}
}

// DSN 拼接连接串
func (c *PgxConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS gateway_resume_state (
    shard_id   INT PRIMARY KEY,
    session_id TEXT NOT NULL,
    sequence   BIGINT NOT NULL,
    resume_url TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgxStore Postgres恢复状态存储。
// 多进程部署时跨进程重启共享恢复状态使用。
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore 创建Postgres存储并建表
func NewPgxStore(ctx context.Context, config *PgxConfig) (*PgxStore, error) {
	if config == nil {
		config = DefaultPgxConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pgx config failed: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create resume state table failed: %w", err)
	}

	log.Printf("PgxStore connected: %s:%d/%s", config.Host, config.Port, config.DBName)
	return &PgxStore{pool: pool}, nil
}

// Save 保存恢复状态（upsert）
func (p *PgxStore) Save(ctx context.Context, state ResumeState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO gateway_resume_state (shard_id, session_id, sequence, resume_url, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (shard_id) DO UPDATE
		SET session_id = $2, sequence = $3, resume_url = $4, updated_at = now()`,
		state.ShardID, state.SessionID, state.Sequence, state.ResumeURL)
	if err != nil {
		return fmt.Errorf("save resume state failed: %w", err)
	}
	return nil
}

// Load 读取恢复状态
func (p *PgxStore) Load(ctx context.Context, shardID int) (*ResumeState, error) {
	var state ResumeState
	err := p.pool.QueryRow(ctx, `
		SELECT shard_id, session_id, sequence, resume_url
		FROM gateway_resume_state WHERE shard_id = $1`,
		shardID).Scan(&state.ShardID, &state.SessionID, &state.Sequence, &state.ResumeURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resume state failed: %w", err)
	}
	return &state, nil
}

// Clear 清除恢复状态
func (p *PgxStore) Clear(ctx context.Context, shardID int) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM gateway_resume_state WHERE shard_id = $1`, shardID)
	if err != nil {
		return fmt.Errorf("clear resume state failed: %w", err)
	}
	return nil
}

// Close 释放连接池
func (p *PgxStore) Close() {
	p.pool.Close()
}
