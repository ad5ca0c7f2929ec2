package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool 持有一个 Store 并在其失效时重建
// 由调用方显式创建并注入，不再使用包级单例
type Pool struct {
	config   DatabaseConfig
	log      *logrus.Entry
	open     func(DatabaseConfig, *logrus.Entry) (Store, error)
	maxIdle  time.Duration
	mu       sync.Mutex
	instance Store
	lastUsed time.Time
}

// NewPool 创建连接池
func NewPool(config DatabaseConfig, log *logrus.Entry) *Pool {
	return &Pool{
		config:  config,
		log:     log,
		open:    NewStore,
		maxIdle: 30 * time.Minute,
	}
}

// Get 获取可用的 Store（空闲过久或健康检查失败时重建）
func (p *Pool) Get(ctx context.Context) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instance != nil && !p.shouldRecreate(ctx) {
		p.lastUsed = time.Now()
		return p.instance, nil
	}

	if p.instance != nil {
		p.log.Info("🔄 Recreating database connection")
		p.instance.Close()
		p.instance = nil
	}

	instance, err := p.open(p.config, p.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	p.instance = instance
	p.lastUsed = time.Now()
	return instance, nil
}

// shouldRecreate must be called with mu held.
func (p *Pool) shouldRecreate(ctx context.Context) bool {
	// 本地存储的状态在进程内，重建会丢数据
	if _, local := p.instance.(*LocalStore); local {
		return false
	}
	if time.Since(p.lastUsed) > p.maxIdle {
		p.log.Info("⏰ Database connection expired, recreating")
		return true
	}
	if err := p.instance.HealthCheck(ctx); err != nil {
		p.log.WithError(err).Warn("❌ Database health check failed, recreating")
		return true
	}
	return false
}

// Stats 连接状态（调试端点使用）
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instance == nil {
		return map[string]interface{}{
			"status":    "no_connection",
			"last_used": nil,
		}
	}
	return map[string]interface{}{
		"status":    "connected",
		"last_used": p.lastUsed.Format(time.RFC3339),
		"age":       time.Since(p.lastUsed).String(),
		"config": map[string]interface{}{
			"use_local_db": p.config.UseLocalDB,
			"has_postgres": p.config.PostgresDSN != "",
			"has_supabase": p.config.SupabaseURL != "",
		},
	}
}

// Close 关闭当前连接
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance == nil {
		return nil
	}
	err := p.instance.Close()
	p.instance = nil
	return err
}
