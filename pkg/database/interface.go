package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 条件写入被拒绝（唯一约束或已存在有效订阅）
	ErrConflict = errors.New("record conflict")
)

// Store 定义计费子系统的持久化接口
// 所有改变共享状态的方法都是单条条件语句（或单个事务），可以安全地并发和重放
type Store interface {
	// 计划目录
	GetPlan(ctx context.Context, planID string) (*models.Plan, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)
	SetPlanExternalIDs(ctx context.Context, planID, productID, priceID string) error

	// 订阅记录
	CreatePendingSubscription(ctx context.Context, sub *models.Subscription) error
	HasActiveSubscription(ctx context.Context, userID, planID string) (bool, error)
	FindCustomerID(ctx context.Context, userID string) (string, error)
	GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	// GetCurrentSubscription returns the record entitlement decisions are based on, with Plan loaded.
	GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	// ActivateCheckout reports false when the matched record already moved past activation.
	ActivateCheckout(ctx context.Context, act models.CheckoutActivation) (*models.Subscription, bool, error)
	ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error)
	// SetOwnedSubscriptionStatus only moves active and trial records to cancel_pending;
	// other records keep their status and still get autoRenew.
	SetOwnedSubscriptionStatus(ctx context.Context, userID, externalSubscriptionID string, status models.SubscriptionStatus, autoRenew bool) (*models.Subscription, error)

	// 额度账本
	GetQuotaEntries(ctx context.Context, userID string) ([]models.QuotaEntry, error)
	ResetQuota(ctx context.Context, userID string, limits models.QuotaLimits, nextReset time.Time) error
	RolloverQuota(ctx context.Context, userID string, resource models.Resource, limit int64, now, nextReset time.Time) (bool, error)
	ConsumeQuota(ctx context.Context, userID string, resource models.Resource, amount int64, now time.Time) (bool, error)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	UseLocalDB   bool
	LocalDataDir string
	PostgresDSN  string
	SupabaseURL  string
	SupabaseKey  string
	Debug        bool
}

// NewStore 根据环境与配置选择存储实现
func NewStore(config DatabaseConfig, log *logrus.Entry) (Store, error) {
	if isVercelEnvironment() {
		log.Info("🧭 Detected Vercel environment")

		// Vercel 优先使用 Supabase（避免 IPv6）
		if config.SupabaseURL != "" && config.SupabaseKey != "" {
			log.Info("🚀 Using Supabase REST API (Vercel optimized)")
			return NewSupabaseStore(config.SupabaseURL, config.SupabaseKey), nil
		}
		if config.PostgresDSN != "" {
			log.Warn("🌐 Using PostgreSQL in Vercel (may have IPv6 issues)")
			return NewPostgresStore(config.PostgresDSN, log)
		}
		return nil, fmt.Errorf("no valid database configured for Vercel environment: set SUPABASE_URL+SUPABASE_SERVICE_KEY or POSTGRES_DSN")
	}

	// 非 Vercel 环境：PostgreSQL > Supabase > 本地
	if config.PostgresDSN != "" {
		log.Info("🗄️ Using PostgreSQL database")
		return NewPostgresStore(config.PostgresDSN, log)
	}
	if config.SupabaseURL != "" && config.SupabaseKey != "" {
		log.Info("🧰 Using Supabase REST API")
		return NewSupabaseStore(config.SupabaseURL, config.SupabaseKey), nil
	}
	if config.UseLocalDB {
		log.Warn("📁 Using local in-process store (development only)")
		return NewLocalStore(config.LocalDataDir)
	}
	return nil, fmt.Errorf("no valid database configuration found: configure POSTGRES_DSN or SUPABASE_URL+SUPABASE_SERVICE_KEY")
}

// isVercelEnvironment 检查是否运行在 Vercel/Lambda
func isVercelEnvironment() bool {
	return os.Getenv("VERCEL_ENV") != "" || os.Getenv("VERCEL_URL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// NextResetAfter returns 00:00 UTC on the first day of the month after now.
func NextResetAfter(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
