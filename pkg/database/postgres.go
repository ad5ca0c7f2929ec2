package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore PostgreSQL存储实现
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建PostgreSQL存储实例
func NewPostgresStore(dsn string, log *logrus.Entry) (*PostgresStore, error) {
	// 尝试多种连接策略来解决Vercel Lambda的IPv6问题
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&connect_timeout=10"),
		dsn,
	}

	var lastErr error
	for i, strategy := range strategies {
		db, err := sql.Open("postgres", strategy)
		if err != nil {
			log.WithError(err).Warnf("❌ Strategy %d failed to open", i+1)
			lastErr = err
			continue
		}

		// 设置连接池参数，适合无服务器环境
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warnf("❌ Strategy %d failed to ping", i+1)
			db.Close()
			lastErr = err
			continue
		}

		log.Infof("✅ PostgreSQL connection established with strategy %d", i+1)
		return &PostgresStore{db: db}, nil
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL with all strategies: %w", lastErr)
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" || !strings.Contains(dsn, "://") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + params
}

const planColumns = `id, name, price_cents, currency, billing_interval, tokens_per_cycle, messages_per_cycle,
	trial_days, external_product_id, external_price_id, is_active, created_at, updated_at`

const subscriptionColumns = `id, user_id, plan_id, status, external_customer_id, external_subscription_id,
	external_checkout_session_id, current_period_start, current_period_end, auto_renew,
	tokens_remaining, messages_remaining, canceled_at, created_at, updated_at`

// allowanceStatuses is the SQL list form of models.SubscriptionStatus.GrantsAllowance.
const allowanceStatuses = `('active','trial','cancel_pending')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	var productID, priceID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.BillingInterval, &p.TokensPerCycle,
		&p.MessagesPerCycle, &p.TrialDays, &productID, &priceID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ExternalProductID = nullString(productID)
	p.ExternalPriceID = nullString(priceID)
	return &p, nil
}

func scanSubscription(row rowScanner, extra ...interface{}) (*models.Subscription, error) {
	var s models.Subscription
	var status string
	var customerID, subscriptionID, sessionID sql.NullString
	var periodStart, periodEnd, canceledAt sql.NullTime
	dest := []interface{}{&s.ID, &s.UserID, &s.PlanID, &status, &customerID, &subscriptionID,
		&sessionID, &periodStart, &periodEnd, &s.AutoRenew, &s.TokensRemaining, &s.MessagesRemaining,
		&canceledAt, &s.CreatedAt, &s.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s.Status = models.SubscriptionStatus(status)
	s.ExternalCustomerID = nullString(customerID)
	s.ExternalSubscriptionID = nullString(subscriptionID)
	s.ExternalCheckoutSessionID = nullString(sessionID)
	s.CurrentPeriodStart = nullTime(periodStart)
	s.CurrentPeriodEnd = nullTime(periodEnd)
	s.CanceledAt = nullTime(canceledAt)
	return &s, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// translateError 把驱动错误映射为存储层哨兵错误
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

// ================= 计划 =================

// GetPlan 获取计划
func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, planID)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", planID, translateError(err))
	}
	return plan, nil
}

// ListPlans 列出所有启用的计划
func (s *PostgresStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE is_active = TRUE ORDER BY price_cents ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// SetPlanExternalIDs 写入外部产品/价格ID
func (s *PostgresStore) SetPlanExternalIDs(ctx context.Context, planID, productID, priceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans
		SET external_product_id = $2, external_price_id = $3, updated_at = NOW()
		WHERE id = $1`, planID, productID, priceID)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", planID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	return nil
}

// ================= 订阅记录 =================

// CreatePendingSubscription 条件插入待支付记录，已有有效订阅时返回 ErrConflict
func (s *PostgresStore) CreatePendingSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	query := `
		INSERT INTO subscriptions (id, user_id, plan_id, status, external_customer_id,
			external_checkout_session_id, auto_renew, created_at, updated_at)
		SELECT $1, $2, $3, 'pending', $4, $5, TRUE, NOW(), NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE user_id = $2 AND plan_id = $3 AND status IN ('active','trial')
		)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, sub.ID, sub.UserID, sub.PlanID,
		sub.ExternalCustomerID, sub.ExternalCheckoutSessionID).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s already holds plan %s: %w", sub.UserID, sub.PlanID, ErrConflict)
		}
		return fmt.Errorf("failed to create pending subscription: %w", translateError(err))
	}
	sub.Status = models.StatusPending
	sub.AutoRenew = true
	return nil
}

// HasActiveSubscription 用户是否已持有该计划的有效订阅
func (s *PostgresStore) HasActiveSubscription(ctx context.Context, userID, planID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE user_id = $1 AND plan_id = $2 AND status IN ('active','trial')
		)`, userID, planID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active subscription: %w", err)
	}
	return exists, nil
}

// FindCustomerID 从历史记录中查找外部客户ID
func (s *PostgresStore) FindCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT external_customer_id FROM subscriptions
		WHERE user_id = $1 AND external_customer_id IS NOT NULL AND external_customer_id <> ''
		ORDER BY created_at DESC
		LIMIT 1`, userID).Scan(&customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up customer id: %w", err)
	}
	return customerID, nil
}

// GetSubscriptionByExternalID 按外部订阅ID获取记录
func (s *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`, externalSubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", externalSubscriptionID, translateError(err))
	}
	return sub, nil
}

// GetCurrentSubscription 获取用户当前生效的订阅（含计划）
func (s *PostgresStore) GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `
		SELECT s.id, s.user_id, s.plan_id, s.status, s.external_customer_id, s.external_subscription_id,
			s.external_checkout_session_id, s.current_period_start, s.current_period_end, s.auto_renew,
			s.tokens_remaining, s.messages_remaining, s.canceled_at, s.created_at, s.updated_at,
			p.id, p.name, p.price_cents, p.currency, p.billing_interval, p.tokens_per_cycle, p.messages_per_cycle,
			p.trial_days, p.external_product_id, p.external_price_id, p.is_active, p.created_at, p.updated_at
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = $1
		ORDER BY
			CASE WHEN s.status IN ` + allowanceStatuses + ` THEN 0 WHEN s.status = 'past_due' THEN 1 ELSE 2 END,
			s.created_at DESC,
			s.current_period_start DESC NULLS LAST
		LIMIT 1`

	var p models.Plan
	var productID, priceID sql.NullString
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID),
		&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.BillingInterval, &p.TokensPerCycle, &p.MessagesPerCycle,
		&p.TrialDays, &productID, &priceID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", translateError(err))
	}
	p.ExternalProductID = nullString(productID)
	p.ExternalPriceID = nullString(priceID)
	sub.Plan = &p
	return sub, nil
}

// ActivateCheckout 结账完成：在一个事务中停用其他有效记录并激活（或补建）当前记录
func (s *PostgresStore) ActivateCheckout(ctx context.Context, act models.CheckoutActivation) (*models.Subscription, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id, userID string
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, status FROM subscriptions
		WHERE external_checkout_session_id = $1
		FOR UPDATE`, act.CheckoutSessionID).Scan(&id, &userID, &status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if act.UserID == "" || act.PlanID == "" {
			return nil, false, fmt.Errorf("checkout session %s: %w", act.CheckoutSessionID, ErrNotFound)
		}
		id = uuid.New().String()
		userID = act.UserID
	case err != nil:
		return nil, false, fmt.Errorf("failed to load checkout record: %w", err)
	default:
		current := models.SubscriptionStatus(status)
		if current != models.StatusPending && !current.IsActive() {
			sub, err := scanSubscription(tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
			if err != nil {
				return nil, false, fmt.Errorf("failed to reload checkout record: %w", err)
			}
			return sub, false, tx.Commit()
		}
	}

	// 激活前先把该用户的其他有效记录移出有效集合
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', auto_renew = FALSE, canceled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND status IN `+allowanceStatuses, userID, id); err != nil {
		return nil, false, fmt.Errorf("failed to deactivate previous subscriptions: %w", translateError(err))
	}

	var row *sql.Row
	if status == "" {
		row = tx.QueryRowContext(ctx, `
			INSERT INTO subscriptions (id, user_id, plan_id, status, external_customer_id, external_subscription_id,
				external_checkout_session_id, auto_renew, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, TRUE, NOW(), NOW())
			RETURNING `+subscriptionColumns,
			id, act.UserID, act.PlanID, string(act.Status), act.ExternalCustomerID, act.ExternalSubscriptionID, act.CheckoutSessionID)
	} else {
		row = tx.QueryRowContext(ctx, `
			UPDATE subscriptions
			SET status = $2,
				external_subscription_id = COALESCE(NULLIF($3, ''), external_subscription_id),
				external_customer_id = COALESCE(NULLIF($4, ''), external_customer_id),
				auto_renew = TRUE,
				canceled_at = NULL,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+subscriptionColumns,
			id, string(act.Status), act.ExternalSubscriptionID, act.ExternalCustomerID)
	}

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to activate subscription: %w", translateError(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit activation: %w", err)
	}
	return sub, true, nil
}

// ApplySubscriptionUpdate 按外部订阅ID写入绝对值，可重放
func (s *PostgresStore) ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	var status sql.NullString
	if upd.Status != nil {
		status = sql.NullString{String: string(*upd.Status), Valid: true}
	}
	query := `
		UPDATE subscriptions
		SET status = CASE WHEN $2::text IS NULL OR status = ANY($3::text[]) THEN status ELSE $2::text END,
			external_customer_id = COALESCE($4, external_customer_id),
			current_period_start = COALESCE($5, current_period_start),
			current_period_end = COALESCE($6, current_period_end),
			auto_renew = COALESCE($7, auto_renew),
			canceled_at = COALESCE($8, canceled_at),
			updated_at = NOW()
		WHERE external_subscription_id = $1
		RETURNING ` + subscriptionColumns

	row := s.db.QueryRowContext(ctx, query, upd.ExternalSubscriptionID, status,
		pq.Array(statusStrings(upd.PreserveStatuses)), upd.ExternalCustomerID, upd.CurrentPeriodStart,
		upd.CurrentPeriodEnd, upd.AutoRenew, upd.CanceledAt)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to apply update to %s: %w", upd.ExternalSubscriptionID, translateError(err))
	}
	return sub, nil
}

// SetOwnedSubscriptionStatus 仅当记录属于该用户时更新状态
func (s *PostgresStore) SetOwnedSubscriptionStatus(ctx context.Context, userID, externalSubscriptionID string, status models.SubscriptionStatus, autoRenew bool) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = CASE
				WHEN $3 = 'cancel_pending' AND status NOT IN ('active','trial') THEN status
				ELSE $3
			END,
			auto_renew = $4,
			canceled_at = CASE WHEN $3 = 'canceled' THEN COALESCE(canceled_at, NOW()) ELSE canceled_at END,
			updated_at = NOW()
		WHERE user_id = $1 AND external_subscription_id = $2
		RETURNING `+subscriptionColumns, userID, externalSubscriptionID, string(status), autoRenew)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", externalSubscriptionID, translateError(err))
	}
	return sub, nil
}

// ================= 额度账本 =================

// snapshotCTE refreshes the denormalized counters on the user's live records from a
// preceding CTE named "changed" with (resource, remaining) columns.
const snapshotCTE = `
	snapshot AS (
		UPDATE subscriptions s
		SET tokens_remaining = COALESCE((SELECT remaining FROM changed WHERE resource = 'tokens'), s.tokens_remaining),
			messages_remaining = COALESCE((SELECT remaining FROM changed WHERE resource = 'messages'), s.messages_remaining),
			updated_at = NOW()
		WHERE s.user_id = $1 AND s.status IN ` + allowanceStatuses + ` AND EXISTS (SELECT 1 FROM changed)
	)`

// GetQuotaEntries 获取用户账本
func (s *PostgresStore) GetQuotaEntries(ctx context.Context, userID string) ([]models.QuotaEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, resource, used_count, limit_count, next_reset_at, updated_at
		FROM quota_ledger
		WHERE user_id = $1
		ORDER BY resource`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.QuotaEntry
	for rows.Next() {
		var e models.QuotaEntry
		var resource string
		if err := rows.Scan(&e.UserID, &resource, &e.Used, &e.Limit, &e.NextReset, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quota entry: %w", err)
		}
		e.Resource = models.Resource(resource)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResetQuota 以绝对值重置账本（used=0, limit=计划额度）
func (s *PostgresStore) ResetQuota(ctx context.Context, userID string, limits models.QuotaLimits, nextReset time.Time) error {
	query := `
		WITH changed AS (
			INSERT INTO quota_ledger (user_id, resource, used_count, limit_count, next_reset_at, updated_at)
			VALUES ($1, 'tokens', 0, $2, $4, NOW()), ($1, 'messages', 0, $3, $4, NOW())
			ON CONFLICT (user_id, resource) DO UPDATE
			SET used_count = 0, limit_count = EXCLUDED.limit_count, next_reset_at = EXCLUDED.next_reset_at, updated_at = NOW()
			RETURNING resource, limit_count AS remaining
		),` + snapshotCTE + `
		SELECT COUNT(*) FROM changed`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, limits.Tokens, limits.Messages, nextReset).Scan(&n); err != nil {
		return fmt.Errorf("failed to reset quota for %s: %w", userID, err)
	}
	return nil
}

// RolloverQuota 条件滚动过期周期；只有一个并发调用者会成功
func (s *PostgresStore) RolloverQuota(ctx context.Context, userID string, resource models.Resource, limit int64, now, nextReset time.Time) (bool, error) {
	query := `
		WITH changed AS (
			UPDATE quota_ledger
			SET used_count = 0, limit_count = $3, next_reset_at = $5, updated_at = NOW()
			WHERE user_id = $1 AND resource = $2 AND next_reset_at <= $4
			RETURNING resource, limit_count AS remaining
		),` + snapshotCTE + `
		SELECT COUNT(*) FROM changed`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, string(resource), limit, now, nextReset).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to roll over %s quota: %w", resource, err)
	}
	return n > 0, nil
}

// ConsumeQuota 原子扣减：used + amount <= limit 且周期未过期时才成功
func (s *PostgresStore) ConsumeQuota(ctx context.Context, userID string, resource models.Resource, amount int64, now time.Time) (bool, error) {
	query := `
		WITH changed AS (
			UPDATE quota_ledger
			SET used_count = used_count + $3, updated_at = NOW()
			WHERE user_id = $1 AND resource = $2 AND next_reset_at > $4 AND used_count + $3 <= limit_count
			RETURNING resource, limit_count - used_count AS remaining
		),` + snapshotCTE + `
		SELECT COUNT(*) FROM changed`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, string(resource), amount, now).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to consume %s quota: %w", resource, err)
	}
	return n > 0, nil
}

// HealthCheck 健康检查
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}
