package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/google/uuid"
)

// LocalStore 本地进程内存储（开发/测试用）
// 全部操作在一把互斥锁内完成，因此与数据库实现一样满足条件写入的原子性
// dataDir 非空时每次写入后把状态落盘为 JSON，重启后可恢复
type LocalStore struct {
	mu      sync.Mutex
	dataDir string
	state   localState
}

type localState struct {
	Plans         map[string]models.Plan                   `json:"plans"`
	Subscriptions map[string]models.Subscription           `json:"subscriptions"`
	Ledger        map[string]map[models.Resource]ledgerRow `json:"ledger"`
}

// NewLocalStore 创建本地存储，dataDir 为空时只保存在内存中
func NewLocalStore(dataDir string) (*LocalStore, error) {
	s := &LocalStore{
		dataDir: dataDir,
		state: localState{
			Plans:         map[string]models.Plan{},
			Subscriptions: map[string]models.Subscription{},
			Ledger:        map[string]map[models.Resource]ledgerRow{},
		},
	}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse local state: %w", err)
	}
	return s, nil
}

func (s *LocalStore) statePath() string {
	return filepath.Join(s.dataDir, "billing.json")
}

// persist must be called with mu held.
func (s *LocalStore) persist() error {
	if s.dataDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode local state: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write local state: %w", err)
	}
	return os.Rename(tmp, s.statePath())
}

// PutPlan 写入计划（开发种子数据与测试使用）
func (s *LocalStore) PutPlan(plan models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	s.state.Plans[plan.ID] = plan
	return s.persist()
}

// PutSubscription 直接写入订阅记录（测试使用）
func (s *LocalStore) PutSubscription(sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = sub.CreatedAt
	sub.Plan = nil
	s.state.Subscriptions[sub.ID] = sub
	return s.persist()
}

// ListSubscriptions 返回用户的全部记录（测试与调试使用）
func (s *LocalStore) ListSubscriptions(userID string) []models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSubscriptions(userID)
}

func (s *LocalStore) userSubscriptions(userID string) []models.Subscription {
	var out []models.Subscription
	for _, sub := range s.state.Subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *LocalStore) findBy(match func(models.Subscription) bool) (models.Subscription, bool) {
	for _, sub := range s.state.Subscriptions {
		if match(sub) {
			return sub, true
		}
	}
	return models.Subscription{}, false
}

func (s *LocalStore) save(sub models.Subscription) models.Subscription {
	sub.UpdatedAt = time.Now().UTC()
	s.state.Subscriptions[sub.ID] = sub
	return sub
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ================= 计划 =================

// GetPlan 获取计划
func (s *LocalStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.state.Plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	return &plan, nil
}

// ListPlans 列出启用的计划
func (s *LocalStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []models.Plan
	for _, p := range s.state.Plans {
		if p.IsActive {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// SetPlanExternalIDs 写入外部产品/价格ID
func (s *LocalStore) SetPlanExternalIDs(ctx context.Context, planID, productID, priceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.state.Plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	plan.ExternalProductID = strPtr(productID)
	plan.ExternalPriceID = strPtr(priceID)
	plan.UpdatedAt = time.Now().UTC()
	s.state.Plans[planID] = plan
	return s.persist()
}

// ================= 订阅记录 =================

// CreatePendingSubscription 条件插入待支付记录
func (s *LocalStore) CreatePendingSubscription(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findBy(func(c models.Subscription) bool {
		return c.UserID == sub.UserID && c.PlanID == sub.PlanID && c.Status.IsActive()
	}); exists {
		return fmt.Errorf("user %s already holds plan %s: %w", sub.UserID, sub.PlanID, ErrConflict)
	}
	if sub.ExternalCheckoutSessionID != nil {
		if _, exists := s.findBy(func(c models.Subscription) bool {
			return c.ExternalCheckoutSessionID != nil && *c.ExternalCheckoutSessionID == *sub.ExternalCheckoutSessionID
		}); exists {
			return fmt.Errorf("checkout session %s already recorded: %w", *sub.ExternalCheckoutSessionID, ErrConflict)
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.Status = models.StatusPending
	sub.AutoRenew = true
	sub.CreatedAt = now
	sub.UpdatedAt = now
	stored := *sub
	stored.Plan = nil
	s.state.Subscriptions[sub.ID] = stored
	return s.persist()
}

// HasActiveSubscription 用户是否已持有该计划的有效订阅
func (s *LocalStore) HasActiveSubscription(ctx context.Context, userID, planID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.findBy(func(c models.Subscription) bool {
		return c.UserID == userID && c.PlanID == planID && c.Status.IsActive()
	})
	return exists, nil
}

// FindCustomerID 从历史记录中查找外部客户ID
func (s *LocalStore) FindCustomerID(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Subscription
	for _, sub := range s.userSubscriptions(userID) {
		if sub.ExternalCustomerID == nil || *sub.ExternalCustomerID == "" {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = &sub
		}
	}
	if latest == nil {
		return "", nil
	}
	return *latest.ExternalCustomerID, nil
}

// GetSubscriptionByExternalID 按外部订阅ID获取记录
func (s *LocalStore) GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.findBy(func(c models.Subscription) bool {
		return c.ExternalSubscriptionID != nil && *c.ExternalSubscriptionID == externalSubscriptionID
	})
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", externalSubscriptionID, ErrNotFound)
	}
	return &sub, nil
}

// GetCurrentSubscription 获取用户当前生效的订阅（含计划）
func (s *LocalStore) GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := pickCurrent(s.userSubscriptions(userID))
	if current == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if plan, ok := s.state.Plans[current.PlanID]; ok {
		current.Plan = &plan
	}
	return current, nil
}

// ActivateCheckout 结账完成：停用其他有效记录并激活（或补建）当前记录
func (s *LocalStore) ActivateCheckout(ctx context.Context, act models.CheckoutActivation) (*models.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, found := s.findBy(func(c models.Subscription) bool {
		return c.ExternalCheckoutSessionID != nil && *c.ExternalCheckoutSessionID == act.CheckoutSessionID
	})
	if found && sub.Status != models.StatusPending && !sub.Status.IsActive() {
		return &sub, false, nil
	}
	if !found {
		if act.UserID == "" || act.PlanID == "" {
			return nil, false, fmt.Errorf("checkout session %s: %w", act.CheckoutSessionID, ErrNotFound)
		}
		sub = models.Subscription{
			ID:                        uuid.New().String(),
			UserID:                    act.UserID,
			PlanID:                    act.PlanID,
			ExternalCheckoutSessionID: strPtr(act.CheckoutSessionID),
			CreatedAt:                 time.Now().UTC(),
		}
	}
	if act.ExternalSubscriptionID != "" {
		if other, clash := s.findBy(func(c models.Subscription) bool {
			return c.ID != sub.ID && c.ExternalSubscriptionID != nil && *c.ExternalSubscriptionID == act.ExternalSubscriptionID
		}); clash {
			return nil, false, fmt.Errorf("external subscription %s already bound to %s: %w", act.ExternalSubscriptionID, other.ID, ErrConflict)
		}
	}

	now := time.Now().UTC()
	for id, other := range s.state.Subscriptions {
		if other.UserID == sub.UserID && other.ID != sub.ID && other.Status.GrantsAllowance() {
			other.Status = models.StatusCanceled
			other.AutoRenew = false
			other.CanceledAt = &now
			other.UpdatedAt = now
			s.state.Subscriptions[id] = other
		}
	}

	sub.Status = act.Status
	sub.AutoRenew = true
	sub.CanceledAt = nil
	if act.ExternalSubscriptionID != "" {
		sub.ExternalSubscriptionID = strPtr(act.ExternalSubscriptionID)
	}
	if act.ExternalCustomerID != "" {
		sub.ExternalCustomerID = strPtr(act.ExternalCustomerID)
	}
	sub = s.save(sub)
	return &sub, true, s.persist()
}

// ApplySubscriptionUpdate 按外部订阅ID写入绝对值
func (s *LocalStore) ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.findBy(func(c models.Subscription) bool {
		return c.ExternalSubscriptionID != nil && *c.ExternalSubscriptionID == upd.ExternalSubscriptionID
	})
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", upd.ExternalSubscriptionID, ErrNotFound)
	}
	if upd.Status != nil && !containsStatus(upd.PreserveStatuses, sub.Status) {
		sub.Status = *upd.Status
	}
	if upd.ExternalCustomerID != nil {
		sub.ExternalCustomerID = upd.ExternalCustomerID
	}
	if upd.CurrentPeriodStart != nil {
		t := *upd.CurrentPeriodStart
		sub.CurrentPeriodStart = &t
	}
	if upd.CurrentPeriodEnd != nil {
		t := *upd.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &t
	}
	if upd.AutoRenew != nil {
		sub.AutoRenew = *upd.AutoRenew
	}
	if upd.CanceledAt != nil {
		t := *upd.CanceledAt
		sub.CanceledAt = &t
	}
	sub = s.save(sub)
	return &sub, s.persist()
}

// SetOwnedSubscriptionStatus 仅当记录属于该用户时更新状态
func (s *LocalStore) SetOwnedSubscriptionStatus(ctx context.Context, userID, externalSubscriptionID string, status models.SubscriptionStatus, autoRenew bool) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.findBy(func(c models.Subscription) bool {
		return c.UserID == userID && c.ExternalSubscriptionID != nil && *c.ExternalSubscriptionID == externalSubscriptionID
	})
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", externalSubscriptionID, ErrNotFound)
	}
	// 只有仍有效的记录才能进入 cancel_pending，past_due 不能借此恢复额度
	if status != models.StatusCancelPending || sub.Status.IsActive() {
		sub.Status = status
	}
	sub.AutoRenew = autoRenew
	if status == models.StatusCanceled && sub.CanceledAt == nil {
		now := time.Now().UTC()
		sub.CanceledAt = &now
	}
	sub = s.save(sub)
	return &sub, s.persist()
}

// ================= 额度账本 =================

// refreshSnapshot must be called with mu held.
func (s *LocalStore) refreshSnapshot(userID string, resource models.Resource, remaining int64) {
	for id, sub := range s.state.Subscriptions {
		if sub.UserID != userID || !sub.Status.GrantsAllowance() {
			continue
		}
		if resource == models.ResourceTokens {
			sub.TokensRemaining = remaining
		} else {
			sub.MessagesRemaining = remaining
		}
		s.state.Subscriptions[id] = sub
	}
}

// GetQuotaEntries 获取用户账本
func (s *LocalStore) GetQuotaEntries(ctx context.Context, userID string) ([]models.QuotaEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.QuotaEntry
	for _, resource := range models.Resources {
		if row, ok := s.state.Ledger[userID][resource]; ok {
			entries = append(entries, row.entry())
		}
	}
	return entries, nil
}

// ResetQuota 以绝对值重置账本
func (s *LocalStore) ResetQuota(ctx context.Context, userID string, limits models.QuotaLimits, nextReset time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Ledger[userID] == nil {
		s.state.Ledger[userID] = map[models.Resource]ledgerRow{}
	}
	now := time.Now().UTC()
	for _, resource := range models.Resources {
		s.state.Ledger[userID][resource] = ledgerRow{
			UserID:      userID,
			Resource:    string(resource),
			LimitCount:  limits.For(resource),
			NextResetAt: nextReset.UTC(),
			UpdatedAt:   now,
		}
		s.refreshSnapshot(userID, resource, limits.For(resource))
	}
	return s.persist()
}

// RolloverQuota 条件滚动过期周期
func (s *LocalStore) RolloverQuota(ctx context.Context, userID string, resource models.Resource, limit int64, now, nextReset time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.state.Ledger[userID][resource]
	if !ok || now.Before(row.NextResetAt) {
		return false, nil
	}
	row.UsedCount = 0
	row.LimitCount = limit
	row.NextResetAt = nextReset.UTC()
	row.UpdatedAt = time.Now().UTC()
	s.state.Ledger[userID][resource] = row
	s.refreshSnapshot(userID, resource, limit)
	return true, s.persist()
}

// ConsumeQuota 原子扣减
func (s *LocalStore) ConsumeQuota(ctx context.Context, userID string, resource models.Resource, amount int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.state.Ledger[userID][resource]
	if !ok || !now.Before(row.NextResetAt) || row.UsedCount+amount > row.LimitCount {
		return false, nil
	}
	row.UsedCount += amount
	row.UpdatedAt = time.Now().UTC()
	s.state.Ledger[userID][resource] = row
	s.refreshSnapshot(userID, resource, row.LimitCount-row.UsedCount)
	return true, s.persist()
}

// HealthCheck 健康检查
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close 关闭存储
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}
