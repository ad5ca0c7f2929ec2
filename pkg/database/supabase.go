package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/google/uuid"
)

// SupabaseStore 通过 Supabase REST API（PostgREST）访问同一套表结构
// 需要多条语句原子完成的操作走迁移中定义的 RPC 函数
type SupabaseStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSupabaseStore 创建Supabase存储实例
func NewSupabaseStore(baseURL, key string) *SupabaseStore {
	// 确保URL格式正确
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}

	return &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// supabaseError 非2xx响应
type supabaseError struct {
	StatusCode int
	Body       string
}

func (e *supabaseError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps PostgREST statuses onto the store sentinels.
func (e *supabaseError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// makeRequest 发送HTTP请求到Supabase（支持自定义头）
func (db *SupabaseStore) makeRequest(ctx context.Context, method, endpoint string, body interface{}, customHeaders map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+"/rest/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 设置默认请求头
	req.Header.Set("apikey", db.apiKey)
	req.Header.Set("Authorization", "Bearer "+db.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	for key, value := range customHeaders {
		req.Header.Set(key, value)
	}

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &supabaseError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

func inList(values []string) string {
	return "in.(" + strings.Join(values, ",") + ")"
}

var allowanceList = inList([]string{string(models.StatusActive), string(models.StatusTrial), string(models.StatusCancelPending)})

var activeList = inList([]string{string(models.StatusActive), string(models.StatusTrial)})

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if len(bytes.TrimSpace(data)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return rows, nil
}

// ================= 计划 =================

// GetPlan 获取计划
func (db *SupabaseStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, "/plans?select=*&id="+eq(planID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", planID, err)
	}
	plans, err := decodeRows[models.Plan](data)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	return &plans[0], nil
}

// ListPlans 列出启用的计划
func (db *SupabaseStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, "/plans?select=*&is_active=eq.true&order=price_cents.asc,id.asc", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return decodeRows[models.Plan](data)
}

// SetPlanExternalIDs 写入外部产品/价格ID
func (db *SupabaseStore) SetPlanExternalIDs(ctx context.Context, planID, productID, priceID string) error {
	payload := map[string]interface{}{
		"external_product_id": productID,
		"external_price_id":   priceID,
		"updated_at":          time.Now().UTC(),
	}
	data, err := db.makeRequest(ctx, http.MethodPatch, "/plans?id="+eq(planID), payload, nil)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", planID, err)
	}
	rows, err := decodeRows[models.Plan](data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	return nil
}

// ================= 订阅记录 =================

// CreatePendingSubscription 通过 RPC 条件插入待支付记录
func (db *SupabaseStore) CreatePendingSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	payload := map[string]interface{}{
		"p_id":          sub.ID,
		"p_user_id":     sub.UserID,
		"p_plan_id":     sub.PlanID,
		"p_customer_id": sub.ExternalCustomerID,
		"p_session_id":  sub.ExternalCheckoutSessionID,
	}
	data, err := db.makeRequest(ctx, http.MethodPost, "/rpc/create_pending_subscription", payload, nil)
	if err != nil {
		return fmt.Errorf("failed to create pending subscription: %w", err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("user %s already holds plan %s: %w", sub.UserID, sub.PlanID, ErrConflict)
	}
	*sub = rows[0]
	return nil
}

// HasActiveSubscription 用户是否已持有该计划的有效订阅
func (db *SupabaseStore) HasActiveSubscription(ctx context.Context, userID, planID string) (bool, error) {
	endpoint := "/subscriptions?select=id&limit=1&user_id=" + eq(userID) + "&plan_id=" + eq(planID) + "&status=" + activeList
	data, err := db.makeRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check active subscription: %w", err)
	}
	rows, err := decodeRows[map[string]interface{}](data)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// FindCustomerID 从历史记录中查找外部客户ID
func (db *SupabaseStore) FindCustomerID(ctx context.Context, userID string) (string, error) {
	endpoint := "/subscriptions?select=external_customer_id&external_customer_id=not.is.null&order=created_at.desc&limit=1&user_id=" + eq(userID)
	data, err := db.makeRequest(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to look up customer id: %w", err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].ExternalCustomerID == nil {
		return "", nil
	}
	return *rows[0].ExternalCustomerID, nil
}

// GetSubscriptionByExternalID 按外部订阅ID获取记录
func (db *SupabaseStore) GetSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, "/subscriptions?select=*&external_subscription_id="+eq(externalSubscriptionID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", externalSubscriptionID, err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", externalSubscriptionID, ErrNotFound)
	}
	return &rows[0], nil
}

// GetCurrentSubscription 获取用户当前生效的订阅（含计划）
func (db *SupabaseStore) GetCurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, "/subscriptions?select=*,plan:plans(*)&order=created_at.desc&user_id="+eq(userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return nil, err
	}
	current := pickCurrent(rows)
	if current == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return current, nil
}

// activationResult is the activate_checkout reply; found=false means no record and no metadata.
type activationResult struct {
	Found        *bool               `json:"found"`
	Subscription models.Subscription `json:"subscription"`
	Activated    bool                `json:"activated"`
}

// ActivateCheckout 通过 RPC 在一个事务中完成激活
func (db *SupabaseStore) ActivateCheckout(ctx context.Context, act models.CheckoutActivation) (*models.Subscription, bool, error) {
	payload := map[string]interface{}{
		"p_new_id":          uuid.New().String(),
		"p_session_id":      act.CheckoutSessionID,
		"p_subscription_id": act.ExternalSubscriptionID,
		"p_customer_id":     act.ExternalCustomerID,
		"p_user_id":         act.UserID,
		"p_plan_id":         act.PlanID,
		"p_status":          string(act.Status),
	}
	data, err := db.makeRequest(ctx, http.MethodPost, "/rpc/activate_checkout", payload, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to activate checkout %s: %w", act.CheckoutSessionID, err)
	}
	var result activationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode activation: %w", err)
	}
	if result.Found != nil && !*result.Found {
		return nil, false, fmt.Errorf("checkout session %s: %w", act.CheckoutSessionID, ErrNotFound)
	}
	return &result.Subscription, result.Activated, nil
}

// ApplySubscriptionUpdate 按外部订阅ID写入绝对值
func (db *SupabaseStore) ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	base := "/subscriptions?external_subscription_id=" + eq(upd.ExternalSubscriptionID)
	patch := map[string]interface{}{"updated_at": time.Now().UTC()}
	if upd.ExternalCustomerID != nil {
		patch["external_customer_id"] = *upd.ExternalCustomerID
	}
	if upd.CurrentPeriodStart != nil {
		patch["current_period_start"] = upd.CurrentPeriodStart.UTC()
	}
	if upd.CurrentPeriodEnd != nil {
		patch["current_period_end"] = upd.CurrentPeriodEnd.UTC()
	}
	if upd.AutoRenew != nil {
		patch["auto_renew"] = *upd.AutoRenew
	}
	if upd.CanceledAt != nil {
		patch["canceled_at"] = upd.CanceledAt.UTC()
	}

	if upd.Status != nil {
		// 先尝试带状态的写入；受保护状态被过滤后再写其余字段
		withStatus := make(map[string]interface{}, len(patch)+1)
		for k, v := range patch {
			withStatus[k] = v
		}
		withStatus["status"] = string(*upd.Status)
		endpoint := base
		if len(upd.PreserveStatuses) > 0 {
			endpoint += "&status=not." + inList(statusStrings(upd.PreserveStatuses))
		}
		data, err := db.makeRequest(ctx, http.MethodPatch, endpoint, withStatus, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to apply update to %s: %w", upd.ExternalSubscriptionID, err)
		}
		rows, err := decodeRows[models.Subscription](data)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
	}

	data, err := db.makeRequest(ctx, http.MethodPatch, base, patch, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to apply update to %s: %w", upd.ExternalSubscriptionID, err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", upd.ExternalSubscriptionID, ErrNotFound)
	}
	return &rows[0], nil
}

// SetOwnedSubscriptionStatus 仅当记录属于该用户时更新状态
func (db *SupabaseStore) SetOwnedSubscriptionStatus(ctx context.Context, userID, externalSubscriptionID string, status models.SubscriptionStatus, autoRenew bool) (*models.Subscription, error) {
	patch := map[string]interface{}{
		"status":     string(status),
		"auto_renew": autoRenew,
		"updated_at": time.Now().UTC(),
	}
	if status == models.StatusCanceled {
		patch["canceled_at"] = time.Now().UTC()
	}
	endpoint := "/subscriptions?user_id=" + eq(userID) + "&external_subscription_id=" + eq(externalSubscriptionID)

	filter := endpoint
	if status == models.StatusCancelPending {
		filter += "&status=" + activeList
	}
	data, err := db.makeRequest(ctx, http.MethodPatch, filter, patch, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", externalSubscriptionID, err)
	}
	rows, err := decodeRows[models.Subscription](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && status == models.StatusCancelPending {
		// 非有效记录保留原状态，只关闭自动续费
		delete(patch, "status")
		if data, err = db.makeRequest(ctx, http.MethodPatch, endpoint, patch, nil); err != nil {
			return nil, fmt.Errorf("failed to update subscription %s: %w", externalSubscriptionID, err)
		}
		if rows, err = decodeRows[models.Subscription](data); err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", externalSubscriptionID, ErrNotFound)
	}
	return &rows[0], nil
}

// ================= 额度账本 =================

type ledgerRow struct {
	UserID      string    `json:"user_id"`
	Resource    string    `json:"resource"`
	UsedCount   int64     `json:"used_count"`
	LimitCount  int64     `json:"limit_count"`
	NextResetAt time.Time `json:"next_reset_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r ledgerRow) entry() models.QuotaEntry {
	return models.QuotaEntry{
		UserID:    r.UserID,
		Resource:  models.Resource(r.Resource),
		Used:      r.UsedCount,
		Limit:     r.LimitCount,
		NextReset: r.NextResetAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// GetQuotaEntries 获取用户账本
func (db *SupabaseStore) GetQuotaEntries(ctx context.Context, userID string) ([]models.QuotaEntry, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, "/quota_ledger?select=*&order=resource.asc&user_id="+eq(userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota ledger: %w", err)
	}
	rows, err := decodeRows[ledgerRow](data)
	if err != nil {
		return nil, err
	}
	entries := make([]models.QuotaEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

// ResetQuota 以绝对值重置账本
func (db *SupabaseStore) ResetQuota(ctx context.Context, userID string, limits models.QuotaLimits, nextReset time.Time) error {
	now := time.Now().UTC()
	rows := make([]ledgerRow, 0, len(models.Resources))
	for _, resource := range models.Resources {
		rows = append(rows, ledgerRow{
			UserID:      userID,
			Resource:    string(resource),
			LimitCount:  limits.For(resource),
			NextResetAt: nextReset.UTC(),
			UpdatedAt:   now,
		})
	}
	headers := map[string]string{"Prefer": "return=representation,resolution=merge-duplicates"}
	if _, err := db.makeRequest(ctx, http.MethodPost, "/quota_ledger?on_conflict=user_id,resource", rows, headers); err != nil {
		return fmt.Errorf("failed to reset quota for %s: %w", userID, err)
	}
	return db.refreshSnapshot(ctx, userID, map[string]interface{}{
		"tokens_remaining":   limits.Tokens,
		"messages_remaining": limits.Messages,
	})
}

// RolloverQuota 条件滚动过期周期
func (db *SupabaseStore) RolloverQuota(ctx context.Context, userID string, resource models.Resource, limit int64, now, nextReset time.Time) (bool, error) {
	endpoint := "/quota_ledger?user_id=" + eq(userID) + "&resource=" + eq(string(resource)) +
		"&next_reset_at=lte." + url.QueryEscape(now.UTC().Format(time.RFC3339Nano))
	patch := map[string]interface{}{
		"used_count":    0,
		"limit_count":   limit,
		"next_reset_at": nextReset.UTC(),
		"updated_at":    time.Now().UTC(),
	}
	data, err := db.makeRequest(ctx, http.MethodPatch, endpoint, patch, nil)
	if err != nil {
		return false, fmt.Errorf("failed to roll over %s quota: %w", resource, err)
	}
	rows, err := decodeRows[ledgerRow](data)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return true, db.refreshSnapshot(ctx, userID, map[string]interface{}{string(resource) + "_remaining": limit})
}

// ConsumeQuota 原子扣减走 consume_quota RPC；返回 null 表示额度不足
func (db *SupabaseStore) ConsumeQuota(ctx context.Context, userID string, resource models.Resource, amount int64, now time.Time) (bool, error) {
	payload := map[string]interface{}{
		"p_user_id":  userID,
		"p_resource": string(resource),
		"p_amount":   amount,
		"p_now":      now.UTC(),
	}
	data, err := db.makeRequest(ctx, http.MethodPost, "/rpc/consume_quota", payload, nil)
	if err != nil {
		return false, fmt.Errorf("failed to consume %s quota: %w", resource, err)
	}
	body := strings.TrimSpace(string(data))
	if body == "" || body == "null" {
		return false, nil
	}
	if _, err := strconv.ParseInt(body, 10, 64); err != nil {
		return false, fmt.Errorf("unexpected consume_quota response %q: %w", body, err)
	}
	return true, nil
}

// refreshSnapshot 更新订阅记录上的冗余额度
func (db *SupabaseStore) refreshSnapshot(ctx context.Context, userID string, patch map[string]interface{}) error {
	patch["updated_at"] = time.Now().UTC()
	endpoint := "/subscriptions?user_id=" + eq(userID) + "&status=" + allowanceList
	headers := map[string]string{"Prefer": "return=minimal"}
	if _, err := db.makeRequest(ctx, http.MethodPatch, endpoint, patch, headers); err != nil {
		return fmt.Errorf("failed to refresh quota snapshot: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (db *SupabaseStore) HealthCheck(ctx context.Context) error {
	_, err := db.makeRequest(ctx, http.MethodGet, "/plans?select=id&limit=1", nil, nil)
	return err
}

// Close 关闭连接
func (db *SupabaseStore) Close() error {
	db.httpClient.CloseIdleConnections()
	return nil
}
