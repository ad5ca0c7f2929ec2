package models

import (
	"time"
)

// SubscriptionStatus 订阅生命周期状态
type SubscriptionStatus string

const (
	StatusActive        SubscriptionStatus = "active"
	StatusTrial         SubscriptionStatus = "trial"
	StatusPending       SubscriptionStatus = "pending"
	StatusCancelPending SubscriptionStatus = "cancel_pending"
	StatusCanceled      SubscriptionStatus = "canceled"
	StatusPastDue       SubscriptionStatus = "past_due"
)

// StatusNone is reported by entitlement reads when the user has no record at all.
const StatusNone = "none"

// IsValid 检查状态是否为已知值
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusTrial, StatusPending, StatusCancelPending, StatusCanceled, StatusPastDue:
		return true
	}
	return false
}

// IsActive reports whether the status counts toward the one-active-record-per-user rule.
func (s SubscriptionStatus) IsActive() bool {
	return s == StatusActive || s == StatusTrial
}

// GrantsAllowance reports whether a record in this status may draw on its quota.
// cancel_pending keeps access until the paid period ends.
func (s SubscriptionStatus) GrantsAllowance() bool {
	return s == StatusActive || s == StatusTrial || s == StatusCancelPending
}

// Plan 订阅计划（只读目录）
type Plan struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	PriceCents        int64     `json:"price_cents" db:"price_cents"`
	Currency          string    `json:"currency" db:"currency"`
	BillingInterval   string    `json:"billing_interval" db:"billing_interval"`
	TokensPerCycle    int64     `json:"tokens_per_cycle" db:"tokens_per_cycle"`
	MessagesPerCycle  int64     `json:"messages_per_cycle" db:"messages_per_cycle"`
	TrialDays         int64     `json:"trial_days" db:"trial_days"`
	ExternalProductID *string   `json:"external_product_id,omitempty" db:"external_product_id"`
	ExternalPriceID   *string   `json:"external_price_id,omitempty" db:"external_price_id"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Payable 是否已配置外部价格ID
func (p *Plan) Payable() bool {
	return p != nil && p.ExternalPriceID != nil && *p.ExternalPriceID != ""
}

// LimitFor returns the per-cycle limit of a resource.
func (p *Plan) LimitFor(resource Resource) int64 {
	if p == nil {
		return 0
	}
	switch resource {
	case ResourceTokens:
		return p.TokensPerCycle
	case ResourceMessages:
		return p.MessagesPerCycle
	}
	return 0
}

// Subscription 用户订阅记录
type Subscription struct {
	ID                        string             `json:"id" db:"id"`
	UserID                    string             `json:"user_id" db:"user_id"`
	PlanID                    string             `json:"plan_id" db:"plan_id"`
	Status                    SubscriptionStatus `json:"status" db:"status"`
	ExternalCustomerID        *string            `json:"external_customer_id,omitempty" db:"external_customer_id"`
	ExternalSubscriptionID    *string            `json:"external_subscription_id,omitempty" db:"external_subscription_id"`
	ExternalCheckoutSessionID *string            `json:"external_checkout_session_id,omitempty" db:"external_checkout_session_id"`
	CurrentPeriodStart        *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd          *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	AutoRenew                 bool               `json:"auto_renew" db:"auto_renew"`
	TokensRemaining           int64              `json:"tokens_remaining" db:"tokens_remaining"`
	MessagesRemaining         int64              `json:"messages_remaining" db:"messages_remaining"`
	CanceledAt                *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	CreatedAt                 time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at" db:"updated_at"`

	// 关联数据
	Plan *Plan `json:"plan,omitempty"`
}

// SubscriptionUpdate is an absolute-value patch keyed by the provider's subscription id.
// Nil fields keep the stored value.
type SubscriptionUpdate struct {
	ExternalSubscriptionID string               `json:"external_subscription_id"`
	ExternalCustomerID     *string              `json:"external_customer_id,omitempty"`
	Status                 *SubscriptionStatus  `json:"status,omitempty"`
	PreserveStatuses       []SubscriptionStatus `json:"preserve_statuses,omitempty"`
	CurrentPeriodStart     *time.Time           `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time           `json:"current_period_end,omitempty"`
	AutoRenew              *bool                `json:"auto_renew,omitempty"`
	CanceledAt             *time.Time           `json:"canceled_at,omitempty"`
}

// CheckoutActivation 结账完成后的激活参数
type CheckoutActivation struct {
	CheckoutSessionID      string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	// UserID/PlanID come from session metadata and allow creating the record when the
	// pending row is missing.
	UserID string
	PlanID string
	Status SubscriptionStatus
}
