package models

import "time"

// Resource 计量资源类型
type Resource string

const (
	ResourceTokens   Resource = "tokens"
	ResourceMessages Resource = "messages"
)

// Resources lists every metered resource in ledger order.
var Resources = []Resource{ResourceTokens, ResourceMessages}

// IsValid 检查资源类型
func (r Resource) IsValid() bool {
	return r == ResourceTokens || r == ResourceMessages
}

// QuotaEntry 用户某项资源的额度账本
type QuotaEntry struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Resource  Resource  `json:"resource" db:"resource"`
	Used      int64     `json:"used" db:"used_count"`
	Limit     int64     `json:"limit" db:"limit_count"`
	NextReset time.Time `json:"next_reset_at" db:"next_reset_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining 剩余额度（不小于0）
func (q QuotaEntry) Remaining() int64 {
	if q.Limit <= q.Used {
		return 0
	}
	return q.Limit - q.Used
}

// Due reports whether the cycle has expired at now.
func (q QuotaEntry) Due(now time.Time) bool {
	return !now.Before(q.NextReset)
}

// QuotaLimits 重置账本时写入的绝对额度
type QuotaLimits struct {
	Tokens   int64
	Messages int64
}

// For returns the limit of a resource.
func (l QuotaLimits) For(resource Resource) int64 {
	if resource == ResourceMessages {
		return l.Messages
	}
	return l.Tokens
}

// LimitsOf 从计划中读取额度
func LimitsOf(plan *Plan) QuotaLimits {
	if plan == nil {
		return QuotaLimits{}
	}
	return QuotaLimits{Tokens: plan.TokensPerCycle, Messages: plan.MessagesPerCycle}
}

// Entitlement 用户当前可用额度视图
type Entitlement struct {
	TokensRemaining   int64  `json:"tokensRemaining"`
	MessagesRemaining int64  `json:"messagesRemaining"`
	Plan              *Plan  `json:"plan"`
	Status            string `json:"status"`
}
