package database

import (
	"sort"

	"parentpilot-billing/pkg/models"
)

// currentRank orders records for entitlement reads: records that grant allowance
// first, then past_due, then everything else.
func currentRank(status models.SubscriptionStatus) int {
	switch {
	case status.GrantsAllowance():
		return 0
	case status == models.StatusPastDue:
		return 1
	default:
		return 2
	}
}

// pickCurrent 选出用户当前生效的订阅记录；与 PostgresStore 的 ORDER BY 保持一致
func pickCurrent(subs []models.Subscription) *models.Subscription {
	if len(subs) == 0 {
		return nil
	}
	sorted := make([]models.Subscription, len(subs))
	copy(sorted, subs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ra, rb := currentRank(a.Status), currentRank(b.Status); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		switch {
		case a.CurrentPeriodStart == nil:
			return false
		case b.CurrentPeriodStart == nil:
			return true
		default:
			return a.CurrentPeriodStart.After(*b.CurrentPeriodStart)
		}
	})
	return &sorted[0]
}

// statusStrings converts statuses for SQL array / PostgREST list filters.
func statusStrings(statuses []models.SubscriptionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func containsStatus(statuses []models.SubscriptionStatus, s models.SubscriptionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
