package billing

import (
	"context"
	"errors"
	"time"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/sirupsen/logrus"
)

// QuotaLedger 额度账本：原子扣减与周期重置
// Every mutation is a single conditional write in the store, so concurrent
// consumers never overdraw and reset races collapse into one rollover.
type QuotaLedger struct {
	store   database.Store
	log     *logrus.Entry
	metrics *Metrics
	now     func() time.Time
}

// NewQuotaLedger creates a ledger over store. metrics may be nil.
func NewQuotaLedger(store database.Store, log *logrus.Entry, metrics *Metrics) *QuotaLedger {
	return &QuotaLedger{
		store:   store,
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; tests use it to cross cycle boundaries.
func (l *QuotaLedger) WithClock(now func() time.Time) *QuotaLedger {
	l.now = now
	return l
}

// Consume draws amount from the user's allowance of resource.
// It returns false without side effects when the remaining allowance is short.
func (l *QuotaLedger) Consume(ctx context.Context, userID string, resource models.Resource, amount int64) (bool, error) {
	if userID == "" {
		return false, ErrUserUnauthenticated
	}
	if !resource.IsValid() {
		return false, invalidRequest("unknown resource %q", resource)
	}
	if amount <= 0 {
		return false, invalidRequest("amount must be positive, got %d", amount)
	}

	if err := l.ResetIfDue(ctx, userID); err != nil {
		return false, err
	}

	ok, err := l.store.ConsumeQuota(ctx, userID, resource, amount, l.now())
	if err != nil {
		return false, persistenceError("consume quota", err)
	}
	l.metrics.consume(string(resource), ok)
	if !ok {
		l.log.WithFields(logrus.Fields{
			"user_id":  userID,
			"resource": resource,
			"amount":   amount,
		}).Debug("🚫 Quota exhausted")
	}
	return ok, nil
}

// ResetIfDue rolls every expired cycle of the user forward.
// The new limit comes from the plan of the current entitled record, or 0 when
// the user no longer holds one.
func (l *QuotaLedger) ResetIfDue(ctx context.Context, userID string) error {
	entries, err := l.store.GetQuotaEntries(ctx, userID)
	if err != nil {
		return persistenceError("read quota ledger", err)
	}

	now := l.now()
	var plan *models.Plan
	planLoaded := false
	for _, entry := range entries {
		if !entry.Due(now) {
			continue
		}
		if !planLoaded {
			if plan, err = l.entitledPlan(ctx, userID); err != nil {
				return err
			}
			planLoaded = true
		}

		rolled, err := l.store.RolloverQuota(ctx, userID, entry.Resource, plan.LimitFor(entry.Resource), now, database.NextResetAfter(now))
		if err != nil {
			return persistenceError("roll over quota", err)
		}
		if rolled {
			l.metrics.reset("rollover")
			l.log.WithFields(logrus.Fields{
				"user_id":  userID,
				"resource": entry.Resource,
			}).Info("🔄 Quota cycle rolled over")
		}
	}
	return nil
}

// ResetToPlan writes the plan's full allowance for a fresh cycle.
// It is an absolute write, so replays leave the ledger unchanged.
func (l *QuotaLedger) ResetToPlan(ctx context.Context, userID string, plan *models.Plan, reason string) error {
	now := l.now()
	if err := l.store.ResetQuota(ctx, userID, models.LimitsOf(plan), database.NextResetAfter(now)); err != nil {
		return persistenceError("reset quota", err)
	}
	l.metrics.reset(reason)
	return nil
}

// Remaining returns the ledger's remaining allowance per resource.
// Resources without a ledger row report 0.
func (l *QuotaLedger) Remaining(ctx context.Context, userID string) (map[models.Resource]int64, error) {
	entries, err := l.store.GetQuotaEntries(ctx, userID)
	if err != nil {
		return nil, persistenceError("read quota ledger", err)
	}
	out := make(map[models.Resource]int64, len(models.Resources))
	for _, r := range models.Resources {
		out[r] = 0
	}
	for _, entry := range entries {
		out[entry.Resource] = entry.Remaining()
	}
	return out, nil
}

func (l *QuotaLedger) entitledPlan(ctx context.Context, userID string) (*models.Plan, error) {
	sub, err := l.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("load current subscription", err)
	}
	if !sub.Status.GrantsAllowance() {
		return nil, nil
	}
	return sub.Plan, nil
}
