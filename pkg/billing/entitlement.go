package billing

import (
	"context"
	"errors"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/sirupsen/logrus"
)

// EntitlementService answers what a user may consume right now.
type EntitlementService struct {
	store  database.Store
	ledger *QuotaLedger
	log    *logrus.Entry
}

// NewEntitlementService 创建额度查询服务
func NewEntitlementService(store database.Store, ledger *QuotaLedger, log *logrus.Entry) *EntitlementService {
	return &EntitlementService{store: store, ledger: ledger, log: log}
}

// GetEntitlement returns the remaining allowance and plan of the user's current record.
// A user without any record gets a zeroed view with status "none".
func (s *EntitlementService) GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	if userID == "" {
		return nil, ErrUserUnauthenticated
	}
	if err := s.ledger.ResetIfDue(ctx, userID); err != nil {
		return nil, err
	}

	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return &models.Entitlement{Status: models.StatusNone}, nil
	}
	if err != nil {
		return nil, persistenceError("load current subscription", err)
	}

	ent := &models.Entitlement{Plan: sub.Plan, Status: string(sub.Status)}
	if !sub.Status.GrantsAllowance() {
		return ent, nil
	}

	remaining, err := s.ledger.Remaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent.TokensRemaining = remaining[models.ResourceTokens]
	ent.MessagesRemaining = remaining[models.ResourceMessages]
	return ent, nil
}

// Allow consumes amount of resource only when the user's current record grants an allowance.
// It is the single gate feature code uses before doing metered work.
func (s *EntitlementService) Allow(ctx context.Context, userID string, resource models.Resource, amount int64) (bool, error) {
	if userID == "" {
		return false, ErrUserUnauthenticated
	}
	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistenceError("load current subscription", err)
	}
	if !sub.Status.GrantsAllowance() {
		s.log.WithFields(logrus.Fields{
			"user_id": userID,
			"status":  sub.Status,
		}).Debug("🚫 Subscription does not grant allowance")
		return false, nil
	}
	return s.ledger.Consume(ctx, userID, resource, amount)
}
