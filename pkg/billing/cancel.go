package billing

import (
	"context"
	"errors"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/sirupsen/logrus"
)

// CancelResult 取消订阅结果
type CancelResult struct {
	Message string                    `json:"message"`
	Status  models.SubscriptionStatus `json:"status"`
}

// CancellationService cancels a caller's own subscription at the provider and locally.
type CancellationService struct {
	store    database.Store
	provider PaymentProvider
	log      *logrus.Entry
	metrics  *Metrics
}

// NewCancellationService 创建取消订阅服务
func NewCancellationService(store database.Store, provider PaymentProvider, log *logrus.Entry, metrics *Metrics) *CancellationService {
	return &CancellationService{store: store, provider: provider, log: log, metrics: metrics}
}

// Cancel ends the subscription identified by its provider id.
// With atPeriodEnd the record keeps its allowance as cancel_pending until the
// provider reports the deletion; otherwise it is canceled at once.
func (s *CancellationService) Cancel(ctx context.Context, user *models.User, externalSubscriptionID string, atPeriodEnd bool) (*CancelResult, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUnauthorized.withMessage("authentication required")
	}
	if externalSubscriptionID == "" {
		return nil, invalidRequest("subscriptionId is required")
	}
	log := s.log.WithFields(logrus.Fields{
		"user_id":         user.ID,
		"subscription_id": externalSubscriptionID,
		"at_period_end":   atPeriodEnd,
	})

	sub, err := s.store.GetSubscriptionByExternalID(ctx, externalSubscriptionID)
	if errors.Is(err, database.ErrNotFound) {
		s.metrics.cancellation(atPeriodEnd, "not_found")
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, persistenceError("load subscription", err)
	}
	if sub.UserID != user.ID {
		s.metrics.cancellation(atPeriodEnd, "unauthorized")
		log.Warn("🚫 Cancellation attempted on another user's subscription")
		return nil, ErrUnauthorized
	}

	if sub.Status == models.StatusCanceled {
		s.metrics.cancellation(atPeriodEnd, "already_canceled")
		return &CancelResult{Message: "Subscription is already canceled", Status: models.StatusCanceled}, nil
	}

	if err := s.provider.CancelSubscription(ctx, externalSubscriptionID, atPeriodEnd); err != nil {
		s.metrics.cancellation(atPeriodEnd, "provider_error")
		log.WithError(err).Error("❌ Provider cancellation failed")
		return nil, err
	}

	target := models.StatusCanceled
	message := "Subscription canceled"
	if atPeriodEnd {
		target = models.StatusCancelPending
		message = "Subscription will be canceled at the end of the current period"
	}

	updated, err := s.store.SetOwnedSubscriptionStatus(ctx, user.ID, externalSubscriptionID, target, false)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		s.metrics.cancellation(atPeriodEnd, "persistence_error")
		log.WithError(err).Error("❌ Failed to record cancellation locally")
		return nil, persistenceError("record cancellation", err)
	}

	s.metrics.cancellation(atPeriodEnd, "ok")
	log.WithField("status", updated.Status).Info("✅ Subscription cancellation recorded")
	return &CancelResult{Message: message, Status: updated.Status}, nil
}
