package billing

import (
	"context"
	"errors"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CheckoutResult 结账会话创建结果
type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// CheckoutURLs are the redirect targets handed to the provider.
type CheckoutURLs struct {
	Success string
	Cancel  string
}

// CheckoutService starts hosted checkouts and records them as pending subscriptions.
type CheckoutService struct {
	store    database.Store
	provider PaymentProvider
	urls     CheckoutURLs
	log      *logrus.Entry
	metrics  *Metrics

	customers singleflight.Group
}

// NewCheckoutService 创建结账服务
func NewCheckoutService(store database.Store, provider PaymentProvider, urls CheckoutURLs, log *logrus.Entry, metrics *Metrics) *CheckoutService {
	return &CheckoutService{
		store:    store,
		provider: provider,
		urls:     urls,
		log:      log,
		metrics:  metrics,
	}
}

// CreateCheckout opens a checkout session for planID on behalf of user.
func (s *CheckoutService) CreateCheckout(ctx context.Context, user *models.User, planID string) (*CheckoutResult, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUserUnauthenticated
	}
	if planID == "" {
		return nil, invalidRequest("planId is required")
	}
	log := s.log.WithFields(logrus.Fields{"user_id": user.ID, "plan_id": planID})

	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !plan.IsActive) {
		s.metrics.checkout("plan_not_found")
		return nil, ErrPlanNotFound.withMessage("plan %s not found", planID)
	}
	if err != nil {
		return nil, persistenceError("load plan", err)
	}
	if !plan.Payable() {
		s.metrics.checkout("plan_not_payable")
		return nil, ErrPlanNotPayable.withMessage("plan %s has no payment price configured", planID)
	}

	active, err := s.store.HasActiveSubscription(ctx, user.ID, plan.ID)
	if err != nil {
		return nil, persistenceError("check active subscription", err)
	}
	if active {
		s.metrics.checkout("duplicate")
		log.Info("⚠️ Checkout refused: plan already active")
		return nil, ErrDuplicateActiveSubscription
	}

	customerID, err := s.resolveCustomer(ctx, user)
	if err != nil {
		s.metrics.checkout("provider_error")
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: customerID,
		PriceID:    *plan.ExternalPriceID,
		UserID:     user.ID,
		PlanID:     plan.ID,
		TrialDays:  plan.TrialDays,
		SuccessURL: s.urls.Success,
		CancelURL:  s.urls.Cancel,
	})
	if err != nil {
		s.metrics.checkout("provider_error")
		log.WithError(err).Error("❌ Failed to create checkout session")
		return nil, err
	}

	pending := &models.Subscription{
		ID:                        uuid.New().String(),
		UserID:                    user.ID,
		PlanID:                    plan.ID,
		Status:                    models.StatusPending,
		ExternalCustomerID:        &customerID,
		ExternalCheckoutSessionID: &session.ID,
		AutoRenew:                 true,
	}
	if err := s.store.CreatePendingSubscription(ctx, pending); err != nil {
		// 会话已创建但未落库：尽力让其失效，避免产生无记录的付款
		if expireErr := s.provider.ExpireCheckoutSession(ctx, session.ID); expireErr != nil {
			log.WithError(expireErr).WithField("session_id", session.ID).Warn("⚠️ Failed to expire orphaned checkout session")
		}
		if errors.Is(err, database.ErrConflict) {
			s.metrics.checkout("duplicate")
			return nil, ErrDuplicateActiveSubscription.with(err)
		}
		s.metrics.checkout("persistence_error")
		log.WithError(err).Error("❌ Failed to record pending subscription")
		return nil, persistenceError("record pending subscription", err)
	}

	s.metrics.checkout("created")
	log.WithField("session_id", session.ID).Info("✅ Checkout session created")
	return &CheckoutResult{URL: session.URL, SessionID: session.ID}, nil
}

// resolveCustomer reuses the customer of an earlier record before asking the provider.
// Concurrent checkouts of one user share a single provider lookup.
func (s *CheckoutService) resolveCustomer(ctx context.Context, user *models.User) (string, error) {
	customerID, err := s.store.FindCustomerID(ctx, user.ID)
	if err != nil {
		return "", persistenceError("look up customer", err)
	}
	if customerID != "" {
		return customerID, nil
	}

	v, err, _ := s.customers.Do(user.ID, func() (interface{}, error) {
		return s.provider.FindOrCreateCustomer(ctx, user.ID, user.Email)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
