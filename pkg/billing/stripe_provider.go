package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"parentpilot-billing/pkg/models"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProvider talks to the Stripe API through an explicit client instance.
type StripeProvider struct {
	*StripeEventParser
	api *client.API
}

// NewStripeProvider 创建 Stripe 客户端（不修改全局 stripe.Key）
func NewStripeProvider(apiKey, webhookSecret string) *StripeProvider {
	return newStripeProvider(apiKey, webhookSecret, nil)
}

// newStripeProvider uses the default backends when backends is nil.
func newStripeProvider(apiKey, webhookSecret string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{
		StripeEventParser: NewStripeEventParser(webhookSecret),
		api:               client.New(apiKey, backends),
	}
}

// FindOrCreateCustomer looks a customer up by the user id stored in metadata,
// then by email, and creates one when neither matches.
func (p *StripeProvider) FindOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	search := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID),
			Context: ctx,
		},
	}
	search.Limit = stripe.Int64(1)
	if iter := p.api.Customers.Search(search); iter.Next() {
		return iter.Customer().ID, nil
	} else if err := iter.Err(); err != nil {
		return "", providerError("search customer", err)
	}

	if email != "" {
		list := &stripe.CustomerListParams{Email: stripe.String(email)}
		list.Context = ctx
		list.Limit = stripe.Int64(1)
		iter := p.api.Customers.List(list)
		if iter.Next() {
			return iter.Customer().ID, nil
		}
		if err := iter.Err(); err != nil {
			return "", providerError("list customers", err)
		}
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserID, userID)
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", providerError("create customer", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a hosted subscription checkout for one price.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				metadataUserID: req.UserID,
				metadataPlanID: req.PlanID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataUserID, req.UserID)
	params.AddMetadata(metadataPlanID, req.PlanID)
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
		params.AddMetadata(metadataTrial, strconv.FormatBool(true))
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, providerError("create checkout session", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// ExpireCheckoutSession closes a session so it can no longer be paid.
func (p *StripeProvider) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := p.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return providerError("expire checkout session", err)
	}
	return nil
}

// CancelSubscription schedules the cancellation for period end or cancels now.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
			return providerError("schedule cancellation", err)
		}
		return nil
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return providerError("cancel subscription", err)
	}
	return nil
}

// SyncPlan creates the product and recurring price of a plan that has none yet.
// Plans with a price id are returned unchanged.
func (p *StripeProvider) SyncPlan(ctx context.Context, plan models.Plan) (productID, priceID string, err error) {
	if plan.ExternalPriceID != nil && *plan.ExternalPriceID != "" {
		return deref(plan.ExternalProductID), *plan.ExternalPriceID, nil
	}

	productID = deref(plan.ExternalProductID)
	if productID == "" {
		params := &stripe.ProductParams{Name: stripe.String(plan.Name)}
		params.Context = ctx
		params.AddMetadata(metadataPlanID, plan.ID)
		prod, err := p.api.Products.New(params)
		if err != nil {
			return "", "", providerError("create product", err)
		}
		productID = prod.ID
	}

	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(plan.PriceCents),
		Currency:   stripe.String(plan.Currency),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(plan.BillingInterval),
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataPlanID, plan.ID)
	pr, err := p.api.Prices.New(params)
	if err != nil {
		return productID, "", providerError("create price", err)
	}
	return productID, pr.ID, nil
}

// WebhookEndpoint is a registered endpoint as reported by Stripe.
type WebhookEndpoint struct {
	ID            string
	URL           string
	Status        string
	EnabledEvents []string
}

// ListWebhookEndpoints returns the endpoints configured on the account.
func (p *StripeProvider) ListWebhookEndpoints(ctx context.Context) ([]WebhookEndpoint, error) {
	params := &stripe.WebhookEndpointListParams{}
	params.Context = ctx
	iter := p.api.WebhookEndpoints.List(params)

	var out []WebhookEndpoint
	for iter.Next() {
		ep := iter.WebhookEndpoint()
		out = append(out, WebhookEndpoint{
			ID:            ep.ID,
			URL:           ep.URL,
			Status:        ep.Status,
			EnabledEvents: ep.EnabledEvents,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, providerError("list webhook endpoints", err)
	}
	return out, nil
}

// providerError keeps the Stripe message but never the request body.
func providerError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return ErrProviderUnavailable.withMessage("stripe %s failed (%d %s)", op, se.HTTPStatusCode, se.Code).with(errors.New(se.Msg))
	}
	return ErrProviderUnavailable.withMessage("stripe %s failed", op).with(err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
