package billing

import (
	"parentpilot-billing/pkg/database"

	"github.com/sirupsen/logrus"
)

// Deps are the collaborators shared by every billing service.
type Deps struct {
	Store    database.Store
	Provider PaymentProvider
	Parser   EventParser
	Deferred DeferredStore
	Policy   UnmatchedPolicy
	URLs     CheckoutURLs
	Logger   *logrus.Logger
	Metrics  *Metrics
}

// Services 计费子系统的全部服务，由入口统一构建后注入处理器
type Services struct {
	Ledger       *QuotaLedger
	Entitlements *EntitlementService
	Checkout     *CheckoutService
	Webhooks     *WebhookProcessor
	Cancellation *CancellationService
}

// NewServices wires the services over one store.
func NewServices(d Deps) *Services {
	component := func(name string) *logrus.Entry {
		return d.Logger.WithField("component", name)
	}

	ledger := NewQuotaLedger(d.Store, component("ledger"), d.Metrics)
	return &Services{
		Ledger:       ledger,
		Entitlements: NewEntitlementService(d.Store, ledger, component("entitlement")),
		Checkout:     NewCheckoutService(d.Store, d.Provider, d.URLs, component("checkout"), d.Metrics),
		Webhooks:     NewWebhookProcessor(d.Store, d.Parser, ledger, d.Deferred, d.Policy, component("webhook"), d.Metrics),
		Cancellation: NewCancellationService(d.Store, d.Provider, component("cancel"), d.Metrics),
	}
}
