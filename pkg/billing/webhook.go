package billing

import (
	"context"
	"errors"
	"time"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/sirupsen/logrus"
)

// UnmatchedPolicy decides what happens to an event whose record does not exist yet.
type UnmatchedPolicy string

const (
	// UnmatchedAck buffers the event for replay and acknowledges delivery.
	UnmatchedAck UnmatchedPolicy = "ack"
	// UnmatchedReject fails the delivery so the provider retries it later.
	UnmatchedReject UnmatchedPolicy = "reject"
)

// Event outcomes reported in EventResult and the webhook metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeDeferred  = "deferred"
	OutcomeStale     = "stale"
	OutcomeUnmatched = "unmatched"
	OutcomeConflict  = "conflict"
)

// errNoRecord marks an event whose subscription record does not exist.
var errNoRecord = errors.New("no matching subscription record")

// EventResult describes what processing an event did.
type EventResult struct {
	EventID        string    `json:"eventId"`
	Type           EventType `json:"type"`
	RawType        string    `json:"rawType"`
	Outcome        string    `json:"outcome"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Replayed       int       `json:"replayed,omitempty"`
}

// WebhookProcessor applies verified provider events to subscription records and the ledger.
type WebhookProcessor struct {
	store    database.Store
	parser   EventParser
	ledger   *QuotaLedger
	deferred DeferredStore
	policy   UnmatchedPolicy
	log      *logrus.Entry
	metrics  *Metrics
	now      func() time.Time
}

// NewWebhookProcessor 创建 webhook 事件处理器；deferred 为 nil 时未匹配事件只记录日志
func NewWebhookProcessor(store database.Store, parser EventParser, ledger *QuotaLedger, deferred DeferredStore, policy UnmatchedPolicy, log *logrus.Entry, metrics *Metrics) *WebhookProcessor {
	if policy != UnmatchedReject {
		policy = UnmatchedAck
	}
	return &WebhookProcessor{
		store:    store,
		parser:   parser,
		ledger:   ledger,
		deferred: deferred,
		policy:   policy,
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent verifies payload against signature and applies the event.
// Nothing is read from the payload before the signature checks out.
func (p *WebhookProcessor) HandleEvent(ctx context.Context, payload []byte, signature string) (*EventResult, error) {
	ev, err := p.parser.ParseEvent(payload, signature)
	if err != nil {
		p.metrics.webhookEvent(EventUnknown, "rejected")
		p.log.WithError(err).Warn("🚫 Rejected webhook delivery")
		return nil, err
	}

	res, err := p.apply(ctx, ev, false)
	if err != nil {
		p.metrics.webhookEvent(ev.Type, "error")
		return nil, err
	}
	p.metrics.webhookEvent(ev.Type, res.Outcome)
	return res, nil
}

func (p *WebhookProcessor) apply(ctx context.Context, ev *ProviderEvent, replay bool) (*EventResult, error) {
	res := &EventResult{EventID: ev.ID, Type: ev.Type, RawType: ev.RawType, SubscriptionID: ev.SubscriptionKey()}
	log := p.log.WithFields(logrus.Fields{
		"event_id":        ev.ID,
		"event_type":      ev.RawType,
		"subscription_id": res.SubscriptionID,
		"replay":          replay,
	})

	var err error
	switch ev.Type {
	case EventCheckoutCompleted:
		err = p.applyCheckout(ctx, ev.Checkout, res, log)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = p.applySubscriptionChange(ctx, ev, res, log)
	case EventInvoicePaid:
		err = p.applyInvoicePaid(ctx, ev.Invoice, res, log)
	case EventInvoicePaymentFailed:
		err = p.applyPaymentFailed(ctx, ev.Invoice, res, log)
	default:
		res.Outcome = OutcomeIgnored
		log.Debug("ℹ️ Ignoring unhandled webhook event")
		return res, nil
	}

	if errors.Is(err, errNoRecord) {
		return p.handleUnmatched(ctx, ev, res, replay, log)
	}
	if err != nil {
		log.WithError(err).Error("❌ Failed to apply webhook event")
		return nil, err
	}
	return res, nil
}

func (p *WebhookProcessor) applyCheckout(ctx context.Context, co *CheckoutCompleted, res *EventResult, log *logrus.Entry) error {
	status := models.StatusActive
	if co.Trial {
		status = models.StatusTrial
	}

	sub, activated, err := p.store.ActivateCheckout(ctx, models.CheckoutActivation{
		CheckoutSessionID:      co.SessionID,
		ExternalSubscriptionID: co.SubscriptionID,
		ExternalCustomerID:     co.CustomerID,
		UserID:                 co.UserID,
		PlanID:                 co.PlanID,
		Status:                 status,
	})
	switch {
	case errors.Is(err, database.ErrNotFound):
		return errNoRecord
	case errors.Is(err, database.ErrConflict):
		res.Outcome = OutcomeConflict
		log.WithError(err).Error("❌ Checkout subscription already bound to another record")
		return nil
	case err != nil:
		return persistenceError("activate checkout", err)
	}

	if !activated {
		res.Outcome = OutcomeStale
		log.WithField("status", sub.Status).Info("⏭️ Checkout already superseded, leaving record unchanged")
		return nil
	}

	plan, err := p.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return persistenceError("load plan", err)
	}
	if err := p.ledger.ResetToPlan(ctx, sub.UserID, plan, "checkout"); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	log.WithFields(logrus.Fields{
		"user_id": sub.UserID,
		"plan_id": sub.PlanID,
		"status":  sub.Status,
	}).Info("✅ Checkout activated subscription")

	if sub.ExternalSubscriptionID != nil {
		replayed, err := p.replayDeferred(ctx, *sub.ExternalSubscriptionID, log)
		res.Replayed = replayed
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *WebhookProcessor) applySubscriptionChange(ctx context.Context, ev *ProviderEvent, res *EventResult, log *logrus.Entry) error {
	ch := ev.Subscription
	status := ch.Status
	autoRenew := !ch.CancelAtPeriodEnd && status != models.StatusCanceled

	upd := models.SubscriptionUpdate{
		ExternalSubscriptionID: ch.SubscriptionID,
		Status:                 &status,
		PreserveStatuses:       preserveFor(status),
		CurrentPeriodStart:     ch.PeriodStart,
		CurrentPeriodEnd:       ch.PeriodEnd,
		AutoRenew:              &autoRenew,
	}
	if ch.CustomerID != "" {
		upd.ExternalCustomerID = &ch.CustomerID
	}
	if status == models.StatusCanceled {
		now := p.now()
		upd.CanceledAt = &now
	}

	sub, err := p.applyUpdate(ctx, upd)
	if err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	log.WithFields(logrus.Fields{
		"provider_status": ch.ProviderStatus,
		"status":          sub.Status,
	}).Info("🔄 Subscription state synchronized")
	return nil
}

func (p *WebhookProcessor) applyInvoicePaid(ctx context.Context, inv *InvoiceChange, res *EventResult, log *logrus.Entry) error {
	if inv.SubscriptionID == "" {
		res.Outcome = OutcomeIgnored
		log.Debug("ℹ️ Invoice is not tied to a subscription")
		return nil
	}

	status := models.StatusActive
	upd := models.SubscriptionUpdate{
		ExternalSubscriptionID: inv.SubscriptionID,
		Status:                 &status,
		PreserveStatuses:       []models.SubscriptionStatus{models.StatusTrial, models.StatusCancelPending, models.StatusCanceled},
		CurrentPeriodStart:     inv.PeriodStart,
		CurrentPeriodEnd:       inv.PeriodEnd,
	}
	sub, err := p.applyUpdate(ctx, upd)
	if err != nil {
		return err
	}

	// 只有当该记录就是用户当前生效的记录时才重置账本
	current, err := p.store.GetCurrentSubscription(ctx, sub.UserID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return persistenceError("load current subscription", err)
	}
	if current == nil || current.ID != sub.ID || !sub.Status.GrantsAllowance() {
		res.Outcome = OutcomeApplied
		log.WithField("status", sub.Status).Info("ℹ️ Invoice paid for a non-current subscription, ledger unchanged")
		return nil
	}

	plan := current.Plan
	if plan == nil {
		if plan, err = p.store.GetPlan(ctx, sub.PlanID); err != nil {
			return persistenceError("load plan", err)
		}
	}
	if err := p.ledger.ResetToPlan(ctx, sub.UserID, plan, "invoice_paid"); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	log.WithFields(logrus.Fields{
		"user_id":  sub.UserID,
		"tokens":   plan.TokensPerCycle,
		"messages": plan.MessagesPerCycle,
	}).Info("✅ Invoice paid, quota reset")
	return nil
}

func (p *WebhookProcessor) applyPaymentFailed(ctx context.Context, inv *InvoiceChange, res *EventResult, log *logrus.Entry) error {
	if inv.SubscriptionID == "" {
		res.Outcome = OutcomeIgnored
		return nil
	}
	status := models.StatusPastDue
	sub, err := p.applyUpdate(ctx, models.SubscriptionUpdate{
		ExternalSubscriptionID: inv.SubscriptionID,
		Status:                 &status,
		PreserveStatuses:       []models.SubscriptionStatus{models.StatusCanceled},
	})
	if err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	log.WithField("status", sub.Status).Warn("⚠️ Invoice payment failed")
	return nil
}

// applyUpdate reports errNoRecord when no record carries the subscription id.
func (p *WebhookProcessor) applyUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	sub, err := p.store.ApplySubscriptionUpdate(ctx, upd)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, persistenceError("apply subscription update", err)
	}
	return sub, nil
}

// preserveFor lists the stored statuses a provider status must not overwrite.
// canceled is terminal, and a fresh subscription's incomplete state never
// demotes a record that checkout already activated.
func preserveFor(status models.SubscriptionStatus) []models.SubscriptionStatus {
	if status == models.StatusPending {
		return []models.SubscriptionStatus{
			models.StatusActive, models.StatusTrial, models.StatusCancelPending,
			models.StatusPastDue, models.StatusCanceled,
		}
	}
	if status == models.StatusCanceled {
		return nil
	}
	return []models.SubscriptionStatus{models.StatusCanceled}
}

func (p *WebhookProcessor) handleUnmatched(ctx context.Context, ev *ProviderEvent, res *EventResult, replay bool, log *logrus.Entry) (*EventResult, error) {
	key := ev.SubscriptionKey()

	if ev.Type == EventCheckoutCompleted {
		log.Error("❌ Checkout completed for an unknown session without user metadata")
		if p.policy == UnmatchedReject {
			return nil, ErrUnmatchedEvent.withMessage("checkout session %s matches no record", ev.Checkout.SessionID)
		}
		res.Outcome = OutcomeUnmatched
		return res, nil
	}

	if replay {
		p.metrics.deferred("dropped", 1)
		log.Warn("🗑️ Deferred event still matches no record, dropping")
		res.Outcome = OutcomeUnmatched
		return res, nil
	}

	if p.policy == UnmatchedReject {
		log.Warn("⏳ Event arrived before its subscription record, rejecting for redelivery")
		return nil, ErrUnmatchedEvent.withMessage("subscription %s matches no record", key)
	}

	if p.deferred == nil || key == "" {
		log.Warn("⚠️ Event matches no subscription record, acknowledged without replay")
		res.Outcome = OutcomeUnmatched
		return res, nil
	}
	if err := p.deferred.Defer(ctx, key, ev); err != nil {
		return nil, persistenceError("defer event", err)
	}
	p.metrics.deferred("deferred", 1)

	// 结账激活可能在未命中与写入缓冲之间提交，此时没有人会再取出该事件
	if _, err := p.store.GetSubscriptionByExternalID(ctx, key); err == nil {
		replayed, err := p.replayDeferred(ctx, key, log)
		if err != nil {
			return nil, err
		}
		log.WithField("replayed", replayed).Info("🔁 Record appeared while deferring, replayed buffer")
		res.Outcome = OutcomeApplied
		res.Replayed = replayed
		return res, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		log.WithError(err).Warn("⚠️ Could not re-check record after deferring")
	}

	log.Warn("⏳ Event arrived before its subscription record, deferred")
	res.Outcome = OutcomeDeferred
	return res, nil
}

// replayDeferred applies events buffered for key in arrival order.
// On failure the unprocessed events go back into the buffer.
func (p *WebhookProcessor) replayDeferred(ctx context.Context, key string, log *logrus.Entry) (int, error) {
	if p.deferred == nil {
		return 0, nil
	}
	events, err := p.deferred.Drain(ctx, key)
	if err != nil {
		return 0, persistenceError("drain deferred events", err)
	}

	for i, ev := range events {
		if _, err := p.apply(ctx, ev, true); err != nil {
			for _, rest := range events[i:] {
				if deferErr := p.deferred.Defer(ctx, key, rest); deferErr != nil {
					log.WithError(deferErr).Error("❌ Failed to re-buffer deferred event")
				}
			}
			p.metrics.deferred("replayed", i)
			return i, err
		}
	}
	p.metrics.deferred("replayed", len(events))
	if len(events) > 0 {
		log.WithField("count", len(events)).Info("🔁 Replayed deferred events")
	}
	return len(events), nil
}
