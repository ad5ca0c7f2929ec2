package billing

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is an in-memory PaymentProvider for local development and tests.
// Errors set on the exported fields are returned by the matching call.
type FakeProvider struct {
	mu sync.Mutex

	CustomerErr error
	CheckoutErr error
	ExpireErr   error
	CancelErr   error

	customers map[string]string
	sessions  map[string]CheckoutRequest
	expired   []string
	cancels   []FakeCancellation
	seq       int
	customerN int
}

// FakeCancellation records one CancelSubscription call.
type FakeCancellation struct {
	SubscriptionID string
	AtPeriodEnd    bool
}

// NewFakeProvider 创建模拟支付提供方
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		customers: make(map[string]string),
		sessions:  make(map[string]CheckoutRequest),
	}
}

func (f *FakeProvider) FindOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CustomerErr != nil {
		return "", f.CustomerErr
	}
	if id, ok := f.customers[userID]; ok {
		return id, nil
	}
	f.customerN++
	id := fmt.Sprintf("cus_fake_%d", f.customerN)
	f.customers[userID] = id
	return id, nil
}

func (f *FakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckoutErr != nil {
		return nil, f.CheckoutErr
	}
	f.seq++
	id := fmt.Sprintf("cs_fake_%d", f.seq)
	f.sessions[id] = req
	return &CheckoutSession{ID: id, URL: "https://checkout.fake.local/pay/" + id}, nil
}

func (f *FakeProvider) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExpireErr != nil {
		return f.ExpireErr
	}
	f.expired = append(f.expired, sessionID)
	return nil
}

func (f *FakeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.cancels = append(f.cancels, FakeCancellation{SubscriptionID: subscriptionID, AtPeriodEnd: atPeriodEnd})
	return nil
}

// SetCustomer pre-registers a provider customer for a user.
func (f *FakeProvider) SetCustomer(userID, customerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[userID] = customerID
}

// Session returns the request a session was created with.
func (f *FakeProvider) Session(id string) (CheckoutRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.sessions[id]
	return req, ok
}

// SessionCount 已创建的会话数量
func (f *FakeProvider) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// CustomerCount 已创建或登记的客户数量
func (f *FakeProvider) CustomerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.customers)
}

// Expired returns the ids passed to ExpireCheckoutSession.
func (f *FakeProvider) Expired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

// Cancellations returns every CancelSubscription call in order.
func (f *FakeProvider) Cancellations() []FakeCancellation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCancellation(nil), f.cancels...)
}
