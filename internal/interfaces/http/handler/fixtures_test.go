package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appbilling "github.com/saasbill/backend/internal/application/billing"
	apppayment "github.com/saasbill/backend/internal/application/payment"
	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/payment"
	"github.com/saasbill/backend/internal/domain/shared"
	"github.com/saasbill/backend/internal/domain/shared/valueobject"
	"github.com/saasbill/backend/internal/interfaces/http/middleware"
)

// testTenantID is the tenant injected by setupTestRouter for all requests
var testTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Stand-in for the tenant middleware: every request runs as the
	// default test tenant
	router.Use(func(c *gin.Context) {
		c.Set(middleware.TenantIDKey, testTenantID.String())
		c.Next()
	})
	return router
}

// In-memory repositories for handler tests. They honor the repository
// contracts the handlers and services rely on: ErrNotFound on misses,
// ErrAlreadyExists on duplicate active subscriptions and duplicate
// invoice periods, and an atomic usage increment.

type fakePlanRepo struct {
	mu    sync.RWMutex
	plans map[uuid.UUID]*billing.Plan
}

func newFakePlanRepo() *fakePlanRepo {
	return &fakePlanRepo{plans: make(map[uuid.UUID]*billing.Plan)}
}

func (r *fakePlanRepo) Save(ctx context.Context, plan *billing.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plans {
		if existing.Name == plan.Name {
			return shared.ErrAlreadyExists
		}
	}
	r.plans[plan.GetID()] = plan
	return nil
}

func (r *fakePlanRepo) Update(ctx context.Context, plan *billing.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[plan.GetID()]; !ok {
		return shared.ErrNotFound
	}
	r.plans[plan.GetID()] = plan
	return nil
}

func (r *fakePlanRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plan, ok := r.plans[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return plan, nil
}

func (r *fakePlanRepo) FindByName(ctx context.Context, name string) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, plan := range r.plans {
		if plan.Name == name {
			return plan, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakePlanRepo) FindActive(ctx context.Context) ([]*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*billing.Plan
	for _, plan := range r.plans {
		if plan.IsActive {
			active = append(active, plan)
		}
	}
	return active, nil
}

type fakeSubRepo struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*billing.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[uuid.UUID]*billing.Subscription)}
}

func (r *fakeSubRepo) Save(ctx context.Context, sub *billing.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs {
		if existing.TenantID == sub.TenantID && !existing.IsCancelled() {
			return shared.ErrAlreadyExists
		}
	}
	r.subs[sub.GetID()] = sub
	return nil
}

func (r *fakeSubRepo) Update(ctx context.Context, sub *billing.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.GetID()]; !ok {
		return shared.ErrNotFound
	}
	r.subs[sub.GetID()] = sub
	return nil
}

func (r *fakeSubRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return sub, nil
}

func (r *fakeSubRepo) FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.TenantID == tenantID && !sub.IsCancelled() {
			return sub, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeSubRepo) FindByProviderSubRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.ProviderSubRef == ref {
			return sub, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeSubRepo) FindByCustomerRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref == "" {
		return nil, shared.ErrNotFound
	}
	for _, sub := range r.subs {
		if sub.CustomerRef == ref && !sub.IsCancelled() {
			return sub, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeSubRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []*billing.Subscription
	for _, sub := range r.subs {
		if sub.IsDue(now) || (sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(now)) {
			due = append(due, sub)
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

type invoicePeriodKey struct {
	subID      uuid.UUID
	start, end time.Time
}

type fakeInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*billing.Invoice
	byPeriod map[invoicePeriodKey]uuid.UUID
	seq      map[uuid.UUID]int64
}

func newFakeInvoiceRepo() *fakeInvoiceRepo {
	return &fakeInvoiceRepo{
		invoices: make(map[uuid.UUID]*billing.Invoice),
		byPeriod: make(map[invoicePeriodKey]uuid.UUID),
		seq:      make(map[uuid.UUID]int64),
	}
}

func (r *fakeInvoiceRepo) Save(ctx context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := invoicePeriodKey{subID: inv.SubscriptionID, start: inv.PeriodStart, end: inv.PeriodEnd}
	if _, ok := r.byPeriod[key]; ok {
		return shared.ErrAlreadyExists
	}
	r.invoices[inv.GetID()] = inv
	r.byPeriod[key] = inv.GetID()
	return nil
}

func (r *fakeInvoiceRepo) Update(ctx context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invoices[inv.GetID()]; !ok {
		return shared.ErrNotFound
	}
	r.invoices[inv.GetID()] = inv
	return nil
}

func (r *fakeInvoiceRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return inv, nil
}

func (r *fakeInvoiceRepo) FindByPeriod(ctx context.Context, subID uuid.UUID, start, end time.Time) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPeriod[invoicePeriodKey{subID: subID, start: start, end: end}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return r.invoices[id], nil
}

func (r *fakeInvoiceRepo) FindOpenBySubscription(ctx context.Context, subID uuid.UUID) ([]*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []*billing.Invoice
	for _, inv := range r.invoices {
		if inv.SubscriptionID == subID && inv.Status.IsPayable() {
			open = append(open, inv)
		}
	}
	return open, nil
}

func (r *fakeInvoiceRepo) FindByProviderRef(ctx context.Context, ref string) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if ref != "" && inv.ProviderRef == ref {
			return inv, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeInvoiceRepo) FindByTenantInRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []*billing.Invoice
	for _, inv := range r.invoices {
		if inv.TenantID == tenantID && !inv.CreatedAt.Before(start) && inv.CreatedAt.Before(end) {
			found = append(found, inv)
		}
	}
	return found, nil
}

func (r *fakeInvoiceRepo) NextNumber(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[tenantID]++
	return r.seq[tenantID], nil
}

type usageKey struct {
	subID    uuid.UUID
	resource billing.ResourceType
}

type fakeUsageRepo struct {
	mu       sync.Mutex
	counters map[usageKey]*billing.UsageCounter
}

func newFakeUsageRepo() *fakeUsageRepo {
	return &fakeUsageRepo{counters: make(map[usageKey]*billing.UsageCounter)}
}

func (r *fakeUsageRepo) Save(ctx context.Context, counter *billing.UsageCounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[usageKey{counter.SubscriptionID, counter.Resource}] = counter
	return nil
}

func (r *fakeUsageRepo) Find(ctx context.Context, subID uuid.UUID, resource billing.ResourceType) (*billing.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counter, ok := r.counters[usageKey{subID, resource}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return counter, nil
}

func (r *fakeUsageRepo) FindBySubscription(ctx context.Context, subID uuid.UUID) ([]*billing.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []*billing.UsageCounter
	for key, counter := range r.counters {
		if key.subID == subID {
			found = append(found, counter)
		}
	}
	return found, nil
}

func (r *fakeUsageRepo) Increment(ctx context.Context, tenantID, subID uuid.UUID, resource billing.ResourceType, delta int64, periodStart, periodEnd time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usageKey{subID, resource}
	counter, ok := r.counters[key]
	if !ok {
		counter, _ = billing.NewUsageCounter(tenantID, subID, resource, periodStart, periodEnd)
		r.counters[key] = counter
	}
	counter.Used += delta
	return counter.Used, nil
}

func (r *fakeUsageRepo) ResetForPeriod(ctx context.Context, subID uuid.UUID, periodStart, periodEnd time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, counter := range r.counters {
		if key.subID == subID {
			counter.Reset(periodStart, periodEnd)
		}
	}
	return nil
}

// fakeIdempotency is a map-backed shared.IdempotencyStore
type fakeIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{seen: make(map[string]bool)}
}

func (m *fakeIdempotency) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *fakeIdempotency) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[eventID], nil
}

func (m *fakeIdempotency) Close() error { return nil }

// fakeAdapter is a scriptable payment.ProviderAdapter
type fakeAdapter struct {
	providerType payment.ProviderType
	failKind     payment.ErrorKind
	validSig     string
	mu           sync.Mutex
	charges      int
}

func (a *fakeAdapter) ProviderType() payment.ProviderType { return a.providerType }

func (a *fakeAdapter) Charge(ctx context.Context, req *payment.ChargeRequest) (*payment.ChargeResult, error) {
	a.mu.Lock()
	a.charges++
	n := a.charges
	a.mu.Unlock()
	if a.failKind != payment.ErrorKindNone {
		return &payment.ChargeResult{
			Success:      false,
			Provider:     a.providerType,
			Amount:       req.Amount,
			Currency:     req.Currency,
			ErrorKind:    a.failKind,
			ErrorMessage: "scripted failure",
			ProcessedAt:  time.Now(),
		}, nil
	}
	return &payment.ChargeResult{
		Success:     true,
		Provider:    a.providerType,
		PaymentID:   fmt.Sprintf("%s_pay_%d", a.providerType, n),
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProcessedAt: time.Now(),
	}, nil
}

func (a *fakeAdapter) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*payment.RefundResult, error) {
	return &payment.RefundResult{
		Success:  true,
		Provider: a.providerType,
		RefundID: "re_" + paymentID,
		Amount:   amount,
	}, nil
}

func (a *fakeAdapter) CreateCustomer(ctx context.Context, tenantID uuid.UUID, email, name string) (*payment.CustomerResult, error) {
	return &payment.CustomerResult{CustomerRef: "cus_fake"}, nil
}

func (a *fakeAdapter) CreateSubscription(ctx context.Context, customerRef, priceRef string) (*payment.SubscriptionResult, error) {
	return &payment.SubscriptionResult{SubscriptionRef: "sub_fake"}, nil
}

func (a *fakeAdapter) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	return nil
}

func (a *fakeAdapter) ValidateWebhookSignature(payload []byte, signatureHeader string) bool {
	return signatureHeader == a.validSig
}

// handlerFixture wires the application services over the in-memory
// repositories, matching the production wiring in cmd/server
type handlerFixture struct {
	planRepo   *fakePlanRepo
	subRepo    *fakeSubRepo
	invRepo    *fakeInvoiceRepo
	usageRepo  *fakeUsageRepo
	stripe     *fakeAdapter
	alipay     *fakeAdapter
	dispatcher *apppayment.Dispatcher
	subService *appbilling.SubscriptionService
	orch       *appbilling.Orchestrator
	webhooks   *appbilling.WebhookService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		planRepo:  newFakePlanRepo(),
		subRepo:   newFakeSubRepo(),
		invRepo:   newFakeInvoiceRepo(),
		usageRepo: newFakeUsageRepo(),
		stripe:    &fakeAdapter{providerType: payment.ProviderTypeStripe, validSig: "valid"},
		alipay:    &fakeAdapter{providerType: payment.ProviderTypeAlipay, validSig: "valid"},
	}
	f.dispatcher = apppayment.NewDispatcher(
		[]apppayment.ProviderRegistration{
			{Adapter: f.stripe, Priority: 1, IsActive: true},
			{Adapter: f.alipay, Priority: 2, IsActive: true},
		},
		payment.NewFraudScreener(payment.DefaultFraudPolicy()),
		apppayment.DispatcherConfig{},
		zap.NewNop(),
	)
	f.subService = appbilling.NewSubscriptionService(appbilling.SubscriptionServiceConfig{
		PlanRepo:    f.planRepo,
		SubRepo:     f.subRepo,
		InvoiceRepo: f.invRepo,
		UsageRepo:   f.usageRepo,
		Logger:      zap.NewNop(),
	})
	f.orch = appbilling.NewOrchestrator(appbilling.OrchestratorConfig{
		SubRepo:     f.subRepo,
		PlanRepo:    f.planRepo,
		InvoiceRepo: f.invRepo,
		UsageRepo:   f.usageRepo,
		SubService:  f.subService,
		Dispatcher:  f.dispatcher,
		Logger:      zap.NewNop(),
	})
	f.webhooks = appbilling.NewWebhookService(appbilling.WebhookServiceConfig{
		Validator:   f.dispatcher,
		SubRepo:     f.subRepo,
		InvoiceRepo: f.invRepo,
		Idempotency: newFakeIdempotency(),
		Logger:      zap.NewNop(),
	})
	return f
}

func (f *handlerFixture) addPlan(t *testing.T, name, price string) *billing.Plan {
	t.Helper()
	money, err := valueobject.NewMoneyFromString(price, valueobject.USD)
	require.NoError(t, err)
	plan, err := billing.NewPlan(name, money, billing.BillingCycleMonthly)
	require.NoError(t, err)
	require.NoError(t, f.planRepo.Save(context.Background(), plan))
	return plan
}

func (f *handlerFixture) subscribe(t *testing.T, plan *billing.Plan) *billing.Subscription {
	t.Helper()
	return subscribeTenant(t, f, testTenantID, plan)
}

func subscribeTenant(t *testing.T, f *handlerFixture, tenantID uuid.UUID, plan *billing.Plan) *billing.Subscription {
	t.Helper()
	sub, err := f.subService.CreateSubscription(context.Background(), appbilling.CreateSubscriptionInput{
		TenantID:     tenantID,
		PlanID:       plan.GetID(),
		ProviderType: "stripe",
		CustomerRef:  "cus_test",
	})
	require.NoError(t, err)
	return sub
}

func decimalFromString(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return value
}
