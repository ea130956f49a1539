package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saasbill/backend/internal/domain/billing"
	"github.com/saasbill/backend/internal/domain/shared"
)

// In-memory repositories backing the application-service tests. They
// honor the same contracts as the gorm implementations: ErrNotFound on
// misses, ErrAlreadyExists on the invoice period uniqueness key, and an
// atomic usage increment.

type memPlanRepo struct {
	mu    sync.RWMutex
	plans map[uuid.UUID]*billing.Plan
}

func newMemPlanRepo() *memPlanRepo {
	return &memPlanRepo{plans: make(map[uuid.UUID]*billing.Plan)}
}

func (r *memPlanRepo) Save(ctx context.Context, plan *billing.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.GetID()] = plan
	return nil
}

func (r *memPlanRepo) Update(ctx context.Context, plan *billing.Plan) error {
	return r.Save(ctx, plan)
}

func (r *memPlanRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plan, ok := r.plans[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return plan, nil
}

func (r *memPlanRepo) FindByName(ctx context.Context, name string) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, plan := range r.plans {
		if plan.Name == name {
			return plan, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memPlanRepo) FindActive(ctx context.Context) ([]*billing.Plan, error) {
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

type memSubRepo struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*billing.Subscription
}

func newMemSubRepo() *memSubRepo {
	return &memSubRepo{subs: make(map[uuid.UUID]*billing.Subscription)}
}

func (r *memSubRepo) Save(ctx context.Context, sub *billing.Subscription) error {
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

func (r *memSubRepo) Update(ctx context.Context, sub *billing.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.GetID()]; !ok {
		return shared.ErrNotFound
	}
	r.subs[sub.GetID()] = sub
	return nil
}

func (r *memSubRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return sub, nil
}

func (r *memSubRepo) FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.TenantID == tenantID && !sub.IsCancelled() {
			return sub, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memSubRepo) FindByProviderSubRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.ProviderSubRef == ref {
			return sub, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memSubRepo) FindByCustomerRef(ctx context.Context, ref string) (*billing.Subscription, error) {
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

func (r *memSubRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
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

type periodKey struct {
	subID      uuid.UUID
	start, end time.Time
}

type memInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*billing.Invoice
	byPeriod map[periodKey]uuid.UUID
	seq      map[uuid.UUID]int64
}

func newMemInvoiceRepo() *memInvoiceRepo {
	return &memInvoiceRepo{
		invoices: make(map[uuid.UUID]*billing.Invoice),
		byPeriod: make(map[periodKey]uuid.UUID),
		seq:      make(map[uuid.UUID]int64),
	}
}

func (r *memInvoiceRepo) key(inv *billing.Invoice) periodKey {
	return periodKey{subID: inv.SubscriptionID, start: inv.PeriodStart, end: inv.PeriodEnd}
}

func (r *memInvoiceRepo) Save(ctx context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPeriod[r.key(inv)]; ok {
		return shared.ErrAlreadyExists
	}
	r.invoices[inv.GetID()] = inv
	r.byPeriod[r.key(inv)] = inv.GetID()
	return nil
}

func (r *memInvoiceRepo) Update(ctx context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invoices[inv.GetID()]; !ok {
		return shared.ErrNotFound
	}
	r.invoices[inv.GetID()] = inv
	return nil
}

func (r *memInvoiceRepo) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return inv, nil
}

func (r *memInvoiceRepo) FindByPeriod(ctx context.Context, subID uuid.UUID, start, end time.Time) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPeriod[periodKey{subID: subID, start: start, end: end}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return r.invoices[id], nil
}

func (r *memInvoiceRepo) FindOpenBySubscription(ctx context.Context, subID uuid.UUID) ([]*billing.Invoice, error) {
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

func (r *memInvoiceRepo) FindByProviderRef(ctx context.Context, ref string) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.ProviderRef == ref && ref != "" {
			return inv, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memInvoiceRepo) FindByTenantInRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*billing.Invoice, error) {
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

func (r *memInvoiceRepo) NextNumber(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[tenantID]++
	return r.seq[tenantID], nil
}

type counterKey struct {
	subID    uuid.UUID
	resource billing.ResourceType
}

type memUsageRepo struct {
	mu       sync.Mutex
	counters map[counterKey]*billing.UsageCounter
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{counters: make(map[counterKey]*billing.UsageCounter)}
}

func (r *memUsageRepo) Save(ctx context.Context, counter *billing.UsageCounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterKey{counter.SubscriptionID, counter.Resource}] = counter
	return nil
}

func (r *memUsageRepo) Find(ctx context.Context, subID uuid.UUID, resource billing.ResourceType) (*billing.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counter, ok := r.counters[counterKey{subID, resource}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return counter, nil
}

func (r *memUsageRepo) FindBySubscription(ctx context.Context, subID uuid.UUID) ([]*billing.UsageCounter, error) {
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

func (r *memUsageRepo) Increment(ctx context.Context, tenantID, subID uuid.UUID, resource billing.ResourceType, delta int64, periodStart, periodEnd time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := counterKey{subID, resource}
	counter, ok := r.counters[key]
	if !ok {
		counter, _ = billing.NewUsageCounter(tenantID, subID, resource, periodStart, periodEnd)
		r.counters[key] = counter
	}
	counter.Used += delta
	return counter.Used, nil
}

func (r *memUsageRepo) ResetForPeriod(ctx context.Context, subID uuid.UUID, periodStart, periodEnd time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, counter := range r.counters {
		if key.subID == subID {
			counter.Reset(periodStart, periodEnd)
		}
	}
	return nil
}

// memIdempotency is a map-backed shared.IdempotencyStore
type memIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{seen: make(map[string]bool)}
}

func (m *memIdempotency) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *memIdempotency) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[eventID], nil
}

func (m *memIdempotency) Close() error { return nil }

// recordingNotifier captures notifications for assertions
type recordingNotifier struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
	cancelled []string
}

func (n *recordingNotifier) PaymentSucceeded(ctx context.Context, inv *billing.Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, inv.Number)
	return nil
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, inv *billing.Invoice, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, inv.Number+":"+reason)
	return nil
}

func (n *recordingNotifier) SubscriptionCancelled(ctx context.Context, sub *billing.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, sub.GetID().String())
	return nil
}
