// Package billing provides domain models for subscriptions, recurring
// invoicing, and usage quotas in a multi-tenant SaaS application.
//
// Key Aggregates:
//   - Plan: A priced offering with a billing cycle, quotas, and overage rates
//   - Subscription: A tenant's lifecycle state machine over a plan
//   - Invoice: One billing period's charges, unique per subscription period
//   - UsageCounter: Per-resource consumption within the current period
//
// Subscriptions move trialing -> active -> past_due -> active and terminate
// at cancelled. Invoices keep the amountDue = max(0, total - amountPaid)
// invariant across every mutation and become immutable once paid.
//
// The billing domain integrates with:
//   - Payment domain: Charges are dispatched through provider adapters
//   - All other domains: As sources of usage increments
package billing
