/*
aggregate.go - Pending commission aggregation

PURPOSE:
  Computes, per affiliate, the commission earned but not yet included
  in an active payout. This feeds payout creation, so it is always
  recomputed from current data; caching here would let a stale total
  leak into a payout snapshot.

ALGORITHM:
  1. Load the affiliate's confirmed conversions
  2. Load payouts in status pending/processing/completed and union
     their conversion ids into an exclusion set
  3. Sum commission over confirmed conversions outside the set
  4. fee = total x feePercent / 100, net = total - fee

Cancelled and failed payouts contribute nothing to the exclusion set,
which is exactly how rejecting a payout releases its conversions back
to the unpaid pool without touching their rows.

SEE ALSO:
  - payout.go: Creates payouts from the same unpaid snapshot
*/
package affiliate

import (
	"context"

	"github.com/shopspring/decimal"
)

// Aggregator computes earned-but-unpaid commission per affiliate.
type Aggregator struct {
	store      Store
	feePercent decimal.Decimal
}

// NewAggregator creates an aggregator deducting feePercent (0-100)
// from gross commission.
func NewAggregator(store Store, feePercent decimal.Decimal) *Aggregator {
	return &Aggregator{store: store, feePercent: feePercent}
}

// PendingCommission returns the affiliate's confirmed, unpaid
// commission with the platform fee and net amount applied.
func (a *Aggregator) PendingCommission(ctx context.Context, affiliate UserID) (CommissionSummary, error) {
	if affiliate == "" {
		return CommissionSummary{}, &InvalidArgumentError{Field: "affiliateUserId", Reason: "required"}
	}

	unpaid, err := a.unpaidConfirmed(ctx, a.store, affiliate)
	if err != nil {
		return CommissionSummary{}, err
	}

	total := decimal.Zero
	for _, c := range unpaid {
		total = total.Add(c.CommissionAmount)
	}

	fee := FeeFor(total, a.feePercent)
	return CommissionSummary{
		TotalCommission: total,
		PlatformFee:     fee,
		NetAmount:       total.Sub(fee),
	}, nil
}

// unpaidConfirmed returns the affiliate's confirmed conversions not
// covered by any active payout. Takes the store explicitly so payout
// creation can run the same snapshot inside a transaction.
func (a *Aggregator) unpaidConfirmed(ctx context.Context, store Store, affiliate UserID) ([]Conversion, error) {
	confirmed, err := store.ListConfirmedConversions(ctx, affiliate)
	if err != nil {
		return nil, &TransientError{Op: "list confirmed conversions", Err: err}
	}

	active, err := store.ListActivePayouts(ctx, affiliate)
	if err != nil {
		return nil, &TransientError{Op: "list active payouts", Err: err}
	}

	excluded := make(map[ConversionID]bool)
	for _, p := range active {
		for _, id := range p.ConversionIDs {
			excluded[id] = true
		}
	}

	unpaid := make([]Conversion, 0, len(confirmed))
	for _, c := range confirmed {
		if !excluded[c.ID] {
			unpaid = append(unpaid, c)
		}
	}
	return unpaid, nil
}
