/*
Package affiliate provides the core affiliate commission engine.

PURPOSE:
  This package contains the domain types and components for affiliate
  attribution: recording referral conversions exactly once, computing
  commission from configurable rates, aggregating earned-but-unpaid
  commission per affiliate, and driving payouts through a fixed
  lifecycle that never double-pays or loses a conversion.

KEY CONCEPTS IN THIS FILE (types.go):
  - Conversion: An immutable record of a monetizable referred action
  - CommissionRate: Configurable percentage per conversion type
  - Payout: A batched disbursement covering a fixed set of conversions
  - Typed IDs: Strong typing prevents mixing conversion/payout/user ids

DESIGN PRINCIPLES:
  1. Snapshot semantics: a Conversion carries the rate it was recorded
     under; later rate changes never rewrite history
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
     in money arithmetic
  3. Status as the source of truth: a conversion is excluded from
     aggregation purely by the status of payouts referencing it

USAGE:
  in := affiliate.RecordConversionInput{
      AffiliateUserID: "usr-1",
      ReferredUserID:  "usr-2",
      Type:            affiliate.ConversionBooking,
      Value:           decimal.NewFromInt(1000),
  }
  conv, existing, err := recorder.Record(ctx, in)

SEE ALSO:
  - rates.go: Commission rate resolution and caching
  - recorder.go: Idempotent conversion recording
  - payout.go: Payout lifecycle state machine
*/
package affiliate

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConversionID string
type PayoutID string
type UserID string

// =============================================================================
// CONVERSION TYPE - What kind of action earned the commission
// =============================================================================

type ConversionType string

const (
	ConversionBooking         ConversionType = "booking"
	ConversionProductPurchase ConversionType = "product_purchase"
	ConversionSubscription    ConversionType = "subscription"
)

// ConversionTypes lists every configured conversion type.
var ConversionTypes = []ConversionType{
	ConversionBooking,
	ConversionProductPurchase,
	ConversionSubscription,
}

// Valid reports whether t is one of the configured conversion types.
func (t ConversionType) Valid() bool {
	for _, known := range ConversionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// =============================================================================
// CONVERSION - A monetizable action attributed to a referral
// =============================================================================

type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"   // Recorded, awaiting settlement
	ConversionConfirmed ConversionStatus = "confirmed" // Settled, eligible for payout
	ConversionPaid      ConversionStatus = "paid"      // Covered by a completed payout
)

type Conversion struct {
	ID              ConversionID
	AffiliateUserID UserID
	ReferredUserID  UserID
	Type            ConversionType

	// Money. RatePercent is snapshotted at recording time and never
	// recomputed when the rate table changes.
	Value            decimal.Decimal
	RatePercent      decimal.Decimal
	CommissionAmount decimal.Decimal

	Status ConversionStatus

	// ReferenceID/ReferenceType tie the conversion back to the event
	// that produced it (booking id, order id). Together with the
	// affiliate, referred user, and type they form the idempotency key.
	ReferenceID   string
	ReferenceType string

	// Opaque attribution context, not interpreted by the engine.
	AffiliateCode  string
	ReferralSource string
	Metadata       map[string]string

	CreatedAt time.Time
	PaidAt    *time.Time
}

// IdempotencyKey is the tuple that must be unique per Conversion.
// Conversions recorded without a reference are never deduplicated.
type IdempotencyKey struct {
	AffiliateUserID UserID
	ReferredUserID  UserID
	Type            ConversionType
	ReferenceID     string
	ReferenceType   string
}

// Key returns the idempotency key for c. Zero-valued when the
// conversion carries no reference.
func (c Conversion) Key() IdempotencyKey {
	if c.ReferenceID == "" || c.ReferenceType == "" {
		return IdempotencyKey{}
	}
	return IdempotencyKey{
		AffiliateUserID: c.AffiliateUserID,
		ReferredUserID:  c.ReferredUserID,
		Type:            c.Type,
		ReferenceID:     c.ReferenceID,
		ReferenceType:   c.ReferenceType,
	}
}

// =============================================================================
// COMMISSION RATE - Operator-configured percentage per conversion type
// =============================================================================

type CommissionRate struct {
	Type        ConversionType
	RatePercent decimal.Decimal // 0-100 inclusive
	IsActive    bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// PAYOUT - Batched disbursement to an affiliate
// =============================================================================

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutCancelled  PayoutStatus = "cancelled"
	PayoutFailed     PayoutStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutCancelled || s == PayoutFailed
}

// Active reports whether a payout in this status still holds its
// conversions out of the unpaid pool. Cancelled and failed payouts
// release their conversions purely by virtue of their status.
func (s PayoutStatus) Active() bool {
	return s == PayoutPending || s == PayoutProcessing || s == PayoutCompleted
}

type PayoutAction string

const (
	ActionApprove  PayoutAction = "approve"
	ActionReject   PayoutAction = "reject"
	ActionComplete PayoutAction = "complete"
	ActionFail     PayoutAction = "fail"
)

// Valid reports whether a is a known payout action.
func (a PayoutAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionComplete, ActionFail:
		return true
	}
	return false
}

type Payout struct {
	ID              PayoutID
	AffiliateUserID UserID

	// Amount is the sum of CommissionAmount over ConversionIDs, fixed
	// at creation. PlatformFee and NetAmount are derived at the same
	// instant and never recomputed.
	Amount      decimal.Decimal
	PlatformFee decimal.Decimal
	NetAmount   decimal.Decimal

	Status PayoutStatus

	// ConversionIDs is the exact set of conversions this payout
	// covers. Fixed at creation, never mutated.
	ConversionIDs []ConversionID

	TransactionID    string
	PaymentReference string
	RejectionReason  string
	Notes            string

	ProcessedAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// =============================================================================
// COMMISSION SUMMARY - Aggregation result
// =============================================================================

type CommissionSummary struct {
	TotalCommission decimal.Decimal
	PlatformFee     decimal.Decimal
	NetAmount       decimal.Decimal
}

// =============================================================================
// MONEY ARITHMETIC
// =============================================================================

var oneHundred = decimal.NewFromInt(100)

// CommissionFor computes the commission owed on value at ratePercent,
// rounded to 2 decimal places, half away from zero.
func CommissionFor(value, ratePercent decimal.Decimal) decimal.Decimal {
	return value.Mul(ratePercent).Div(oneHundred).Round(2)
}

// FeeFor computes the platform fee deducted from a gross commission
// total at feePercent, rounded to 2 decimal places.
func FeeFor(total, feePercent decimal.Decimal) decimal.Decimal {
	return total.Mul(feePercent).Div(oneHundred).Round(2)
}
