package affiliate

import (
	"testing"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY ARITHMETIC TESTS
// =============================================================================

func TestCommissionFor_RoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		value string
		rate  string
		want  string
	}{
		{"1000", "10", "100.00"},
		{"1999.99", "10", "200.00"},   // 199.999 rounds up
		{"10.05", "5", "0.50"},        // 0.5025 rounds down
		{"0.05", "10", "0.01"},        // 0.005 rounds away from zero
		{"333.33", "7.5", "25.00"},    // 24.99975
		{"0", "10", "0.00"},
		{"1000", "0", "0.00"},
	}

	for _, tc := range cases {
		value := decimal.RequireFromString(tc.value)
		rate := decimal.RequireFromString(tc.rate)
		got := CommissionFor(value, rate).StringFixed(2)
		if got != tc.want {
			t.Errorf("CommissionFor(%s, %s%%) = %s, want %s", tc.value, tc.rate, got, tc.want)
		}
	}
}

func TestFeeFor(t *testing.T) {
	total := decimal.RequireFromString("100")
	fee := FeeFor(total, decimal.RequireFromString("5"))
	if fee.StringFixed(2) != "5.00" {
		t.Errorf("expected fee 5.00, got %s", fee.StringFixed(2))
	}
}

// =============================================================================
// IDEMPOTENCY KEY TESTS
// =============================================================================

func TestConversionKey_ZeroWithoutReference(t *testing.T) {
	// A conversion without a reference must never collide with another
	// referenceless conversion through the key.
	c := Conversion{
		AffiliateUserID: "usr-1",
		ReferredUserID:  "usr-2",
		Type:            ConversionBooking,
	}
	if c.Key() != (IdempotencyKey{}) {
		t.Errorf("expected zero key without reference, got %+v", c.Key())
	}

	c.ReferenceID = "bk-1"
	if c.Key() != (IdempotencyKey{}) {
		t.Error("reference id alone should not produce a key")
	}

	c.ReferenceType = "booking"
	key := c.Key()
	if key.ReferenceID != "bk-1" || key.AffiliateUserID != "usr-1" {
		t.Errorf("unexpected key %+v", key)
	}
}

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestPayoutStatus_Active(t *testing.T) {
	// pending, processing, and completed payouts hold their conversions
	// out of the unpaid pool; cancelled and failed release them.
	active := []PayoutStatus{PayoutPending, PayoutProcessing, PayoutCompleted}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	released := []PayoutStatus{PayoutCancelled, PayoutFailed}
	for _, s := range released {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
}

func TestPayoutStatus_Terminal(t *testing.T) {
	terminal := []PayoutStatus{PayoutCompleted, PayoutCancelled, PayoutFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if PayoutPending.Terminal() || PayoutProcessing.Terminal() {
		t.Error("pending and processing are not terminal")
	}
}

func TestConversionType_Valid(t *testing.T) {
	for _, known := range ConversionTypes {
		if !known.Valid() {
			t.Errorf("%s should be valid", known)
		}
	}
	if ConversionType("referral_bonus").Valid() {
		t.Error("unknown type should be invalid")
	}
}
