package affiliate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/affiliate"
)

// recordConfirmed records a conversion and promotes it to confirmed.
func recordConfirmed(t *testing.T, eng *affiliate.Engine, affiliateID, referredID, refID, value string) affiliate.Conversion {
	t.Helper()
	ctx := context.Background()
	conv, _, err := eng.Recorder.Record(ctx, bookingInput(affiliateID, referredID, refID, value))
	require.NoError(t, err)
	confirmed, err := eng.Recorder.Confirm(ctx, conv.ID)
	require.NoError(t, err)
	return confirmed
}

// =============================================================================
// AGGREGATION TESTS
// =============================================================================

func TestPendingCommission_SumsConfirmedUnpaid(t *testing.T) {
	// GIVEN: Two confirmed conversions, 100 and 50 commission
	// WHEN: Aggregating (5% platform fee)
	// THEN: total=150.00 fee=7.50 net=142.50

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	recordConfirmed(t, eng, "usr-aff", "usr-b", "bk-2", "500")

	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)

	assert.Equal(t, "150.00", summary.TotalCommission.StringFixed(2))
	assert.Equal(t, "7.50", summary.PlatformFee.StringFixed(2))
	assert.Equal(t, "142.50", summary.NetAmount.StringFixed(2))
}

func TestPendingCommission_IgnoresUnconfirmed(t *testing.T) {
	// Pending conversions have not settled and must not be payable.

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	_, _, err := eng.Recorder.Record(ctx, bookingInput("usr-aff", "usr-a", "bk-1", "1000"))
	require.NoError(t, err)

	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.True(t, summary.TotalCommission.IsZero())
}

func TestPendingCommission_ExcludesConversionsInActivePayout(t *testing.T) {
	// GIVEN: C1 (50 commission) covered by a processing payout, and a
	//         later confirmed C2 (30 commission)
	// WHEN: Aggregating
	// THEN: Only C2 is reported

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "500") // 50
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)
	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	require.NoError(t, err)

	recordConfirmed(t, eng, "usr-aff", "usr-b", "bk-2", "300") // 30

	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.Equal(t, "30.00", summary.TotalCommission.StringFixed(2))
}

// =============================================================================
// PAYOUT CREATION TESTS
// =============================================================================

func TestCreatePayout_SnapshotsAmounts(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	c1 := recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	c2 := recordConfirmed(t, eng, "usr-aff", "usr-b", "bk-2", "500")

	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	assert.Equal(t, affiliate.PayoutPending, payout.Status)
	assert.Equal(t, "150.00", payout.Amount.StringFixed(2))
	assert.Equal(t, "7.50", payout.PlatformFee.StringFixed(2))
	assert.Equal(t, "142.50", payout.NetAmount.StringFixed(2))
	assert.ElementsMatch(t, []affiliate.ConversionID{c1.ID, c2.ID}, payout.ConversionIDs)
}

func TestCreatePayout_NothingToPay(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())

	_, err := eng.Payouts.Create(context.Background(), "usr-aff")
	assert.ErrorIs(t, err, affiliate.ErrNoPendingCommission)
}

func TestCreatePayout_SecondPayoutCoversNothingTwice(t *testing.T) {
	// The first payout holds the conversions; creating another payout
	// immediately after must find nothing left.

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")

	_, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	_, err = eng.Payouts.Create(ctx, "usr-aff")
	assert.ErrorIs(t, err, affiliate.ErrNoPendingCommission)
}

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestTransition_CompleteFromPending_Conflict(t *testing.T) {
	// GIVEN: A pending payout
	// WHEN: Completing it without approval
	// THEN: Conflict; payout and conversions are untouched

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	conv := recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionComplete, affiliate.TransitionDetails{})
	assert.True(t, affiliate.IsConflict(err), "complete on pending should conflict, got %v", err)

	reread, err := eng.Payouts.Get(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.PayoutPending, reread.Status)

	conv2, err := eng.Recorder.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.ConversionConfirmed, conv2.Status)
	assert.Nil(t, conv2.PaidAt)
}

func TestTransition_ApproveTwice_Conflict(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	approved, err := eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	require.NoError(t, err)
	assert.Equal(t, affiliate.PayoutProcessing, approved.Status)
	assert.NotNil(t, approved.ProcessedAt)

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	assert.True(t, affiliate.IsConflict(err), "second approve should conflict, got %v", err)
}

func TestTransition_RejectRequiresReason(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionReject, affiliate.TransitionDetails{})
	assert.True(t, affiliate.IsInvalidArgument(err))

	rejected, err := eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionReject,
		affiliate.TransitionDetails{RejectionReason: "bank details mismatch"})
	require.NoError(t, err)
	assert.Equal(t, affiliate.PayoutCancelled, rejected.Status)
	assert.Equal(t, "bank details mismatch", rejected.RejectionReason)
}

func TestTransition_RejectReleasesConversions(t *testing.T) {
	// GIVEN: A rejected payout
	// WHEN: Aggregating and creating a new payout
	// THEN: The released conversions are payable again, exactly once

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	conv := recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	require.True(t, summary.TotalCommission.IsZero(), "held by the pending payout")

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionReject,
		affiliate.TransitionDetails{RejectionReason: "wrong period"})
	require.NoError(t, err)

	summary, err = eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.Equal(t, "100.00", summary.TotalCommission.StringFixed(2))

	replacement, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)
	assert.ElementsMatch(t, []affiliate.ConversionID{conv.ID}, replacement.ConversionIDs)
}

func TestTransition_FailOnlyFromProcessing(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionFail, affiliate.TransitionDetails{})
	assert.True(t, affiliate.IsConflict(err), "fail on pending should conflict, got %v", err)

	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	require.NoError(t, err)

	failed, err := eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionFail,
		affiliate.TransitionDetails{RejectionReason: "provider timeout"})
	require.NoError(t, err)
	assert.Equal(t, affiliate.PayoutFailed, failed.Status)

	// Failed payouts release their conversions, same as cancelled.
	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.Equal(t, "100.00", summary.TotalCommission.StringFixed(2))
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)
	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionReject,
		affiliate.TransitionDetails{RejectionReason: "duplicate request"})
	require.NoError(t, err)

	for _, action := range []affiliate.PayoutAction{
		affiliate.ActionApprove, affiliate.ActionReject, affiliate.ActionComplete, affiliate.ActionFail,
	} {
		_, err := eng.Payouts.Transition(ctx, payout.ID, action,
			affiliate.TransitionDetails{RejectionReason: "again"})
		assert.True(t, affiliate.IsConflict(err), "%s on cancelled payout should conflict, got %v", action, err)
	}
}

func TestTransition_UnknownPayout_NotFound(t *testing.T) {
	eng, _ := newTestEngine(newFixedClock())

	_, err := eng.Payouts.Transition(context.Background(), "pay-missing", affiliate.ActionApprove, affiliate.TransitionDetails{})
	assert.ErrorIs(t, err, affiliate.ErrPayoutNotFound)
}

// =============================================================================
// COMPLETION TESTS
// =============================================================================

func TestTransition_CompleteMarksConversionsPaid(t *testing.T) {
	// GIVEN: An approved payout over two conversions
	// WHEN: Completing it
	// THEN: The payout is completed and every covered conversion is
	//       paid with PaidAt set

	clock := newFixedClock()
	eng, _ := newTestEngine(clock)
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	c1 := recordConfirmed(t, eng, "usr-aff", "usr-a", "bk-1", "1000")
	c2 := recordConfirmed(t, eng, "usr-aff", "usr-b", "bk-2", "500")

	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)
	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	require.NoError(t, err)

	completed, err := eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionComplete,
		affiliate.TransitionDetails{TransactionID: "txn-123", PaymentReference: "SEPA-42"})
	require.NoError(t, err)

	assert.Equal(t, affiliate.PayoutCompleted, completed.Status)
	assert.Equal(t, "txn-123", completed.TransactionID)
	assert.Equal(t, "SEPA-42", completed.PaymentReference)
	require.NotNil(t, completed.CompletedAt)

	for _, id := range []affiliate.ConversionID{c1.ID, c2.ID} {
		conv, err := eng.Recorder.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, affiliate.ConversionPaid, conv.Status)
		require.NotNil(t, conv.PaidAt)
		assert.Equal(t, clock.Now(), *conv.PaidAt)
	}
}

func TestEndToEnd_RecordThroughPayout(t *testing.T) {
	// GIVEN: A 10% booking rate and a 5% platform fee
	// WHEN: A referred user books for 1000, the booking settles, and
	//        the payout runs pending -> processing -> completed
	// THEN: Summary goes 100/5/95 before the payout and 0/0/0 after

	eng, _ := newTestEngine(newFixedClock())
	ctx := context.Background()
	mustSaveRate(t, eng, affiliate.ConversionBooking, "10")

	conv, _, err := eng.Recorder.Record(ctx, bookingInput("usr-aff", "usr-ref", "bk-1", "1000"))
	require.NoError(t, err)
	_, err = eng.Recorder.Confirm(ctx, conv.ID)
	require.NoError(t, err)

	summary, err := eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.Equal(t, "100.00", summary.TotalCommission.StringFixed(2))
	assert.Equal(t, "5.00", summary.PlatformFee.StringFixed(2))
	assert.Equal(t, "95.00", summary.NetAmount.StringFixed(2))

	payout, err := eng.Payouts.Create(ctx, "usr-aff")
	require.NoError(t, err)
	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionApprove, affiliate.TransitionDetails{})
	require.NoError(t, err)
	_, err = eng.Payouts.Transition(ctx, payout.ID, affiliate.ActionComplete,
		affiliate.TransitionDetails{TransactionID: "txn-1"})
	require.NoError(t, err)

	summary, err = eng.Aggregator.PendingCommission(ctx, "usr-aff")
	require.NoError(t, err)
	assert.True(t, summary.TotalCommission.IsZero())
	assert.True(t, summary.PlatformFee.IsZero())
	assert.True(t, summary.NetAmount.IsZero())

	paid, err := eng.Recorder.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.ConversionPaid, paid.Status)
}
