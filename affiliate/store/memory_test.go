package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/affiliate"
	"github.com/warp/commission-engine/affiliate/store"
)

func conv(id, aff, ref, refID string) affiliate.Conversion {
	c := affiliate.Conversion{
		ID:               affiliate.ConversionID(id),
		AffiliateUserID:  affiliate.UserID(aff),
		ReferredUserID:   affiliate.UserID(ref),
		Type:             affiliate.ConversionBooking,
		Value:            decimal.NewFromInt(1000),
		RatePercent:      decimal.NewFromInt(10),
		CommissionAmount: decimal.NewFromInt(100),
		Status:           affiliate.ConversionPending,
		CreatedAt:        time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
	if refID != "" {
		c.ReferenceID = refID
		c.ReferenceType = "booking"
	}
	return c
}

func TestMemory_DuplicateKeyRejected(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	if err := mem.InsertConversion(ctx, conv("c-1", "usr-a", "usr-b", "bk-1")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err := mem.InsertConversion(ctx, conv("c-2", "usr-a", "usr-b", "bk-1"))
	if !errors.Is(err, affiliate.ErrDuplicateConversion) {
		t.Errorf("expected ErrDuplicateConversion, got %v", err)
	}
}

func TestMemory_NoReferenceNoDeduplication(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	if err := mem.InsertConversion(ctx, conv("c-1", "usr-a", "usr-b", "")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := mem.InsertConversion(ctx, conv("c-2", "usr-a", "usr-b", "")); err != nil {
		t.Fatalf("second referenceless insert should succeed: %v", err)
	}
}

func TestMemory_ConditionalUpdateStale(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	if err := mem.InsertConversion(ctx, conv("c-1", "usr-a", "usr-b", "bk-1")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := mem.UpdateConversionStatus(ctx, "c-1", affiliate.ConversionConfirmed, affiliate.ConversionPaid, nil)
	if !errors.Is(err, affiliate.ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus for wrong source status, got %v", err)
	}

	err = mem.UpdateConversionStatus(ctx, "c-missing", affiliate.ConversionPending, affiliate.ConversionConfirmed, nil)
	if !errors.Is(err, affiliate.ErrConversionNotFound) {
		t.Errorf("expected ErrConversionNotFound, got %v", err)
	}
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts a payout, updates a conversion,
	//         then fails
	// WHEN: WithTx returns the error
	// THEN: Neither write survives

	mem := store.NewMemory()
	ctx := context.Background()

	c := conv("c-1", "usr-a", "usr-b", "bk-1")
	c.Status = affiliate.ConversionConfirmed
	if err := mem.InsertConversion(ctx, c); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(s affiliate.Store) error {
		if err := s.InsertPayout(ctx, affiliate.Payout{
			ID:              "pay-1",
			AffiliateUserID: "usr-a",
			Status:          affiliate.PayoutPending,
			ConversionIDs:   []affiliate.ConversionID{"c-1"},
		}); err != nil {
			return err
		}
		now := time.Now()
		if err := s.UpdateConversionStatus(ctx, "c-1", affiliate.ConversionConfirmed, affiliate.ConversionPaid, &now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the inner error back, got %v", err)
	}

	p, err := mem.GetPayout(ctx, "pay-1")
	if err != nil || p != nil {
		t.Errorf("payout insert should be rolled back, got %v, %v", p, err)
	}

	got, err := mem.GetConversion(ctx, "c-1")
	if err != nil || got == nil {
		t.Fatalf("conversion should still exist: %v", err)
	}
	if got.Status != affiliate.ConversionConfirmed || got.PaidAt != nil {
		t.Errorf("conversion update should be rolled back, got status %s", got.Status)
	}
}

func TestMemory_ListActivePayoutsFiltersReleased(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	statuses := map[affiliate.PayoutID]affiliate.PayoutStatus{
		"pay-pending":    affiliate.PayoutPending,
		"pay-processing": affiliate.PayoutProcessing,
		"pay-completed":  affiliate.PayoutCompleted,
		"pay-cancelled":  affiliate.PayoutCancelled,
		"pay-failed":     affiliate.PayoutFailed,
	}
	for id, status := range statuses {
		if err := mem.InsertPayout(ctx, affiliate.Payout{
			ID: id, AffiliateUserID: "usr-a", Status: status,
		}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	active, err := mem.ListActivePayouts(ctx, "usr-a")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active payouts, got %d", len(active))
	}
	for _, p := range active {
		if !p.Status.Active() {
			t.Errorf("payout %s in status %s should not be listed", p.ID, p.Status)
		}
	}
}
