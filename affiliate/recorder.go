/*
recorder.go - Idempotent conversion recording

PURPOSE:
  Records referral conversions exactly once and computes their
  commission. Retrying a record call with the same idempotency key
  returns the original row instead of creating a duplicate.

RECORDING FLOW:
  1. Validate input (required ids, known type, non-negative value,
     no self-referral) before touching the store
  2. If a reference is supplied, look up the idempotency key; a hit
     returns the existing conversion unchanged
  3. Resolve the current rate and snapshot it onto the conversion
  4. Insert; a duplicate-key race on insert re-fetches and returns
     the winner's row

NO SIDE EFFECTS:
  Recording writes a single row. No commission is paid here; payouts
  happen later through the payout manager.

SEE ALSO:
  - rates.go: Rate resolution
  - aggregate.go: Where recorded commission becomes payable
*/
package affiliate

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordConversionInput is the validated request to record a conversion.
type RecordConversionInput struct {
	AffiliateUserID UserID
	ReferredUserID  UserID
	Type            ConversionType
	Value           decimal.Decimal

	// Optional idempotency reference. When both are set, retries with
	// the same key return the original conversion.
	ReferenceID   string
	ReferenceType string

	// Opaque attribution context.
	AffiliateCode  string
	ReferralSource string
	Metadata       map[string]string
}

func (in RecordConversionInput) validate() error {
	if in.AffiliateUserID == "" {
		return &InvalidArgumentError{Field: "affiliateUserId", Reason: "required"}
	}
	if in.ReferredUserID == "" {
		return &InvalidArgumentError{Field: "referredUserId", Reason: "required"}
	}
	if in.AffiliateUserID == in.ReferredUserID {
		return ErrSelfReferral
	}
	if !in.Type.Valid() {
		return &InvalidArgumentError{Field: "conversionType", Reason: ErrUnknownConversionType.Error()}
	}
	if in.Value.IsNegative() {
		return &InvalidArgumentError{Field: "conversionValue", Reason: "must not be negative"}
	}
	return nil
}

func (in RecordConversionInput) key() (IdempotencyKey, bool) {
	if in.ReferenceID == "" || in.ReferenceType == "" {
		return IdempotencyKey{}, false
	}
	return IdempotencyKey{
		AffiliateUserID: in.AffiliateUserID,
		ReferredUserID:  in.ReferredUserID,
		Type:            in.Type,
		ReferenceID:     in.ReferenceID,
		ReferenceType:   in.ReferenceType,
	}, true
}

// Recorder records conversions and promotes them through settlement.
type Recorder struct {
	store Store
	rates *RateResolver
	log   *zap.Logger
	clock Clock
	ids   *IDGenerator
}

// NewRecorder creates a recorder over store, resolving rates via rates.
func NewRecorder(store Store, rates *RateResolver, log *zap.Logger, clock Clock, ids *IDGenerator) *Recorder {
	return &Recorder{store: store, rates: rates, log: log, clock: clock, ids: ids}
}

// Record records a conversion. Safe to retry: when the idempotency key
// already exists, the existing conversion is returned with
// wasExisting=true and nothing is written.
func (r *Recorder) Record(ctx context.Context, in RecordConversionInput) (Conversion, bool, error) {
	if err := in.validate(); err != nil {
		return Conversion{}, false, err
	}

	key, hasKey := in.key()
	if hasKey {
		existing, err := r.store.FindConversionByKey(ctx, key)
		if err != nil {
			return Conversion{}, false, &TransientError{Op: "idempotency lookup", Err: err}
		}
		if existing != nil {
			return *existing, true, nil
		}
	}

	ratePercent, err := r.rates.Resolve(ctx, in.Type)
	if err != nil {
		return Conversion{}, false, err
	}

	conv := Conversion{
		ID:               r.ids.NewConversionID(),
		AffiliateUserID:  in.AffiliateUserID,
		ReferredUserID:   in.ReferredUserID,
		Type:             in.Type,
		Value:            in.Value,
		RatePercent:      ratePercent,
		CommissionAmount: CommissionFor(in.Value, ratePercent),
		Status:           ConversionPending,
		ReferenceID:      in.ReferenceID,
		ReferenceType:    in.ReferenceType,
		AffiliateCode:    in.AffiliateCode,
		ReferralSource:   in.ReferralSource,
		Metadata:         in.Metadata,
		CreatedAt:        r.clock.Now(),
	}

	err = r.store.InsertConversion(ctx, conv)
	if errors.Is(err, ErrDuplicateConversion) && hasKey {
		// Lost an insert race; the storage-level unique index kept the
		// key unique. Return the winner's row.
		existing, ferr := r.store.FindConversionByKey(ctx, key)
		if ferr != nil || existing == nil {
			return Conversion{}, false, &TransientError{Op: "re-fetch after duplicate insert", Err: ferr}
		}
		return *existing, true, nil
	}
	if err != nil {
		return Conversion{}, false, &TransientError{Op: "insert conversion", Err: err}
	}

	r.log.Info("conversion recorded",
		zap.String("conversion_id", string(conv.ID)),
		zap.String("affiliate_user_id", string(conv.AffiliateUserID)),
		zap.String("conversion_type", string(conv.Type)),
		zap.String("commission_amount", conv.CommissionAmount.String()))

	return conv, false, nil
}

// Confirm promotes a conversion from pending to confirmed, making it
// eligible for payout. The settlement signal that triggers this call
// lives outside the engine.
func (r *Recorder) Confirm(ctx context.Context, id ConversionID) (Conversion, error) {
	err := r.store.UpdateConversionStatus(ctx, id, ConversionPending, ConversionConfirmed, nil)
	if errors.Is(err, ErrStaleStatus) {
		// Already confirmed or paid. Surface as a conflict with the
		// actual status so the caller can re-read and decide.
		conv, gerr := r.store.GetConversion(ctx, id)
		if gerr == nil && conv != nil {
			return Conversion{}, fmt.Errorf("cannot confirm conversion %s in status %q: %w",
				id, conv.Status, ErrInvalidStateTransition)
		}
		return Conversion{}, err
	}
	if err != nil {
		if errors.Is(err, ErrConversionNotFound) {
			return Conversion{}, err
		}
		return Conversion{}, &TransientError{Op: "confirm conversion", Err: err}
	}

	conv, err := r.store.GetConversion(ctx, id)
	if err != nil || conv == nil {
		return Conversion{}, &TransientError{Op: "read confirmed conversion", Err: err}
	}
	return *conv, nil
}

// Get returns a conversion by id.
func (r *Recorder) Get(ctx context.Context, id ConversionID) (Conversion, error) {
	conv, err := r.store.GetConversion(ctx, id)
	if err != nil {
		return Conversion{}, &TransientError{Op: "get conversion", Err: err}
	}
	if conv == nil {
		return Conversion{}, ErrConversionNotFound
	}
	return *conv, nil
}

// ListByAffiliate returns every conversion credited to the affiliate.
func (r *Recorder) ListByAffiliate(ctx context.Context, affiliate UserID) ([]Conversion, error) {
	if affiliate == "" {
		return nil, &InvalidArgumentError{Field: "affiliateUserId", Reason: "required"}
	}
	convs, err := r.store.ListConversionsByAffiliate(ctx, affiliate)
	if err != nil {
		return nil, &TransientError{Op: "list conversions", Err: err}
	}
	return convs, nil
}
