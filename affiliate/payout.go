/*
payout.go - Payout lifecycle state machine

PURPOSE:
  Creates payouts from a snapshot of unpaid confirmed conversions and
  advances them through a fixed state machine:

    (create) -> pending
    pending -> processing            approve
    pending|processing -> cancelled  reject (reason required)
    processing -> completed          complete
    processing -> failed             fail

  completed, cancelled, and failed are terminal.

DOUBLE-PAY PROTECTION:
  Every transition is a compare-and-set on the expected source status.
  Two concurrent approvals cannot both succeed: the loser's conditional
  write matches zero rows and surfaces as a conflict.

COMPLETION ATOMICITY:
  Completing a payout and marking its conversions paid is one
  transaction. If any conversion update fails, the whole unit rolls
  back and the payout stays in processing; the caller sees a retryable
  error, never a completed payout with unpaid conversions.

SEE ALSO:
  - aggregate.go: Supplies the unpaid snapshot at creation
  - store.go: Conditional update and WithTx contracts
*/
package affiliate

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// TransitionDetails carries the optional fields written alongside a
// payout transition.
type TransitionDetails struct {
	RejectionReason  string
	TransactionID    string
	PaymentReference string
	Notes            string
}

// PayoutManager drives payouts through their lifecycle.
type PayoutManager struct {
	store TxStore
	agg   *Aggregator
	log   *zap.Logger
	clock Clock
	ids   *IDGenerator
}

// NewPayoutManager creates a manager over store, snapshotting unpaid
// commission via agg.
func NewPayoutManager(store TxStore, agg *Aggregator, log *zap.Logger, clock Clock, ids *IDGenerator) *PayoutManager {
	return &PayoutManager{store: store, agg: agg, log: log, clock: clock, ids: ids}
}

// Create opens a payout in status pending covering every currently
// unpaid confirmed conversion for the affiliate. Amount, fee, and net
// are fixed here and never recomputed. Snapshot and insert run in one
// transaction so two concurrent creates cannot cover the same
// conversion twice.
func (m *PayoutManager) Create(ctx context.Context, affiliate UserID) (Payout, error) {
	if affiliate == "" {
		return Payout{}, &InvalidArgumentError{Field: "affiliateUserId", Reason: "required"}
	}

	var payout Payout
	err := m.store.WithTx(ctx, func(s Store) error {
		unpaid, err := m.agg.unpaidConfirmed(ctx, s, affiliate)
		if err != nil {
			return err
		}
		if len(unpaid) == 0 {
			return ErrNoPendingCommission
		}

		total := unpaid[0].CommissionAmount
		ids := []ConversionID{unpaid[0].ID}
		for _, c := range unpaid[1:] {
			total = total.Add(c.CommissionAmount)
			ids = append(ids, c.ID)
		}
		if !total.IsPositive() {
			return ErrNoPendingCommission
		}

		fee := FeeFor(total, m.agg.feePercent)
		payout = Payout{
			ID:              m.ids.NewPayoutID(),
			AffiliateUserID: affiliate,
			Amount:          total,
			PlatformFee:     fee,
			NetAmount:       total.Sub(fee),
			Status:          PayoutPending,
			ConversionIDs:   ids,
			CreatedAt:       m.clock.Now(),
		}
		return s.InsertPayout(ctx, payout)
	})
	if err != nil {
		if IsInvalidArgument(err) || IsRetryable(err) {
			return Payout{}, err
		}
		return Payout{}, &TransientError{Op: "create payout", Err: err}
	}

	m.log.Info("payout created",
		zap.String("payout_id", string(payout.ID)),
		zap.String("affiliate_user_id", string(affiliate)),
		zap.String("amount", payout.Amount.String()),
		zap.Int("conversions", len(payout.ConversionIDs)))

	return payout, nil
}

// Transition applies action to the payout. The status check and write
// are a single conditional update; a concurrent transition that wins
// the race surfaces here as a conflict, never as a silent double
// application.
func (m *PayoutManager) Transition(ctx context.Context, id PayoutID, action PayoutAction, details TransitionDetails) (Payout, error) {
	if !action.Valid() {
		return Payout{}, &InvalidArgumentError{Field: "action", Reason: "must be approve, reject, complete, or fail"}
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return Payout{}, err
	}

	switch action {
	case ActionApprove:
		err = m.approve(ctx, current, details)
	case ActionReject:
		err = m.reject(ctx, current, details)
	case ActionComplete:
		err = m.complete(ctx, current, details)
	case ActionFail:
		err = m.fail(ctx, current, details)
	}
	if err != nil {
		return Payout{}, err
	}

	m.log.Info("payout transitioned",
		zap.String("payout_id", string(id)),
		zap.String("action", string(action)))

	return m.Get(ctx, id)
}

func (m *PayoutManager) approve(ctx context.Context, p Payout, details TransitionDetails) error {
	if p.Status != PayoutPending {
		return &StateTransitionError{PayoutID: p.ID, Action: ActionApprove, Status: p.Status}
	}
	now := m.clock.Now()
	upd := PayoutUpdate{Status: PayoutProcessing, ProcessedAt: &now}
	if details.Notes != "" {
		upd.Notes = &details.Notes
	}
	return m.casUpdate(ctx, p.ID, ActionApprove, PayoutPending, upd)
}

func (m *PayoutManager) reject(ctx context.Context, p Payout, details TransitionDetails) error {
	if p.Status != PayoutPending && p.Status != PayoutProcessing {
		return &StateTransitionError{PayoutID: p.ID, Action: ActionReject, Status: p.Status}
	}
	if details.RejectionReason == "" {
		return &InvalidArgumentError{Field: "rejectionReason", Reason: "required to reject a payout"}
	}
	// No conversion rows change: cancelled payouts stop excluding
	// their conversions purely by status, so rejection is free.
	upd := PayoutUpdate{Status: PayoutCancelled, RejectionReason: &details.RejectionReason}
	if details.Notes != "" {
		upd.Notes = &details.Notes
	}
	return m.casUpdate(ctx, p.ID, ActionReject, p.Status, upd)
}

func (m *PayoutManager) fail(ctx context.Context, p Payout, details TransitionDetails) error {
	if p.Status != PayoutProcessing {
		return &StateTransitionError{PayoutID: p.ID, Action: ActionFail, Status: p.Status}
	}
	upd := PayoutUpdate{Status: PayoutFailed}
	if details.RejectionReason != "" {
		upd.RejectionReason = &details.RejectionReason
	}
	if details.Notes != "" {
		upd.Notes = &details.Notes
	}
	return m.casUpdate(ctx, p.ID, ActionFail, PayoutProcessing, upd)
}

// complete marks the payout completed and every covered conversion
// paid in a single transaction.
func (m *PayoutManager) complete(ctx context.Context, p Payout, details TransitionDetails) error {
	if p.Status != PayoutProcessing {
		return &StateTransitionError{PayoutID: p.ID, Action: ActionComplete, Status: p.Status}
	}

	now := m.clock.Now()
	var payoutRaced bool
	err := m.store.WithTx(ctx, func(s Store) error {
		upd := PayoutUpdate{Status: PayoutCompleted, CompletedAt: &now}
		if details.TransactionID != "" {
			upd.TransactionID = &details.TransactionID
		}
		if details.PaymentReference != "" {
			upd.PaymentReference = &details.PaymentReference
		}
		if details.Notes != "" {
			upd.Notes = &details.Notes
		}
		if err := s.UpdatePayoutStatus(ctx, p.ID, PayoutProcessing, upd); err != nil {
			payoutRaced = errors.Is(err, ErrStaleStatus)
			return err
		}
		for _, cid := range p.ConversionIDs {
			if err := s.UpdateConversionStatus(ctx, cid, ConversionConfirmed, ConversionPaid, &now); err != nil {
				return err
			}
		}
		return nil
	})
	if payoutRaced {
		return &StateTransitionError{PayoutID: p.ID, Action: ActionComplete, Status: p.Status}
	}
	if err != nil {
		// Rolled back wholesale: the payout is still processing and no
		// conversion was marked paid. Safe to retry after re-reading.
		return &TransientError{Op: "complete payout", Err: err}
	}
	return nil
}

func (m *PayoutManager) casUpdate(ctx context.Context, id PayoutID, action PayoutAction, from PayoutStatus, upd PayoutUpdate) error {
	err := m.store.UpdatePayoutStatus(ctx, id, from, upd)
	if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrPayoutNotFound) {
		return err
	}
	if err != nil {
		return &TransientError{Op: string(action) + " payout", Err: err}
	}
	return nil
}

// Get returns a payout by id.
func (m *PayoutManager) Get(ctx context.Context, id PayoutID) (Payout, error) {
	p, err := m.store.GetPayout(ctx, id)
	if err != nil {
		return Payout{}, &TransientError{Op: "get payout", Err: err}
	}
	if p == nil {
		return Payout{}, ErrPayoutNotFound
	}
	return *p, nil
}

// ListByAffiliate returns every payout for the affiliate.
func (m *PayoutManager) ListByAffiliate(ctx context.Context, affiliate UserID) ([]Payout, error) {
	if affiliate == "" {
		return nil, &InvalidArgumentError{Field: "affiliateUserId", Reason: "required"}
	}
	payouts, err := m.store.ListPayoutsByAffiliate(ctx, affiliate)
	if err != nil {
		return nil, &TransientError{Op: "list payouts", Err: err}
	}
	return payouts, nil
}
