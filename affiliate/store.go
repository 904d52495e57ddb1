/*
store.go - Persistence interface for rates, conversions, and payouts

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  RateStore:       Commission rate configuration
  ConversionStore: Conversion rows and conditional status updates
  PayoutStore:     Payout rows and compare-and-set transitions
  Store:           Union of the three
  TxStore:         Store plus atomic multi-write transactions

IDEMPOTENCY:
  InsertConversion must fail with ErrDuplicateConversion when a row
  with the same idempotency key (affiliate, referred user, type,
  reference id, reference type) already exists, so uniqueness holds at
  the storage layer even when two recorders race. Conversions without
  a reference are exempt.

CONDITIONAL UPDATES:
  Status changes are compare-and-set: the write names the expected
  source status and fails with ErrStaleStatus when the row has moved.
  This is the guard against two concurrent approve/reject calls both
  succeeding.

ATOMIC TRANSACTIONS:
  WithTx ensures all-or-nothing semantics. Completing a payout writes
  the payout row and every covered conversion in one unit; a partial
  failure rolls everything back.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (PostgreSQL-portable SQL)
  - affiliate/store/memory.go: In-memory for testing

SEE ALSO:
  - recorder.go, payout.go: Primary consumers
*/
package affiliate

import (
	"context"
	"time"
)

// =============================================================================
// RATE STORE
// =============================================================================

// RateStore persists commission rate configuration.
type RateStore interface {
	// SaveRate inserts or updates the rate for rate.Type.
	SaveRate(ctx context.Context, rate CommissionRate) error

	// GetRate returns the rate configured for t, or nil when none is.
	GetRate(ctx context.Context, t ConversionType) (*CommissionRate, error)

	// ListRates returns all configured rates ordered by type.
	ListRates(ctx context.Context) ([]CommissionRate, error)
}

// =============================================================================
// CONVERSION STORE
// =============================================================================

// ConversionStore persists conversions. Rows are never deleted;
// status only ever advances pending -> confirmed -> paid.
type ConversionStore interface {
	// InsertConversion persists a new conversion. Returns
	// ErrDuplicateConversion when the idempotency key is taken.
	InsertConversion(ctx context.Context, c Conversion) error

	// GetConversion returns the conversion, or nil when absent.
	GetConversion(ctx context.Context, id ConversionID) (*Conversion, error)

	// FindConversionByKey looks up the conversion matching the full
	// idempotency key, or nil when none exists.
	FindConversionByKey(ctx context.Context, key IdempotencyKey) (*Conversion, error)

	// ListConversionsByAffiliate returns every conversion credited to
	// the affiliate, newest first.
	ListConversionsByAffiliate(ctx context.Context, affiliate UserID) ([]Conversion, error)

	// ListConfirmedConversions returns the affiliate's conversions in
	// status confirmed.
	ListConfirmedConversions(ctx context.Context, affiliate UserID) ([]Conversion, error)

	// UpdateConversionStatus moves a conversion from the expected
	// source status to the new one, setting paidAt when non-nil.
	// Returns ErrConversionNotFound when the row is absent and
	// ErrStaleStatus when its status no longer matches from.
	UpdateConversionStatus(ctx context.Context, id ConversionID, from, to ConversionStatus, paidAt *time.Time) error
}

// =============================================================================
// PAYOUT STORE
// =============================================================================

// PayoutUpdate carries the fields written alongside a status change.
// Nil pointers leave the column untouched.
type PayoutUpdate struct {
	Status           PayoutStatus
	ProcessedAt      *time.Time
	CompletedAt      *time.Time
	RejectionReason  *string
	TransactionID    *string
	PaymentReference *string
	Notes            *string
}

// PayoutStore persists payouts.
type PayoutStore interface {
	// InsertPayout persists a new payout in status pending.
	InsertPayout(ctx context.Context, p Payout) error

	// GetPayout returns the payout, or nil when absent.
	GetPayout(ctx context.Context, id PayoutID) (*Payout, error)

	// ListPayoutsByAffiliate returns every payout for the affiliate,
	// newest first.
	ListPayoutsByAffiliate(ctx context.Context, affiliate UserID) ([]Payout, error)

	// ListActivePayouts returns the affiliate's payouts whose status
	// holds conversions out of the unpaid pool (pending, processing,
	// completed).
	ListActivePayouts(ctx context.Context, affiliate UserID) ([]Payout, error)

	// UpdatePayoutStatus applies upd if and only if the payout is
	// currently in status from. Returns ErrPayoutNotFound when the
	// row is absent and ErrStaleStatus when the compare fails.
	UpdatePayoutStatus(ctx context.Context, id PayoutID, from PayoutStatus, upd PayoutUpdate) error
}

// =============================================================================
// STORE - Everything the engine needs
// =============================================================================

type Store interface {
	RateStore
	ConversionStore
	PayoutStore
}

// TxStore wraps Store with transaction support.
// Use this when a unit of work spans multiple writes (payout creation
// snapshots, payout completion).
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through its Store argument
	// is rolled back. If fn returns nil, all are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
