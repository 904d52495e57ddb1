/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements affiliate.TxStore using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  commission_rates: Operator-configured percentage per conversion type
  conversions:      Referral conversions with snapshotted rates
  payouts:          Batched disbursements with fixed conversion sets

IDEMPOTENCY ENFORCEMENT:
  A partial unique index over (affiliate_user_id, referred_user_id,
  conversion_type, reference_id, reference_type) rejects duplicate
  conversions at the storage layer. Rows without a reference are
  exempt (those are never deduplicated).

CONDITIONAL UPDATES:
  Status changes are written as UPDATE ... WHERE id = ? AND status = ?.
  Zero rows affected means either the row is missing or a concurrent
  request moved it first; the two cases are distinguished with a
  follow-up existence check.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := affiliate.NewEngine(store, cfg, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - affiliate/store.go: Interface definitions
  - affiliate/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/affiliate"
)

// Store implements affiliate.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Commission rates (operator configuration, read-mostly)
	CREATE TABLE IF NOT EXISTS commission_rates (
		conversion_type TEXT PRIMARY KEY,
		rate_percent TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Conversions (never deleted; status only advances)
	CREATE TABLE IF NOT EXISTS conversions (
		id TEXT PRIMARY KEY,
		affiliate_user_id TEXT NOT NULL,
		referred_user_id TEXT NOT NULL,
		conversion_type TEXT NOT NULL,
		conversion_value TEXT NOT NULL,
		commission_rate_percent TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reference_id TEXT,
		reference_type TEXT,
		affiliate_code TEXT,
		referral_source TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		paid_at TEXT
	);

	-- CRITICAL: Enforce the idempotency key at the storage layer.
	-- At most one conversion may exist for a given (affiliate,
	-- referred user, type, reference id, reference type). Conversions
	-- recorded without a reference are exempt.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversions_idempotency
		ON conversions(affiliate_user_id, referred_user_id, conversion_type, reference_id, reference_type)
		WHERE reference_id IS NOT NULL AND reference_type IS NOT NULL;

	-- Aggregation hot path: confirmed conversions per affiliate
	CREATE INDEX IF NOT EXISTS idx_conversions_affiliate_status
		ON conversions(affiliate_user_id, status);

	CREATE INDEX IF NOT EXISTS idx_conversions_created_at
		ON conversions(created_at DESC);

	-- Payouts
	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		affiliate_user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		platform_fee TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		conversion_ids_json TEXT NOT NULL,
		transaction_id TEXT,
		payment_reference TEXT,
		rejection_reason TEXT,
		notes TEXT,
		processed_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Exclusion-set hot path: active payouts per affiliate
	CREATE INDEX IF NOT EXISTS idx_payouts_affiliate_status
		ON payouts(affiliate_user_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx so the same
// statement helpers serve plain calls and transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RATE STORE (affiliate.RateStore interface)
// =============================================================================

// SaveRate upserts the rate for rate.Type.
func (s *Store) SaveRate(ctx context.Context, rate affiliate.CommissionRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRate(ctx, s.db, rate)
}

func saveRate(ctx context.Context, q querier, rate affiliate.CommissionRate) error {
	query := `
		INSERT INTO commission_rates (conversion_type, rate_percent, is_active, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversion_type) DO UPDATE SET
			rate_percent = excluded.rate_percent,
			is_active = excluded.is_active,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err := q.ExecContext(ctx, query,
		rate.Type,
		rate.RatePercent.String(),
		rate.IsActive,
		nullString(rate.Description),
		rate.CreatedAt.UTC().Format(time.RFC3339),
		rate.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save rate: %w", err)
	}
	return nil
}

// GetRate retrieves the rate configured for t, or nil.
func (s *Store) GetRate(ctx context.Context, t affiliate.ConversionType) (*affiliate.CommissionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRate(ctx, s.db, t)
}

func getRate(ctx context.Context, q querier, t affiliate.ConversionType) (*affiliate.CommissionRate, error) {
	var (
		rate                 affiliate.CommissionRate
		ratePercent          string
		description          sql.NullString
		createdAt, updatedAt string
	)

	err := q.QueryRowContext(ctx,
		"SELECT conversion_type, rate_percent, is_active, description, created_at, updated_at FROM commission_rates WHERE conversion_type = ?",
		t,
	).Scan(&rate.Type, &ratePercent, &rate.IsActive, &description, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}

	rate.RatePercent = mustDecimal(ratePercent)
	rate.Description = description.String
	rate.CreatedAt = parseTime(createdAt)
	rate.UpdatedAt = parseTime(updatedAt)
	return &rate, nil
}

// ListRates returns all configured rates ordered by type.
func (s *Store) ListRates(ctx context.Context) ([]affiliate.CommissionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRates(ctx, s.db)
}

func listRates(ctx context.Context, q querier) ([]affiliate.CommissionRate, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT conversion_type, rate_percent, is_active, description, created_at, updated_at FROM commission_rates ORDER BY conversion_type",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	defer rows.Close()

	var rates []affiliate.CommissionRate
	for rows.Next() {
		var (
			rate                 affiliate.CommissionRate
			ratePercent          string
			description          sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rate.Type, &ratePercent, &rate.IsActive, &description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		rate.RatePercent = mustDecimal(ratePercent)
		rate.Description = description.String
		rate.CreatedAt = parseTime(createdAt)
		rate.UpdatedAt = parseTime(updatedAt)
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}

// =============================================================================
// CONVERSION STORE (affiliate.ConversionStore interface)
// =============================================================================

const conversionColumns = `id, affiliate_user_id, referred_user_id, conversion_type, conversion_value,
	commission_rate_percent, commission_amount, status, reference_id, reference_type,
	affiliate_code, referral_source, metadata_json, created_at, paid_at`

// InsertConversion persists a new conversion.
func (s *Store) InsertConversion(ctx context.Context, c affiliate.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertConversion(ctx, s.db, c)
}

func insertConversion(ctx context.Context, q querier, c affiliate.Conversion) error {
	metadataJSON, _ := json.Marshal(c.Metadata)

	query := `
		INSERT INTO conversions
		(` + conversionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		c.ID,
		c.AffiliateUserID,
		c.ReferredUserID,
		c.Type,
		c.Value.String(),
		c.RatePercent.String(),
		c.CommissionAmount.String(),
		c.Status,
		nullString(c.ReferenceID),
		nullString(c.ReferenceType),
		nullString(c.AffiliateCode),
		nullString(c.ReferralSource),
		string(metadataJSON),
		c.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(c.PaidAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return affiliate.ErrDuplicateConversion
		}
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// GetConversion retrieves a conversion by id, or nil.
func (s *Store) GetConversion(ctx context.Context, id affiliate.ConversionID) (*affiliate.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getConversion(ctx, s.db, id)
}

func getConversion(ctx context.Context, q querier, id affiliate.ConversionID) (*affiliate.Conversion, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+conversionColumns+" FROM conversions WHERE id = ?", id)

	c, err := scanConversionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindConversionByKey looks up the conversion matching the full
// idempotency key, or nil.
func (s *Store) FindConversionByKey(ctx context.Context, key affiliate.IdempotencyKey) (*affiliate.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findConversionByKey(ctx, s.db, key)
}

func findConversionByKey(ctx context.Context, q querier, key affiliate.IdempotencyKey) (*affiliate.Conversion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE affiliate_user_id = ? AND referred_user_id = ?
		  AND conversion_type = ? AND reference_id = ? AND reference_type = ?`,
		key.AffiliateUserID, key.ReferredUserID, key.Type, key.ReferenceID, key.ReferenceType)

	c, err := scanConversionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversionsByAffiliate returns all conversions for an affiliate, newest first.
func (s *Store) ListConversionsByAffiliate(ctx context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryConversions(ctx, s.db,
		"SELECT "+conversionColumns+" FROM conversions WHERE affiliate_user_id = ? ORDER BY created_at DESC, id DESC", aff)
}

// ListConfirmedConversions returns the affiliate's confirmed conversions.
func (s *Store) ListConfirmedConversions(ctx context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listConfirmedConversions(ctx, s.db, aff)
}

func listConfirmedConversions(ctx context.Context, q querier, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	return queryConversions(ctx, q,
		"SELECT "+conversionColumns+" FROM conversions WHERE affiliate_user_id = ? AND status = ? ORDER BY created_at DESC, id DESC",
		aff, affiliate.ConversionConfirmed)
}

// UpdateConversionStatus conditionally advances a conversion's status.
func (s *Store) UpdateConversionStatus(ctx context.Context, id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateConversionStatus(ctx, s.db, id, from, to, paidAt)
}

func updateConversionStatus(ctx context.Context, q querier, id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE conversions SET status = ?, paid_at = COALESCE(?, paid_at) WHERE id = ? AND status = ?",
		to, nullTime(paidAt), id, from)
	if err != nil {
		return fmt.Errorf("failed to update conversion status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Missing row or lost race; tell them apart.
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversions WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check conversion existence: %w", err)
		}
		if exists == 0 {
			return affiliate.ErrConversionNotFound
		}
		return affiliate.ErrStaleStatus
	}
	return nil
}

func queryConversions(ctx context.Context, q querier, query string, args ...any) ([]affiliate.Conversion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var conversions []affiliate.Conversion
	for rows.Next() {
		c, err := scanConversionRow(rows)
		if err != nil {
			return nil, err
		}
		conversions = append(conversions, *c)
	}
	return conversions, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversionRow(row rowScanner) (*affiliate.Conversion, error) {
	var (
		c              affiliate.Conversion
		value          string
		ratePercent    string
		commission     string
		referenceID    sql.NullString
		referenceType  sql.NullString
		affiliateCode  sql.NullString
		referralSource sql.NullString
		metadataJSON   sql.NullString
		createdAt      string
		paidAt         sql.NullString
	)

	err := row.Scan(
		&c.ID, &c.AffiliateUserID, &c.ReferredUserID, &c.Type,
		&value, &ratePercent, &commission, &c.Status,
		&referenceID, &referenceType, &affiliateCode, &referralSource,
		&metadataJSON, &createdAt, &paidAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversion: %w", err)
	}

	c.Value = mustDecimal(value)
	c.RatePercent = mustDecimal(ratePercent)
	c.CommissionAmount = mustDecimal(commission)
	c.ReferenceID = referenceID.String
	c.ReferenceType = referenceType.String
	c.AffiliateCode = affiliateCode.String
	c.ReferralSource = referralSource.String
	c.CreatedAt = parseTime(createdAt)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		c.PaidAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		json.Unmarshal([]byte(metadataJSON.String), &c.Metadata)
	}

	return &c, nil
}

// =============================================================================
// PAYOUT STORE (affiliate.PayoutStore interface)
// =============================================================================

const payoutColumns = `id, affiliate_user_id, amount, platform_fee, net_amount, status,
	conversion_ids_json, transaction_id, payment_reference, rejection_reason, notes,
	processed_at, completed_at, created_at`

// InsertPayout persists a new payout.
func (s *Store) InsertPayout(ctx context.Context, p affiliate.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayout(ctx, s.db, p)
}

func insertPayout(ctx context.Context, q querier, p affiliate.Payout) error {
	idsJSON, _ := json.Marshal(p.ConversionIDs)

	query := `
		INSERT INTO payouts
		(` + payoutColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		p.ID,
		p.AffiliateUserID,
		p.Amount.String(),
		p.PlatformFee.String(),
		p.NetAmount.String(),
		p.Status,
		string(idsJSON),
		nullString(p.TransactionID),
		nullString(p.PaymentReference),
		nullString(p.RejectionReason),
		nullString(p.Notes),
		nullTime(p.ProcessedAt),
		nullTime(p.CompletedAt),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

// GetPayout retrieves a payout by id, or nil.
func (s *Store) GetPayout(ctx context.Context, id affiliate.PayoutID) (*affiliate.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayout(ctx, s.db, id)
}

func getPayout(ctx context.Context, q querier, id affiliate.PayoutID) (*affiliate.Payout, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE id = ?", id)

	p, err := scanPayoutRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPayoutsByAffiliate returns all payouts for an affiliate, newest first.
func (s *Store) ListPayoutsByAffiliate(ctx context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPayouts(ctx, s.db,
		"SELECT "+payoutColumns+" FROM payouts WHERE affiliate_user_id = ? ORDER BY created_at DESC, id DESC", aff)
}

// ListActivePayouts returns the affiliate's payouts whose status holds
// conversions out of the unpaid pool.
func (s *Store) ListActivePayouts(ctx context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActivePayouts(ctx, s.db, aff)
}

func listActivePayouts(ctx context.Context, q querier, aff affiliate.UserID) ([]affiliate.Payout, error) {
	return queryPayouts(ctx, q, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE affiliate_user_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC, id DESC`,
		aff, affiliate.PayoutPending, affiliate.PayoutProcessing, affiliate.PayoutCompleted)
}

// UpdatePayoutStatus applies upd if and only if the payout is
// currently in status from (compare-and-set).
func (s *Store) UpdatePayoutStatus(ctx context.Context, id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayoutStatus(ctx, s.db, id, from, upd)
}

func updatePayoutStatus(ctx context.Context, q querier, id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payouts SET
			status = ?,
			processed_at = COALESCE(?, processed_at),
			completed_at = COALESCE(?, completed_at),
			rejection_reason = COALESCE(?, rejection_reason),
			transaction_id = COALESCE(?, transaction_id),
			payment_reference = COALESCE(?, payment_reference),
			notes = COALESCE(?, notes)
		WHERE id = ? AND status = ?`,
		upd.Status,
		nullTime(upd.ProcessedAt),
		nullTime(upd.CompletedAt),
		nullStringPtr(upd.RejectionReason),
		nullStringPtr(upd.TransactionID),
		nullStringPtr(upd.PaymentReference),
		nullStringPtr(upd.Notes),
		id, from)
	if err != nil {
		return fmt.Errorf("failed to update payout status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM payouts WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check payout existence: %w", err)
		}
		if exists == 0 {
			return affiliate.ErrPayoutNotFound
		}
		return affiliate.ErrStaleStatus
	}
	return nil
}

func queryPayouts(ctx context.Context, q querier, query string, args ...any) ([]affiliate.Payout, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []affiliate.Payout
	for rows.Next() {
		p, err := scanPayoutRow(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func scanPayoutRow(row rowScanner) (*affiliate.Payout, error) {
	var (
		p                affiliate.Payout
		amount           string
		platformFee      string
		netAmount        string
		idsJSON          string
		transactionID    sql.NullString
		paymentReference sql.NullString
		rejectionReason  sql.NullString
		notes            sql.NullString
		processedAt      sql.NullString
		completedAt      sql.NullString
		createdAt        string
	)

	err := row.Scan(
		&p.ID, &p.AffiliateUserID, &amount, &platformFee, &netAmount, &p.Status,
		&idsJSON, &transactionID, &paymentReference, &rejectionReason, &notes,
		&processedAt, &completedAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout: %w", err)
	}

	p.Amount = mustDecimal(amount)
	p.PlatformFee = mustDecimal(platformFee)
	p.NetAmount = mustDecimal(netAmount)
	json.Unmarshal([]byte(idsJSON), &p.ConversionIDs)
	p.TransactionID = transactionID.String
	p.PaymentReference = paymentReference.String
	p.RejectionReason = rejectionReason.String
	p.Notes = notes.String
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		p.ProcessedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		p.CompletedAt = &t
	}
	p.CreatedAt = parseTime(createdAt)

	return &p, nil
}

// =============================================================================
// TRANSACTIONAL STORE (affiliate.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store affiliate.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every operation through the transaction. The parent's
// mutex is already held by WithTx, so no re-locking here.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveRate(ctx context.Context, rate affiliate.CommissionRate) error {
	return saveRate(ctx, ts.tx, rate)
}

func (ts *txStore) GetRate(ctx context.Context, t affiliate.ConversionType) (*affiliate.CommissionRate, error) {
	return getRate(ctx, ts.tx, t)
}

func (ts *txStore) ListRates(ctx context.Context) ([]affiliate.CommissionRate, error) {
	return listRates(ctx, ts.tx)
}

func (ts *txStore) InsertConversion(ctx context.Context, c affiliate.Conversion) error {
	return insertConversion(ctx, ts.tx, c)
}

func (ts *txStore) GetConversion(ctx context.Context, id affiliate.ConversionID) (*affiliate.Conversion, error) {
	return getConversion(ctx, ts.tx, id)
}

func (ts *txStore) FindConversionByKey(ctx context.Context, key affiliate.IdempotencyKey) (*affiliate.Conversion, error) {
	return findConversionByKey(ctx, ts.tx, key)
}

func (ts *txStore) ListConversionsByAffiliate(ctx context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	return queryConversions(ctx, ts.tx,
		"SELECT "+conversionColumns+" FROM conversions WHERE affiliate_user_id = ? ORDER BY created_at DESC, id DESC", aff)
}

func (ts *txStore) ListConfirmedConversions(ctx context.Context, aff affiliate.UserID) ([]affiliate.Conversion, error) {
	return listConfirmedConversions(ctx, ts.tx, aff)
}

func (ts *txStore) UpdateConversionStatus(ctx context.Context, id affiliate.ConversionID, from, to affiliate.ConversionStatus, paidAt *time.Time) error {
	return updateConversionStatus(ctx, ts.tx, id, from, to, paidAt)
}

func (ts *txStore) InsertPayout(ctx context.Context, p affiliate.Payout) error {
	return insertPayout(ctx, ts.tx, p)
}

func (ts *txStore) GetPayout(ctx context.Context, id affiliate.PayoutID) (*affiliate.Payout, error) {
	return getPayout(ctx, ts.tx, id)
}

func (ts *txStore) ListPayoutsByAffiliate(ctx context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	return queryPayouts(ctx, ts.tx,
		"SELECT "+payoutColumns+" FROM payouts WHERE affiliate_user_id = ? ORDER BY created_at DESC, id DESC", aff)
}

func (ts *txStore) ListActivePayouts(ctx context.Context, aff affiliate.UserID) ([]affiliate.Payout, error) {
	return listActivePayouts(ctx, ts.tx, aff)
}

func (ts *txStore) UpdatePayoutStatus(ctx context.Context, id affiliate.PayoutID, from affiliate.PayoutStatus, upd affiliate.PayoutUpdate) error {
	return updatePayoutStatus(ctx, ts.tx, id, from, upd)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
