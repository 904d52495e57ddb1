/*
rates.go - Commission rate resolution with an invalidating cache

PURPOSE:
  Resolves the applicable commission percentage for a conversion type.
  Rates are read-mostly operator configuration, so reads go through a
  short-TTL process-local cache; every write invalidates the cache
  synchronously before the write returns.

STALENESS CONTRACT:
  A write followed by a read on the same process is guaranteed fresh.
  Other processes' caches converge within the TTL window. Bounded
  staleness is acceptable for rate changes; it is never acceptable for
  payout state, which is always read fresh elsewhere.

MISSING CONFIGURATION:
  Resolve never blocks commission calculation on a missing or inactive
  rate: it returns 0 and logs a warning so the gap is visible.

SEE ALSO:
  - recorder.go: Snapshots the resolved rate onto each conversion
  - store.go: RateStore interface
*/
package affiliate

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultRateCacheTTL bounds how long a resolved rate may be served
// without re-reading the store.
const DefaultRateCacheTTL = 30 * time.Second

type cachedRate struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// RateResolver resolves active commission rates with a read-through
// TTL cache. Construct one per process; the cache is not shared.
type RateResolver struct {
	store RateStore
	log   *zap.Logger
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[ConversionType]cachedRate
}

// NewRateResolver creates a resolver over store with the given cache TTL.
// A zero ttl falls back to DefaultRateCacheTTL.
func NewRateResolver(store RateStore, log *zap.Logger, clock Clock, ttl time.Duration) *RateResolver {
	if ttl <= 0 {
		ttl = DefaultRateCacheTTL
	}
	return &RateResolver{
		store: store,
		log:   log,
		clock: clock,
		ttl:   ttl,
		cache: make(map[ConversionType]cachedRate),
	}
}

// Resolve returns the active rate percent for t. A missing or inactive
// rate resolves to 0 with a warning, never an error, so commission
// calculation cannot block on configuration gaps.
func (r *RateResolver) Resolve(ctx context.Context, t ConversionType) (decimal.Decimal, error) {
	if !t.Valid() {
		return decimal.Zero, &InvalidArgumentError{Field: "conversionType", Reason: ErrUnknownConversionType.Error()}
	}

	now := r.clock.Now()

	r.mu.RLock()
	entry, ok := r.cache[t]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.rate, nil
	}

	rate, err := r.store.GetRate(ctx, t)
	if err != nil {
		return decimal.Zero, &TransientError{Op: "resolve rate", Err: err}
	}

	resolved := decimal.Zero
	if rate != nil && rate.IsActive {
		resolved = rate.RatePercent
	} else {
		r.log.Warn("no active commission rate configured, defaulting to 0",
			zap.String("conversion_type", string(t)))
	}

	r.mu.Lock()
	r.cache[t] = cachedRate{rate: resolved, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return resolved, nil
}

// Invalidate clears the cache. Called synchronously by every rate
// writer before the write's response is returned.
func (r *RateResolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[ConversionType]cachedRate)
	r.mu.Unlock()
}

// =============================================================================
// OPERATOR SURFACE
// =============================================================================

// SaveRateInput is the operator request to configure a rate.
type SaveRateInput struct {
	Type        ConversionType
	RatePercent decimal.Decimal
	IsActive    bool
	Description string
}

// SaveRate validates and upserts a commission rate, then invalidates
// the cache so the next Resolve on this process sees the new value.
func (r *RateResolver) SaveRate(ctx context.Context, in SaveRateInput) (CommissionRate, error) {
	if !in.Type.Valid() {
		return CommissionRate{}, &InvalidArgumentError{Field: "conversionType", Reason: ErrUnknownConversionType.Error()}
	}
	if in.RatePercent.IsNegative() || in.RatePercent.GreaterThan(oneHundred) {
		return CommissionRate{}, &InvalidArgumentError{Field: "ratePercent", Reason: "must be between 0 and 100"}
	}

	now := r.clock.Now()
	rate := CommissionRate{
		Type:        in.Type,
		RatePercent: in.RatePercent,
		IsActive:    in.IsActive,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.SaveRate(ctx, rate); err != nil {
		return CommissionRate{}, &TransientError{Op: "save rate", Err: err}
	}

	// Invalidate before returning: a read on this process immediately
	// after the write must be fresh.
	r.Invalidate()

	r.log.Info("commission rate saved",
		zap.String("conversion_type", string(in.Type)),
		zap.String("rate_percent", in.RatePercent.String()),
		zap.Bool("is_active", in.IsActive))

	return rate, nil
}

// GetRate returns the configured rate for t, bypassing the cache.
func (r *RateResolver) GetRate(ctx context.Context, t ConversionType) (CommissionRate, error) {
	if !t.Valid() {
		return CommissionRate{}, &InvalidArgumentError{Field: "conversionType", Reason: ErrUnknownConversionType.Error()}
	}
	rate, err := r.store.GetRate(ctx, t)
	if err != nil {
		return CommissionRate{}, &TransientError{Op: "get rate", Err: err}
	}
	if rate == nil {
		return CommissionRate{}, ErrRateNotFound
	}
	return *rate, nil
}

// ListRates returns all configured rates, bypassing the cache.
func (r *RateResolver) ListRates(ctx context.Context) ([]CommissionRate, error) {
	rates, err := r.store.ListRates(ctx)
	if err != nil {
		return nil, &TransientError{Op: "list rates", Err: err}
	}
	return rates, nil
}
