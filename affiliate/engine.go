/*
engine.go - Engine assembly

PURPOSE:
  Bundles the four components (rate resolver, recorder, aggregator,
  payout manager) behind one constructor so callers wire a single
  value. Components share the store, clock, id generator, and logger.
*/
package affiliate

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds engine-level configuration.
type Config struct {
	// PlatformFeePercent is deducted from gross commission before net
	// payout, e.g. 5 for a 5% fee.
	PlatformFeePercent decimal.Decimal

	// RateCacheTTL bounds rate-cache staleness across processes.
	// Zero means DefaultRateCacheTTL.
	RateCacheTTL time.Duration

	// Clock defaults to SystemClock.
	Clock Clock
}

// Engine exposes the commission engine's capabilities.
type Engine struct {
	Rates      *RateResolver
	Recorder   *Recorder
	Aggregator *Aggregator
	Payouts    *PayoutManager
}

// NewEngine assembles an engine over store.
func NewEngine(store TxStore, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	ids := NewIDGenerator()

	rates := NewRateResolver(store, log, clock, cfg.RateCacheTTL)
	agg := NewAggregator(store, cfg.PlatformFeePercent)
	return &Engine{
		Rates:      rates,
		Recorder:   NewRecorder(store, rates, log, clock, ids),
		Aggregator: agg,
		Payouts:    NewPayoutManager(store, agg, log, clock, ids),
	}
}
