/*
id.go - Identifier generation for conversions and payouts

PURPOSE:
  Mints ULIDs for new records. ULIDs are 26 characters, sortable by
  creation time, and URL-safe, which keeps id columns indexable and
  log lines greppable.

CONCURRENCY:
  Monotonic entropy is not safe for concurrent use, so generation is
  serialized behind a mutex. Contention is negligible at this call rate.
*/
package affiliate

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator mints unique, time-ordered identifiers.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator creates a generator with monotonic entropy.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewConversionID mints an id for a new conversion.
func (g *IDGenerator) NewConversionID() ConversionID {
	return ConversionID(g.next())
}

// NewPayoutID mints an id for a new payout.
func (g *IDGenerator) NewPayoutID() PayoutID {
	return PayoutID(g.next())
}

func (g *IDGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
