package affiliate

import "time"

// Clock supplies the current time. Injectable so tests control
// timestamps and cache expiry deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a preset time, advanced explicitly. Test helper.
type FixedClock struct {
	Current time.Time
}

func (c *FixedClock) Now() time.Time { return c.Current }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }
