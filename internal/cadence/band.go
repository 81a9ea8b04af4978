package cadence

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Band is an inclusive [Min, Max] interval a delay is drawn from.
type Band struct {
	Min time.Duration
	Max time.Duration
}

var (
	FastBand  = Band{Min: 3270 * time.Millisecond, Max: 4 * time.Second}
	SlowBand  = Band{Min: 24 * time.Second, Max: 36 * time.Second}
	BonusBand = Band{Min: 181 * time.Second, Max: 300 * time.Second}
)

func (b Band) Validate() error {
	if b.Min < 0 || b.Max < 0 {
		return fmt.Errorf("band %s: negative bound", b)
	}
	if b.Min > b.Max {
		return fmt.Errorf("band %s: min > max", b)
	}
	return nil
}

// PerHour reports the message rate range implied by the band.
func (b Band) PerHour() (lo, hi int) {
	if b.Max > 0 {
		lo = int(time.Hour / b.Max)
	}
	if b.Min > 0 {
		hi = int(time.Hour / b.Min)
	}
	return lo, hi
}

func (b Band) String() string { return fmt.Sprintf("[%s, %s]", b.Min, b.Max) }

// Distribution draws one delay from a band. Implementations must return a
// value within [b.Min, b.Max].
type Distribution interface {
	Draw(b Band) time.Duration
}

type DistributionFunc func(b Band) time.Duration

func (f DistributionFunc) Draw(b Band) time.Duration { return f(b) }

// Uniform draws uniformly from the band.
type Uniform struct{}

func (Uniform) Draw(b Band) time.Duration {
	if b.Max <= b.Min {
		return b.Min
	}
	return b.Min + time.Duration(rand.Int64N(int64(b.Max-b.Min)+1))
}

// clamp keeps a custom distribution honest.
func clamp(d time.Duration, b Band) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
