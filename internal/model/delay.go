package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Delays carry at most nine fractional digits and a small exponent so
// arithmetic on them stays cheap whatever the input text.
const (
	minDelayExp    = -9
	maxDelayExp    = 6
	maxDelayLength = 32
)

var (
	nanosPerHour = decimal.NewFromInt(int64(time.Hour))
	maxNanos     = decimal.NewFromInt(math.MaxInt64)
	maxHours     = decimal.NewFromInt(math.MaxInt64 / int64(time.Hour))
)

// Delay is a fixed-point number of hours
type Delay struct {
	hours decimal.Decimal
}

// ParseDelay parses a decimal hour count such as "0", "2", "1.25"
func ParseDelay(s string) (Delay, error) {
	if len(s) > maxDelayLength {
		return Delay{}, Invalid("delay", "longer than %d characters", maxDelayLength)
	}
	h, err := decimal.NewFromString(s)
	if err != nil {
		return Delay{}, Invalid("delay", "malformed decimal %q", s)
	}
	if exp := h.Exponent(); exp < minDelayExp || exp > maxDelayExp {
		return Delay{}, Invalid("delay", "%q is out of range", s)
	}
	if h.IsNegative() {
		return Delay{}, Invalid("delay", "must not be negative, got %q", s)
	}
	if h.GreaterThan(maxHours) {
		return Delay{}, Invalid("delay", "%q hours is out of range", s)
	}
	d := Delay{hours: h}
	if _, err := d.Duration(); err != nil {
		return Delay{}, err
	}
	return d, nil
}

// DelayHours creates a whole-hour delay
func DelayHours(h int64) Delay {
	return Delay{hours: decimal.NewFromInt(h)}
}

// String returns the canonical decimal text stored in the database
func (d Delay) String() string {
	return d.hours.String()
}

// Duration converts the delay to a time.Duration. Fractions of a nanosecond
// are truncated.
func (d Delay) Duration() (time.Duration, error) {
	if d.hours.IsNegative() {
		return 0, Invalid("delay", "must not be negative, got %s", d.hours)
	}
	ns := d.hours.Mul(nanosPerHour).Truncate(0)
	if ns.GreaterThan(maxNanos) {
		return 0, Invalid("delay", "%s hours is out of range", d.hours)
	}
	return time.Duration(ns.IntPart()), nil
}

// Equal reports whether two delays denote the same amount of time
func (d Delay) Equal(other Delay) bool {
	return d.hours.Equal(other.hours)
}

// DueAt returns anchor + delay for a stored delay string
func DueAt(anchor time.Time, delay string) (time.Time, error) {
	d, err := ParseDelay(delay)
	if err != nil {
		return time.Time{}, err
	}
	dur, err := d.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return anchor.Add(dur).UTC(), nil
}
